package reliability

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the voice pipeline. Transport failures end the session,
// provider and timeout failures degrade the current turn, persistence
// failures are counted and swallowed.

// TransportError is a failure of the session's audio transport. Fatal: the
// session is drained and closed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError is a failure reported by an external capability provider
// (STT, TTS, LLM). Recoverable: the controller falls back per stage.
type ProviderError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError is an expired bounded wait on a pipeline stage. Recoverable:
// the stage's fallback path runs.
type TimeoutError struct {
	Stage string
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.Wait)
}

// PersistenceError is a transcript store failure. Counted in metrics, never
// propagated to the caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsFatal reports whether err should terminate the session.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRetryable reports whether err is worth retrying against the same
// provider. Transport and persistence errors are never retried here.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var to *TimeoutError
	return errors.As(err, &to)
}

package reliability

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransportErrorIsFatal(t *testing.T) {
	err := fmt.Errorf("session: %w", &TransportError{Op: "ws read", Err: errors.New("broken pipe")})
	if !IsFatal(err) {
		t.Fatal("wrapped TransportError should be fatal")
	}
	if IsFatal(&ProviderError{Provider: "stt", Err: errors.New("oops")}) {
		t.Fatal("ProviderError should not be fatal")
	}
	if IsFatal(nil) {
		t.Fatal("nil should not be fatal")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable provider", &ProviderError{Provider: "tts", Retryable: true, Err: errors.New("x")}, true},
		{"non-retryable provider", &ProviderError{Provider: "tts", Err: errors.New("x")}, false},
		{"timeout", &TimeoutError{Stage: "stt final", Wait: time.Second}, true},
		{"transport", &TransportError{Op: "dial", Err: errors.New("x")}, false},
		{"wrapped retryable", fmt.Errorf("turn: %w", &ProviderError{Provider: "llm", Retryable: true, Err: errors.New("x")}), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	for _, err := range []error{
		&TransportError{Op: "ws", Err: inner},
		&ProviderError{Provider: "stt", Err: inner},
		&PersistenceError{Op: "append", Err: inner},
	} {
		if !errors.Is(err, inner) {
			t.Fatalf("%T does not unwrap to inner error", err)
		}
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Stage: "cancel ack", Wait: 1500 * time.Millisecond}
	want := "cancel ack timed out after 1.5s"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

package pipeline

import "time"

type VADEventType string

const (
	VADSpeechOnset    VADEventType = "speech_onset"
	VADEndOfUtterance VADEventType = "end_of_utterance"
)

type VADEvent struct {
	Type    VADEventType
	At      time.Time
	Silence time.Duration
}

// endpointer turns per-frame speech verdicts into utterance boundaries:
// an onset on the first speech frame, an end-of-utterance once trailing
// silence has held for silenceHold. It works off frame timestamps so
// behavior does not depend on wall-clock scheduling.
type endpointer struct {
	silenceHold  time.Duration
	inUtterance  bool
	silenceSince time.Time
}

func newEndpointer(silenceHold time.Duration) *endpointer {
	if silenceHold <= 0 {
		silenceHold = 600 * time.Millisecond
	}
	return &endpointer{silenceHold: silenceHold}
}

func (e *endpointer) Push(speech bool, at time.Time) (VADEvent, bool) {
	if speech {
		e.silenceSince = time.Time{}
		if !e.inUtterance {
			e.inUtterance = true
			return VADEvent{Type: VADSpeechOnset, At: at}, true
		}
		return VADEvent{}, false
	}

	if !e.inUtterance {
		return VADEvent{}, false
	}
	if e.silenceSince.IsZero() {
		e.silenceSince = at
		return VADEvent{}, false
	}
	if held := at.Sub(e.silenceSince); held >= e.silenceHold {
		e.inUtterance = false
		e.silenceSince = time.Time{}
		return VADEvent{Type: VADEndOfUtterance, At: at, Silence: held}, true
	}
	return VADEvent{}, false
}

// ForceEnd closes the current utterance regardless of held silence, used
// for explicit client commit controls.
func (e *endpointer) ForceEnd(at time.Time) (VADEvent, bool) {
	if !e.inUtterance {
		return VADEvent{}, false
	}
	e.inUtterance = false
	e.silenceSince = time.Time{}
	return VADEvent{Type: VADEndOfUtterance, At: at, Silence: e.silenceHold}, true
}

func (e *endpointer) Reset() {
	e.inUtterance = false
	e.silenceSince = time.Time{}
}

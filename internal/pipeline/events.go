package pipeline

import "time"

type eventKind int

const (
	evVAD eventKind = iota
	evSTT
	evControl
	evCommitTimeout
	evAgentStarted
	evAgentDone
)

// event is the single currency of the controller's decision loop. Every
// goroutine that wants to influence turn state posts one of these; only the
// loop mutates anything.
type event struct {
	kind   eventKind
	vad    VADEvent
	stt    STTEvent
	action string
	gen    uint64
	token  int64
	agent  agentResult
}

type agentResult struct {
	turnID     string
	spokenText string
	fullText   string
	reason     string
}

// utterance tracks the user speech segment currently being assembled.
// gen guards timer events against firing into a newer segment.
type utterance struct {
	id          string
	gen         uint64
	active      bool
	startedAt   time.Time
	lastPartial string
	confidence  float64
	finalText   string
	haveFinal   bool
	silenceDone bool
	degraded    bool
}

// pendingCommit is a user commit queued while an interrupted agent turn's
// cancellation acknowledgment is still outstanding. Commits in that window
// are kept in arrival order; the acknowledgment wait is bounded, so the
// queueing is too.
type pendingCommit struct {
	text        string
	degraded    bool
	utteranceID string
	startedAt   time.Time
}

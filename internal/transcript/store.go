package transcript

import "time"

// Speaker labels a transcript entry's originating party.
type Speaker string

const (
	SpeakerUser  Speaker = "USER"
	SpeakerAgent Speaker = "AGENT"
)

// LogEntry is one durable transcript record. Critical entries carry final
// user or agent content and are the last to be dropped under pressure.
type LogEntry struct {
	Timestamp   time.Time
	Speaker     Speaker
	Text        string
	UtteranceID string
	Degraded    bool
	Critical    bool
}

// Store persists entries in the order they are handed over. Implementations
// are written to by exactly one goroutine.
type Store interface {
	Append(entry LogEntry) error
	Close() error
}

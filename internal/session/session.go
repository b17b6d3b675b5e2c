package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// ParticipantKind distinguishes browser participants from telephony ones.
// Telephony audio arrives narrowband and is transcribed with a phone-tuned
// model.
type ParticipantKind string

const (
	ParticipantWeb ParticipantKind = "web"
	ParticipantSIP ParticipantKind = "sip"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrSessionEnded   = errors.New("session already ended")
	ErrAlreadyRunning = errors.New("session already has an attached stream")
)

// Session is the externally visible record of one voice conversation.
type Session struct {
	ID                string          `json:"session_id"`
	Identity          string          `json:"identity"`
	Kind              ParticipantKind `json:"participant_kind"`
	PhoneNumber       string          `json:"phone_number,omitempty"`
	Status            Status          `json:"status"`
	TurnState         string          `json:"turn_state"`
	InterruptionCount int64           `json:"interruption_count"`
	StartedAt         time.Time       `json:"started_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
}

// Metadata describes a connecting participant.
type Metadata struct {
	Identity    string          `json:"identity"`
	Kind        ParticipantKind `json:"participant_kind"`
	PhoneNumber string          `json:"phone_number,omitempty"`
}

func (m Metadata) normalized() Metadata {
	if m.Kind == "" {
		m.Kind = ParticipantWeb
	}
	return m
}

// Valid reports whether the participant kind is one the service knows.
func (m Metadata) Valid() bool {
	switch m.normalized().Kind {
	case ParticipantWeb, ParticipantSIP:
		return true
	}
	return false
}

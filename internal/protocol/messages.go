package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeSTTPartial       MessageType = "stt_partial"
	TypeSTTCommitted     MessageType = "stt_committed"
	TypeAgentTextDelta   MessageType = "agent_text_delta"
	TypeAgentAudioChunk  MessageType = "agent_audio_chunk"
	TypeAgentTurnEnd     MessageType = "agent_turn_end"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionInterrupt = "interrupt"
	ActionCommit    = "commit"
	ActionStop      = "stop"
)

// Agent turn end reasons.
const (
	TurnEndCompleted   = "completed"
	TurnEndInterrupted = "interrupted"
	TurnEndApology     = "apology"
	TurnEndTTSFailed   = "tts_failed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type STTPartial struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	TSMs        int64       `json:"ts_ms"`
}

type STTCommitted struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
	Degraded    bool        `json:"degraded,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type AgentTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AgentAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type AgentTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound client payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionInterrupt, ActionCommit, ActionStop:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf maps an outbound payload to its wire type for metrics.
func MessageTypeOf(msg any) MessageType {
	switch msg.(type) {
	case STTPartial:
		return TypeSTTPartial
	case STTCommitted:
		return TypeSTTCommitted
	case AgentTextDelta:
		return TypeAgentTextDelta
	case AgentAudioChunk:
		return TypeAgentAudioChunk
	case AgentTurnEnd:
		return TypeAgentTurnEnd
	case SystemEvent:
		return TypeSystemEvent
	case ErrorEvent:
		return TypeErrorEvent
	default:
		return ""
	}
}

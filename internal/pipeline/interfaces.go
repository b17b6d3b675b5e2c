package pipeline

import (
	"context"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
)

// Role tags a chat context turn.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// ChatTurn is one committed exchange in a session's chat context. The
// context is append-only: partial user speech never enters it, and an
// interrupted agent turn contributes only its vocalized prefix.
type ChatTurn struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// STTProfile selects the transcription model variant for a session.
type STTProfile struct {
	Model      string
	Language   string
	SampleRate int
}

// TTSProfile selects the synthesis voice for a session.
type TTSProfile struct {
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
}

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  time.Time
}

// STTStream transcribes one session's audio. Streams are restartable per
// utterance boundary, never mid-utterance.
type STTStream interface {
	SendFrame(ctx context.Context, frame audio.Frame) error
	Events() <-chan STTEvent
	Close() error
}

type STTProvider interface {
	Open(ctx context.Context, profile STTProfile) (STTStream, error)
}

type TTSEventType string

const (
	TTSEventAudio     TTSEventType = "audio"
	TTSEventChunkDone TTSEventType = "chunk_done"
	TTSEventFinal     TTSEventType = "final"
	TTSEventError     TTSEventType = "error"
)

// TTSEvent carries synthesized audio tagged with the input chunk that
// produced it. ChunkDone marks a chunk as fully vocalized; the controller
// uses those marks to decide what an interrupted agent actually said.
type TTSEvent struct {
	Type      TTSEventType
	Frame     audio.Frame
	ChunkSeq  int
	Code      string
	Detail    string
	Retryable bool
}

// TTSStream synthesizes text chunks incrementally. SendChunk may be called
// while earlier chunks are still playing; Close cancels mid-synthesis.
type TTSStream interface {
	SendChunk(ctx context.Context, seq int, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	Open(ctx context.Context, profile TTSProfile) (TTSStream, error)
}

// TokenStream is a lazy LLM response. Tokens is closed when the response is
// complete or the stream fails; Err is valid only after that.
type TokenStream interface {
	Tokens() <-chan string
	Err() error
	Close() error
}

type LanguageModel interface {
	Generate(ctx context.Context, turns []ChatTurn) (TokenStream, error)
}

// VAD classifies frames as speech or silence. Implementations keep small
// rolling state and are used from a single goroutine.
type VAD interface {
	Classify(frame audio.Frame) bool
	Reset()
}

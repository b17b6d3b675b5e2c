package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey    string
	WSBaseURL string
}

// ElevenLabsProvider implements STT and TTS over the realtime websocket API.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) Open(ctx context.Context, profile STTProfile) (STTStream, error) {
	model := profile.Model
	if model == "" {
		model = "scribe_v1"
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", model)
	q.Set("commit_strategy", "manual")
	q.Set("include_timestamps", "true")
	if profile.Language != "" {
		q.Set("language", profile.Language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, &reliability.ProviderError{Provider: "stt", Retryable: true, Err: fmt.Errorf("dial stt websocket: %w", err)}
	}

	s := &elevenSTTStream{
		conn:       conn,
		sampleRate: profile.SampleRate,
		events:     make(chan STTEvent, 256),
	}
	go s.readLoop()
	return s, nil
}

type elevenSTTStream struct {
	conn       *websocket.Conn
	sampleRate int
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan STTEvent
}

func (s *elevenSTTStream) SendFrame(_ context.Context, frame audio.Frame) error {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.sampleRate
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(frame.PCM)),
		"sample_rate":   rate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(payload); err != nil {
		return &reliability.TransportError{Op: "stt_send", Err: err}
	}
	return nil
}

func (s *elevenSTTStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.events <- STTEvent{
				Type:       STTEventPartial,
				Text:       asString(raw["text"]),
				Confidence: asFloat(raw["confidence"]),
				Timestamp:  time.Now().UTC(),
			}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- STTEvent{
				Type:       STTEventFinal,
				Text:       asString(raw["text"]),
				Confidence: asFloat(raw["confidence"]),
				Timestamp:  time.Now().UTC(),
			}
		case "session_started", "", "input_audio_chunk":
			// control noise
		default:
			s.events <- STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: time.Now().UTC(),
			}
		}
	}
}

func (s *elevenSTTStream) Events() <-chan STTEvent { return s.events }

func (s *elevenSTTStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (p *ElevenLabsProvider) OpenTTS(ctx context.Context, profile TTSProfile) (TTSStream, error) {
	if strings.TrimSpace(profile.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	model := profile.ModelID
	if model == "" {
		model = "eleven_multilingual_v2"
	}
	format := profile.OutputFormat
	if format == "" {
		format = "pcm_16000"
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(profile.VoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", model)
	q.Set("output_format", format)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, &reliability.ProviderError{Provider: "tts", Retryable: true, Err: fmt.Errorf("dial tts websocket: %w", err)}
	}

	s := &elevenTTSStream{
		conn:       conn,
		sampleRate: profile.SampleRate,
		events:     make(chan TTSEvent, 512),
	}
	go s.readLoop()
	// Prime the stream as documented for TTS websocket flows.
	_ = s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
			"speed":            1.0,
		},
	})
	return s, nil
}

type elevenTTSStream struct {
	conn       *websocket.Conn
	sampleRate int
	writeMu    sync.Mutex
	connOnce   sync.Once
	events     chan TTSEvent

	mu        sync.Mutex
	closed    bool
	openSeqs  []int
	audioSeen bool
	frameSeq  uint64
}

// The upstream protocol does not attribute audio to input chunks, so chunk
// completion is approximated from stream order: a chunk is marked done once
// audio has arrived for it and the next chunk is submitted, and every open
// chunk is marked done on the final message.
func (s *elevenTTSStream) SendChunk(_ context.Context, seq int, text string) error {
	s.mu.Lock()
	if s.audioSeen && len(s.openSeqs) > 0 {
		done := s.openSeqs[0]
		s.openSeqs = s.openSeqs[1:]
		s.audioSeen = false
		s.emitLocked(TTSEvent{Type: TTSEventChunkDone, ChunkSeq: done})
	}
	s.openSeqs = append(s.openSeqs, seq)
	s.mu.Unlock()

	return s.writeJSON(map[string]any{
		"text":                   text + " ",
		"try_trigger_generation": true,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.connOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(payload); err != nil {
		return &reliability.TransportError{Op: "tts_send", Err: err}
	}
	return nil
}

func (s *elevenTTSStream) readLoop() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if audioB64 := asString(raw["audio"]); audioB64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(audioB64)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.audioSeen = true
			seq := -1
			if len(s.openSeqs) > 0 {
				seq = s.openSeqs[0]
			}
			s.frameSeq++
			frameSeq := s.frameSeq
			s.mu.Unlock()
			s.events <- TTSEvent{
				Type:     TTSEventAudio,
				ChunkSeq: seq,
				Frame: audio.Frame{
					PCM:        audio.DecodePCM16LE(pcm),
					SampleRate: s.sampleRate,
					Seq:        frameSeq,
					Timestamp:  time.Now().UTC(),
				},
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.mu.Lock()
			open := s.openSeqs
			s.openSeqs = nil
			s.audioSeen = false
			s.mu.Unlock()
			for _, seq := range open {
				s.events <- TTSEvent{Type: TTSEventChunkDone, ChunkSeq: seq}
			}
			s.events <- TTSEvent{Type: TTSEventFinal}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.events <- TTSEvent{
				Type:      TTSEventError,
				Code:      code,
				Detail:    errMsg,
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		}
	}
}

// emitLocked delivers an event while s.mu is held; drops it if the read
// loop already closed the channel.
func (s *elevenTTSStream) emitLocked(ev TTSEvent) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// elevenTTSFactory adapts the provider's TTS half to the TTSProvider
// contract without exposing both Open methods on one type.
type elevenTTSFactory struct {
	provider *ElevenLabsProvider
}

// TTS returns the provider's TTS face.
func (p *ElevenLabsProvider) TTS() TTSProvider {
	return &elevenTTSFactory{provider: p}
}

func (f *elevenTTSFactory) Open(ctx context.Context, profile TTSProfile) (TTSStream, error) {
	return f.provider.OpenTTS(ctx, profile)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

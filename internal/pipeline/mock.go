package pipeline

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
)

// Scripted providers for local development and tests. They exercise every
// event path a real provider can take without any network dependency.

// MockSTTProvider emits rolling partials while it hears energy and a final
// shortly after the energy stops. Scripted lines are cycled per utterance.
type MockSTTProvider struct {
	Lines []string
}

func NewMockSTTProvider() *MockSTTProvider {
	return &MockSTTProvider{
		Lines: []string{
			"what is the weather like today",
			"tell me a short story",
			"thanks that is all",
		},
	}
}

func (p *MockSTTProvider) Open(_ context.Context, _ STTProfile) (STTStream, error) {
	return &mockSTTStream{
		lines:  p.Lines,
		events: make(chan STTEvent, 64),
	}, nil
}

type mockSTTStream struct {
	lines  []string
	events chan STTEvent

	mu        sync.Mutex
	closed    bool
	lineIdx   int
	loudRun   int
	quietRun  int
	speaking  bool
	wordsSent int
}

func (s *mockSTTStream) SendFrame(_ context.Context, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if audio.RMS(frame.PCM) > 0.01 {
		s.loudRun++
		s.quietRun = 0
	} else {
		s.quietRun++
		s.loudRun = 0
	}

	line := s.lines[s.lineIdx%len(s.lines)]
	words := strings.Fields(line)

	if !s.speaking && s.loudRun >= 3 {
		s.speaking = true
		s.wordsSent = 0
	}

	if s.speaking && s.loudRun > 0 && s.loudRun%8 == 0 && s.wordsSent < len(words) {
		s.wordsSent++
		s.emit(STTEvent{
			Type:       STTEventPartial,
			Text:       strings.Join(words[:s.wordsSent], " "),
			Confidence: 0.72,
			Timestamp:  frame.Timestamp,
		})
	}

	// A short quiet run ends the utterance; the final typically lands before
	// the endpointer's longer hold expires.
	if s.speaking && s.quietRun >= 12 {
		s.speaking = false
		s.lineIdx++
		s.emit(STTEvent{
			Type:       STTEventFinal,
			Text:       line,
			Confidence: 0.94,
			Timestamp:  frame.Timestamp,
		})
	}
	return nil
}

func (s *mockSTTStream) emit(ev STTEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSTTStream) Events() <-chan STTEvent { return s.events }

func (s *mockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// MockTTSProvider synthesizes a quiet tone per chunk: a few audio frames,
// then a chunk_done mark, then a final after CloseInput.
type MockTTSProvider struct {
	FramesPerChunk int
}

func NewMockTTSProvider() *MockTTSProvider {
	return &MockTTSProvider{FramesPerChunk: 5}
}

func (p *MockTTSProvider) Open(_ context.Context, profile TTSProfile) (TTSStream, error) {
	rate := profile.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	frames := p.FramesPerChunk
	if frames <= 0 {
		frames = 5
	}
	return &mockTTSStream{
		sampleRate:     rate,
		framesPerChunk: frames,
		events:         make(chan TTSEvent, 256),
	}, nil
}

type mockTTSStream struct {
	sampleRate     int
	framesPerChunk int
	events         chan TTSEvent

	mu     sync.Mutex
	closed bool
	seq    uint64
}

func (s *mockTTSStream) SendChunk(ctx context.Context, seq int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	for i := 0; i < s.framesPerChunk; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.seq++
		s.emit(TTSEvent{
			Type:     TTSEventAudio,
			ChunkSeq: seq,
			Frame: audio.Frame{
				PCM:        tonePCM(s.sampleRate, 20*time.Millisecond, 220.0),
				SampleRate: s.sampleRate,
				Seq:        s.seq,
				Timestamp:  time.Now().UTC(),
			},
		})
	}
	s.emit(TTSEvent{Type: TTSEventChunkDone, ChunkSeq: seq})
	_ = text
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.emit(TTSEvent{Type: TTSEventFinal})
	return nil
}

func (s *mockTTSStream) emit(ev TTSEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func tonePCM(sampleRate int, d time.Duration, freq float64) []int16 {
	n := int(time.Duration(sampleRate) * d / time.Second)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(2000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return pcm
}

// MockLanguageModel streams canned replies word by word.
type MockLanguageModel struct {
	Replies []string

	mu  sync.Mutex
	idx int
}

func NewMockLanguageModel() *MockLanguageModel {
	return &MockLanguageModel{
		Replies: []string{
			"It looks bright and clear today, a great day to be outside.",
			"Once upon a time a small robot learned to listen, and everyone loved talking to it.",
			"You're welcome, talk to you soon.",
		},
	}
}

func (m *MockLanguageModel) Generate(ctx context.Context, _ []ChatTurn) (TokenStream, error) {
	m.mu.Lock()
	reply := m.Replies[m.idx%len(m.Replies)]
	m.idx++
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s := &channelTokenStream{tokens: make(chan string, 16), cancel: cancel}
	go func() {
		defer close(s.tokens)
		for _, word := range strings.Fields(reply) {
			select {
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case s.tokens <- word + " ":
			}
		}
	}()
	return s, nil
}

// staticTokenStream delivers a fixed text in one token. Used for the
// greeting and apology turns that bypass the language model.
func newStaticTokenStream(text string) TokenStream {
	s := &channelTokenStream{tokens: make(chan string, 1), cancel: func() {}}
	s.tokens <- text
	close(s.tokens)
	return s
}

type channelTokenStream struct {
	tokens chan string
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *channelTokenStream) Tokens() <-chan string { return s.tokens }

func (s *channelTokenStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *channelTokenStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *channelTokenStream) Close() error {
	s.cancel()
	return nil
}

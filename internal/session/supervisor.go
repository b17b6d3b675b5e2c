package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/pipeline"
	"github.com/antoniostano/voxline/internal/transcript"
)

// Providers carries the speech and language backends shared by every
// session. NewVAD is a factory because VAD state is per-session.
type Providers struct {
	STT    pipeline.STTProvider
	TTS    pipeline.TTSProvider
	LLM    pipeline.LanguageModel
	NewVAD func() pipeline.VAD
}

type runtime struct {
	mu         sync.Mutex
	sess       *Session
	controller *pipeline.Controller
	sink       *transcript.Sink

	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	endOnce   sync.Once
}

// Supervisor owns every live session: it wires providers, transcript sink
// and turn controller together on connect, and guarantees exactly one drain
// on the way out regardless of how the session ends.
type Supervisor struct {
	cfg       config.Config
	providers Providers
	pool      *pgxpool.Pool
	metrics   *observability.Metrics
	log       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*runtime
}

func NewSupervisor(cfg config.Config, providers Providers, pool *pgxpool.Pool, metrics *observability.Metrics, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if providers.NewVAD == nil {
		providers.NewVAD = func() pipeline.VAD { return pipeline.NewRMSVAD() }
	}
	return &Supervisor{
		cfg:       cfg,
		providers: providers,
		pool:      pool,
		metrics:   metrics,
		log:       log,
		sessions:  make(map[string]*runtime),
	}
}

// OnParticipantConnected creates the session record and its full runtime:
// transcript store and sink, then the turn controller bound to them.
func (s *Supervisor) OnParticipantConnected(meta Metadata) (*Session, error) {
	meta = meta.normalized()
	if !meta.Valid() {
		return nil, fmt.Errorf("unknown participant kind %q", meta.Kind)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		Identity:       meta.Identity,
		Kind:           meta.Kind,
		PhoneNumber:    meta.PhoneNumber,
		Status:         StatusActive,
		TurnState:      pipeline.StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	store, err := s.openStore(sess.ID)
	if err != nil {
		return nil, err
	}
	sink := transcript.NewSink(store, s.cfg.TranscriptQueueSize, s.metrics,
		s.log.With(zap.String("session_id", sess.ID)))

	profile := ResolveProfile(s.cfg, meta)
	ctrl := pipeline.NewController(pipeline.Config{
		SessionID:    sess.ID,
		SilenceHold:  s.cfg.SilenceHold,
		STTFinalWait: s.cfg.STTFinalWait,
		CancelWait:   s.cfg.CancelWait,
		Greeting:     s.cfg.Greeting,
		SystemPrompt: s.cfg.SystemPrompt,
	}, s.providers.STT, s.providers.TTS, s.providers.LLM, s.providers.NewVAD(),
		profile.STT, profile.TTS, sink, s.metrics,
		s.log.With(zap.String("session_id", sess.ID)))

	rt := &runtime{sess: sess, controller: ctrl, sink: sink}
	ctrl.SetStateHook(func(_, to string) {
		rt.mu.Lock()
		rt.sess.TurnState = to
		rt.sess.LastActivityAt = time.Now().UTC()
		rt.mu.Unlock()
	})

	s.mu.Lock()
	s.sessions[sess.ID] = rt
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		s.metrics.SessionEvents.WithLabelValues("session_started").Inc()
	}
	s.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("participant_kind", string(meta.Kind)))
	return rt.snapshot(), nil
}

func (s *Supervisor) openStore(sessionID string) (transcript.Store, error) {
	if s.pool != nil {
		return transcript.NewPostgresStore(s.pool, sessionID), nil
	}
	return transcript.NewFileStore(filepath.Join(s.cfg.TranscriptDir, sessionID+".log"))
}

// Run attaches an audio stream and drives the session's turn loop until ctx
// is cancelled or the session is ended. The turn loop is one-shot: a session
// whose stream detaches must be ended, not re-attached.
func (s *Supervisor) Run(ctx context.Context, sessionID string, frames <-chan audio.Frame, outbound chan<- any) error {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.sess.Status != StatusActive {
		rt.mu.Unlock()
		return ErrSessionEnded
	}
	if rt.running {
		rt.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.running = true
	rt.cancelRun = cancel
	rt.runDone = make(chan struct{})
	rt.mu.Unlock()

	defer func() {
		cancel()
		close(rt.runDone)
	}()
	return rt.controller.Run(runCtx, frames, outbound)
}

// EndSession stops the turn loop and drains the transcript sink exactly
// once. Later calls return the same ended snapshot.
func (s *Supervisor) EndSession(sessionID string) (*Session, error) {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	rt.endOnce.Do(func() {
		rt.mu.Lock()
		rt.sess.Status = StatusEnded
		rt.sess.LastActivityAt = time.Now().UTC()
		cancel := rt.cancelRun
		done := rt.runDone
		rt.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(s.cfg.CancelWait + s.cfg.DrainTimeout):
				s.log.Warn("turn loop did not stop in time", zap.String("session_id", sessionID))
			}
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancelDrain()
		start := time.Now()
		if err := rt.sink.DrainAndClose(drainCtx); err != nil {
			s.log.Warn("transcript drain incomplete",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ObserveTurnStage("transcript_drain", time.Since(start))
			s.metrics.ActiveSessions.Dec()
			s.metrics.SessionEvents.WithLabelValues("session_ended").Inc()
		}
		s.log.Info("session ended", zap.String("session_id", sessionID))
	})
	return rt.snapshot(), nil
}

func (s *Supervisor) Get(sessionID string) (*Session, error) {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.snapshot(), nil
}

// Touch records client activity so the janitor keeps the session alive.
func (s *Supervisor) Touch(sessionID string) error {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.sess.LastActivityAt = time.Now().UTC()
	rt.mu.Unlock()
	return nil
}

// Interrupt forwards an explicit barge-in control to the session's turn loop.
func (s *Supervisor) Interrupt(sessionID string) error {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	rt.controller.RequestInterrupt()
	return s.Touch(sessionID)
}

// Commit asks the turn loop to close the current utterance immediately.
func (s *Supervisor) Commit(sessionID string) error {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	rt.controller.RequestCommit()
	return s.Touch(sessionID)
}

// Context returns the session's committed chat context.
func (s *Supervisor) Context(sessionID string) ([]pipeline.ChatTurn, error) {
	rt, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return rt.controller.Context(), nil
}

func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rt := range s.sessions {
		rt.mu.Lock()
		if rt.sess.Status == StatusActive {
			count++
		}
		rt.mu.Unlock()
	}
	return count
}

// StartJanitor ends sessions whose participants went quiet for longer than
// the inactivity timeout.
func (s *Supervisor) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireInactive()
			}
		}
	}()
}

func (s *Supervisor) expireInactive() {
	now := time.Now().UTC()
	var expired []string

	s.mu.RLock()
	for id, rt := range s.sessions {
		rt.mu.Lock()
		stale := rt.sess.Status == StatusActive &&
			now.Sub(rt.sess.LastActivityAt) >= s.cfg.SessionInactivityTimeout
		rt.mu.Unlock()
		if stale {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.log.Info("session expired by inactivity", zap.String("session_id", id))
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("session_expired").Inc()
		}
		if _, err := s.EndSession(id); err != nil {
			s.log.Warn("expire failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Shutdown ends every active session, draining each transcript.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			s.log.Warn("shutdown deadline hit with sessions remaining")
			return
		}
		if _, err := s.EndSession(id); err != nil && err != ErrNotFound {
			s.log.Warn("shutdown end failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// PreviewTTS synthesizes a standalone snippet outside any session, for
// voice auditioning.
func (s *Supervisor) PreviewTTS(ctx context.Context, text string) ([]audio.Frame, error) {
	profile := pipeline.TTSProfile{
		VoiceID:      s.cfg.TTSVoiceID,
		ModelID:      s.cfg.TTSModelID,
		OutputFormat: s.cfg.TTSOutputFormat,
		SampleRate:   s.cfg.SampleRateWeb,
	}
	stream, err := s.providers.TTS.Open(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("open tts stream: %w", err)
	}
	defer stream.Close()

	if err := stream.SendChunk(ctx, 0, text); err != nil {
		return nil, fmt.Errorf("send preview text: %w", err)
	}
	if err := stream.CloseInput(ctx); err != nil {
		return nil, fmt.Errorf("finish preview input: %w", err)
	}

	var frames []audio.Frame
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return frames, nil
			}
			switch ev.Type {
			case pipeline.TTSEventAudio:
				frames = append(frames, ev.Frame)
			case pipeline.TTSEventFinal:
				return frames, nil
			case pipeline.TTSEventError:
				return nil, fmt.Errorf("tts preview: %s: %s", ev.Code, ev.Detail)
			}
		}
	}
}

func (s *Supervisor) lookup(sessionID string) (*runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rt, nil
}

func (rt *runtime) snapshot() *Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := *rt.sess
	c.TurnState = rt.controller.State()
	c.InterruptionCount = rt.controller.InterruptionCount()
	return &c
}

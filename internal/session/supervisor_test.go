package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/pipeline"
	"github.com/antoniostano/voxline/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		SpeechProvider:           "mock",
		STTModelWeb:              "nova-2-general",
		STTModelPhone:            "nova-2-phonecall",
		SampleRateWeb:            16000,
		SampleRatePhone:          8000,
		FrameDuration:            20 * time.Millisecond,
		SilenceHold:              60 * time.Millisecond,
		STTFinalWait:             300 * time.Millisecond,
		CancelWait:               500 * time.Millisecond,
		DrainTimeout:             2 * time.Second,
		TranscriptDir:            t.TempDir(),
		TranscriptQueueSize:      64,
		TTSVoiceID:               "voice-a",
		TTSModelID:               "model-a",
		TTSOutputFormat:          "pcm_16000",
		SessionInactivityTimeout: 5 * time.Second,
	}
}

func mockProviders() Providers {
	return Providers{
		STT: pipeline.NewMockSTTProvider(),
		TTS: pipeline.NewMockTTSProvider(),
		LLM: pipeline.NewMockLanguageModel(),
	}
}

func TestSupervisorLifecycle(t *testing.T) {
	cfg := testConfig(t)
	sup := NewSupervisor(cfg, mockProviders(), nil, nil, nil)

	sess, err := sup.OnParticipantConnected(Metadata{Identity: "alice"})
	if err != nil {
		t.Fatalf("OnParticipantConnected() error = %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("Status = %q, want active", sess.Status)
	}
	if sess.Kind != ParticipantWeb {
		t.Fatalf("Kind = %q, want web defaulted", sess.Kind)
	}
	if sess.TurnState != pipeline.StateIdle {
		t.Fatalf("TurnState = %q, want idle", sess.TurnState)
	}
	if sup.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", sup.ActiveCount())
	}

	got, err := sup.Get(sess.ID)
	if err != nil || got.ID != sess.ID {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	ended, err := sup.EndSession(sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("Status after end = %q, want ended", ended.Status)
	}
	if sup.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after end = %d, want 0", sup.ActiveCount())
	}

	// Ending again is a no-op returning the same ended record.
	again, err := sup.EndSession(sess.ID)
	if err != nil || again.Status != StatusEnded {
		t.Fatalf("second EndSession() = %v, %v", again, err)
	}

	if _, err := os.Stat(filepath.Join(cfg.TranscriptDir, sess.ID+".log")); err != nil {
		t.Fatalf("transcript file missing: %v", err)
	}
}

func TestSupervisorUnknownSession(t *testing.T) {
	sup := NewSupervisor(testConfig(t), mockProviders(), nil, nil, nil)
	if _, err := sup.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := sup.EndSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EndSession(unknown) error = %v, want ErrNotFound", err)
	}
	if err := sup.Interrupt("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Interrupt(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSupervisorRejectsUnknownParticipantKind(t *testing.T) {
	sup := NewSupervisor(testConfig(t), mockProviders(), nil, nil, nil)
	if _, err := sup.OnParticipantConnected(Metadata{Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown participant kind accepted")
	}
}

func TestResolveProfilePicksPhoneModelForSIP(t *testing.T) {
	cfg := testConfig(t)

	web := ResolveProfile(cfg, Metadata{Kind: ParticipantWeb})
	if web.STT.Model != cfg.STTModelWeb || web.STT.SampleRate != 16000 {
		t.Fatalf("web profile = %+v", web.STT)
	}

	sip := ResolveProfile(cfg, Metadata{Kind: ParticipantSIP, PhoneNumber: "+15550100"})
	if sip.STT.Model != cfg.STTModelPhone {
		t.Fatalf("sip STT model = %q, want %q", sip.STT.Model, cfg.STTModelPhone)
	}
	if sip.STT.SampleRate != 8000 || sip.SampleRate != 8000 {
		t.Fatalf("sip sample rate = %d/%d, want 8000", sip.STT.SampleRate, sip.SampleRate)
	}
	if sip.TTS.VoiceID != cfg.TTSVoiceID {
		t.Fatalf("sip voice = %q, want shared voice", sip.TTS.VoiceID)
	}
}

func TestSupervisorRunGreetsAndStopsOnEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Greeting = "Hey, how can I help you today?"
	sup := NewSupervisor(cfg, mockProviders(), nil, nil, nil)

	sess, err := sup.OnParticipantConnected(Metadata{Identity: "bob"})
	if err != nil {
		t.Fatalf("OnParticipantConnected() error = %v", err)
	}

	frames := make(chan audio.Frame)
	outbound := make(chan any, 256)
	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(context.Background(), sess.ID, frames, outbound)
	}()

	deadline := time.After(3 * time.Second)
	heardAudio := false
	for !heardAudio {
		select {
		case msg := <-outbound:
			if _, ok := msg.(protocol.AgentAudioChunk); ok {
				heardAudio = true
			}
		case <-deadline:
			t.Fatal("no greeting audio before deadline")
		}
	}

	// A second attach is refused while the first is live.
	if err := sup.Run(context.Background(), sess.ID, frames, outbound); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run error = %v, want ErrAlreadyRunning", err)
	}

	go func() {
		for range outbound {
		}
	}()
	if _, err := sup.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() returned %v after end", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after EndSession")
	}

	if err := sup.Run(context.Background(), sess.ID, frames, outbound); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Run on ended session error = %v, want ErrSessionEnded", err)
	}
}

func TestSupervisorExpiresInactiveSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionInactivityTimeout = 10 * time.Millisecond
	sup := NewSupervisor(cfg, mockProviders(), nil, nil, nil)

	sess, err := sup.OnParticipantConnected(Metadata{Identity: "carol"})
	if err != nil {
		t.Fatalf("OnParticipantConnected() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	sup.expireInactive()

	got, err := sup.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want ended after inactivity", got.Status)
	}
}

func TestSupervisorTouchKeepsSessionAlive(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionInactivityTimeout = 80 * time.Millisecond
	sup := NewSupervisor(cfg, mockProviders(), nil, nil, nil)

	sess, err := sup.OnParticipantConnected(Metadata{Identity: "dave"})
	if err != nil {
		t.Fatalf("OnParticipantConnected() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := sup.Touch(sess.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	sup.expireInactive()

	got, _ := sup.Get(sess.ID)
	if got.Status != StatusActive {
		t.Fatalf("Status = %q, want active after Touch", got.Status)
	}
}

func TestSupervisorShutdownEndsEverything(t *testing.T) {
	sup := NewSupervisor(testConfig(t), mockProviders(), nil, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := sup.OnParticipantConnected(Metadata{}); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Shutdown(ctx)
	if n := sup.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() after Shutdown = %d, want 0", n)
	}
}

func TestSupervisorPreviewTTS(t *testing.T) {
	sup := NewSupervisor(testConfig(t), mockProviders(), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frames, err := sup.PreviewTTS(ctx, "Hello there.")
	if err != nil {
		t.Fatalf("PreviewTTS() error = %v", err)
	}
	if len(frames) == 0 {
		t.Fatal("PreviewTTS() returned no audio")
	}
	for _, f := range frames {
		if f.SampleRate != 16000 {
			t.Fatalf("frame sample rate = %d, want 16000", f.SampleRate)
		}
	}
}

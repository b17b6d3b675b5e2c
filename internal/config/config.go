package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice turn pipeline service.
type Config struct {
	BindAddr                 string
	MetricsNamespace         string
	Debug                    bool
	AllowAnyOrigin           bool
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration

	// Provider selection. "mock" wires scripted providers for local
	// development; "elevenlabs" requires an API key.
	SpeechProvider string
	LLMBaseURL     string

	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	TTSVoiceID          string
	TTSModelID          string
	TTSOutputFormat     string

	// STT model variants by participant kind; telephony audio gets the
	// phone-tuned model.
	STTModelWeb     string
	STTModelPhone   string
	SampleRateWeb   int
	SampleRatePhone int
	FrameDuration   time.Duration

	// Turn arbitration timings.
	SilenceHold  time.Duration
	STTFinalWait time.Duration
	CancelWait   time.Duration
	DrainTimeout time.Duration

	TranscriptDir       string
	TranscriptQueueSize int
	DatabaseURL         string

	Greeting     string
	SystemPrompt string
}

const defaultSystemPrompt = "You are a helpful voice assistant created by LiveKit. " +
	"Your interface with users is voice. Keep responses short and concise, " +
	"avoid unpronounceable punctuation, and answer in the language the user speaks."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voxline"),
		SpeechProvider:      envOrDefault("SPEECH_PROVIDER", "mock"),
		LLMBaseURL:          envTrimmed("LLM_BASE_URL"),
		ElevenLabsAPIKey:    envTrimmed("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		TTSVoiceID:          envOrDefault("TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		TTSModelID:          envOrDefault("TTS_MODEL_ID", "eleven_multilingual_v2"),
		// PCM keeps playback latency low; the preview endpoint wraps it as WAV.
		TTSOutputFormat: envOrDefault("TTS_OUTPUT_FORMAT", "pcm_16000"),
		STTModelWeb:     envOrDefault("STT_MODEL_WEB", "nova-2-general"),
		STTModelPhone:   envOrDefault("STT_MODEL_PHONE", "nova-2-phonecall"),
		SampleRateWeb:   16000,
		SampleRatePhone: 8000,
		FrameDuration:   20 * time.Millisecond,

		SilenceHold:  600 * time.Millisecond,
		STTFinalWait: time.Second,
		CancelWait:   1500 * time.Millisecond,
		DrainTimeout: 5 * time.Second,

		TranscriptDir:       envOrDefault("TRANSCRIPT_DIR", "transcripts"),
		TranscriptQueueSize: 4096,
		DatabaseURL:         envTrimmed("DATABASE_URL"),

		Greeting:     envOrDefault("AGENT_GREETING", "Hey, how can I help you today?"),
		SystemPrompt: envOrDefault("AGENT_SYSTEM_PROMPT", defaultSystemPrompt),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}

	var err error
	if cfg.Debug, err = boolFromEnv("APP_DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SampleRateWeb, err = intFromEnv("AUDIO_SAMPLE_RATE_WEB", cfg.SampleRateWeb); err != nil {
		return Config{}, err
	}
	if cfg.SampleRatePhone, err = intFromEnv("AUDIO_SAMPLE_RATE_PHONE", cfg.SampleRatePhone); err != nil {
		return Config{}, err
	}
	if cfg.FrameDuration, err = durationFromEnv("AUDIO_FRAME_DURATION", cfg.FrameDuration); err != nil {
		return Config{}, err
	}
	if cfg.SilenceHold, err = durationFromEnv("TURN_SILENCE_HOLD", cfg.SilenceHold); err != nil {
		return Config{}, err
	}
	if cfg.STTFinalWait, err = durationFromEnv("TURN_STT_FINAL_WAIT", cfg.STTFinalWait); err != nil {
		return Config{}, err
	}
	if cfg.CancelWait, err = durationFromEnv("TURN_CANCEL_WAIT", cfg.CancelWait); err != nil {
		return Config{}, err
	}
	if cfg.DrainTimeout, err = durationFromEnv("TRANSCRIPT_DRAIN_TIMEOUT", cfg.DrainTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TranscriptQueueSize, err = intFromEnv("TRANSCRIPT_QUEUE_SIZE", cfg.TranscriptQueueSize); err != nil {
		return Config{}, err
	}

	switch cfg.SpeechProvider {
	case "mock", "elevenlabs":
	default:
		return Config{}, fmt.Errorf("SPEECH_PROVIDER must be mock or elevenlabs, got %q", cfg.SpeechProvider)
	}
	if cfg.SpeechProvider == "elevenlabs" && cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_API_KEY is required when SPEECH_PROVIDER=elevenlabs")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRateWeb <= 0 || cfg.SampleRatePhone <= 0 {
		return Config{}, fmt.Errorf("audio sample rates must be positive")
	}
	if cfg.FrameDuration < 5*time.Millisecond || cfg.FrameDuration > 100*time.Millisecond {
		return Config{}, fmt.Errorf("AUDIO_FRAME_DURATION must be between 5ms and 100ms")
	}
	if cfg.SilenceHold <= 0 {
		return Config{}, fmt.Errorf("TURN_SILENCE_HOLD must be positive")
	}
	if cfg.STTFinalWait <= 0 {
		return Config{}, fmt.Errorf("TURN_STT_FINAL_WAIT must be positive")
	}
	if cfg.CancelWait <= 0 {
		return Config{}, fmt.Errorf("TURN_CANCEL_WAIT must be positive")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIPT_DRAIN_TIMEOUT must be positive")
	}
	if cfg.TranscriptQueueSize <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

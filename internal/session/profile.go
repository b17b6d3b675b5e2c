package session

import (
	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/pipeline"
)

// Profile bundles the provider settings resolved for one participant.
type Profile struct {
	STT        pipeline.STTProfile
	TTS        pipeline.TTSProfile
	SampleRate int
}

// ResolveProfile picks model variants and sample rates from the participant
// kind. SIP callers get narrowband audio and the phone-tuned STT model; the
// synthesis voice is shared.
func ResolveProfile(cfg config.Config, meta Metadata) Profile {
	meta = meta.normalized()
	p := Profile{
		STT: pipeline.STTProfile{
			Model:      cfg.STTModelWeb,
			Language:   "en",
			SampleRate: cfg.SampleRateWeb,
		},
		TTS: pipeline.TTSProfile{
			VoiceID:      cfg.TTSVoiceID,
			ModelID:      cfg.TTSModelID,
			OutputFormat: cfg.TTSOutputFormat,
			SampleRate:   cfg.SampleRateWeb,
		},
		SampleRate: cfg.SampleRateWeb,
	}
	if meta.Kind == ParticipantSIP {
		p.STT.Model = cfg.STTModelPhone
		p.STT.SampleRate = cfg.SampleRatePhone
		p.SampleRate = cfg.SampleRatePhone
	}
	return p
}

package pipeline

import "github.com/antoniostano/voxline/internal/audio"

// RMSVAD is an energy detector with hysteresis: a few consecutive loud
// frames to enter speech, a few quiet ones to leave. The thresholds are
// asymmetric so speech tails are not clipped. Utterance-level silence
// timing is the endpointer's job, so the exit hysteresis stays short.
type RMSVAD struct {
	speechThreshold  float64
	silenceThreshold float64
	enterFrames      int
	exitFrames       int

	inSpeech     bool
	speechCount  int
	silenceCount int
}

func NewRMSVAD() *RMSVAD {
	return &RMSVAD{
		speechThreshold:  0.015,
		silenceThreshold: 0.008,
		enterFrames:      3,
		exitFrames:       3,
	}
}

func (v *RMSVAD) Classify(frame audio.Frame) bool {
	level := audio.RMS(frame.PCM)

	if v.inSpeech {
		if level < v.silenceThreshold {
			v.silenceCount++
			if v.silenceCount >= v.exitFrames {
				v.inSpeech = false
				v.speechCount = 0
				v.silenceCount = 0
			}
		} else {
			v.silenceCount = 0
		}
		return v.inSpeech
	}

	if level > v.speechThreshold {
		v.speechCount++
		if v.speechCount >= v.enterFrames {
			v.inSpeech = true
			v.speechCount = 0
			v.silenceCount = 0
		}
	} else {
		v.speechCount = 0
	}
	return v.inSpeech
}

func (v *RMSVAD) Reset() {
	v.inSpeech = false
	v.speechCount = 0
	v.silenceCount = 0
}

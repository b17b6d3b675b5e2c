package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one fixed-duration chunk of mono PCM16 audio flowing through the
// pipeline. Frames are immutable once produced; each processing stage reads
// the buffer and moves on, nothing retains frames past its own lifetime.
type Frame struct {
	PCM        []int16
	SampleRate int
	Seq        uint64
	Timestamp  time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.PCM) == 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the normalized root-mean-square energy of the samples in [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// DecodePCM16LE converts little-endian PCM16 bytes into samples.
// A trailing odd byte is dropped.
func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// EncodePCM16LE converts samples into little-endian PCM16 bytes.
func EncodePCM16LE(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

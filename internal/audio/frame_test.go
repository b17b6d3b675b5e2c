package audio

import (
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	f := Frame{PCM: make([]int16, 320), SampleRate: 16000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("Duration() = %s, want %s", got, 20*time.Millisecond)
	}
	if got := (Frame{}).Duration(); got != 0 {
		t.Fatalf("empty frame Duration() = %s, want 0", got)
	}
}

func TestPCM16LERoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	out := DecodePCM16LE(EncodePCM16LE(in))
	if len(out) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestDecodePCM16LEDropsOddByte(t *testing.T) {
	got := DecodePCM16LE([]byte{0x01, 0x00, 0xff})
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("DecodePCM16LE odd input = %v, want [1]", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %f, want 0", got)
	}
	quiet := RMS(make([]int16, 160))
	loud := RMS([]int16{16000, -16000, 16000, -16000})
	if quiet != 0 {
		t.Fatalf("RMS(silence) = %f, want 0", quiet)
	}
	if loud < 0.4 || loud > 0.6 {
		t.Fatalf("RMS(loud) = %f, want about 0.49", loud)
	}
}

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := EncodePCM16LE(make([]int16, 160))
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE: %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav size = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad wav magic: %q %q", wav[:4], wav[8:12])
	}
}

func TestEncodeWAVFrames(t *testing.T) {
	frames := []Frame{
		{PCM: make([]int16, 160), SampleRate: 16000},
		{PCM: make([]int16, 160), SampleRate: 16000},
	}
	wav, err := EncodeWAVFrames(frames)
	if err != nil {
		t.Fatalf("EncodeWAVFrames: %v", err)
	}
	if len(wav) != 44+640 {
		t.Fatalf("wav size = %d, want %d", len(wav), 44+640)
	}
}

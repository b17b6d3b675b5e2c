package audio

import (
	"testing"
	"time"
)

func TestFramerReslicesChunks(t *testing.T) {
	fr := NewFramer(16000, 20*time.Millisecond, time.Second)

	// 30ms of audio is not yet two full frames.
	fr.Write(make([]byte, 960))
	frame, ok := fr.Next()
	if !ok {
		t.Fatal("expected a frame after 30ms of audio")
	}
	if len(frame.PCM) != 320 {
		t.Fatalf("frame samples = %d, want 320", len(frame.PCM))
	}
	if frame.Seq != 1 {
		t.Fatalf("frame seq = %d, want 1", frame.Seq)
	}
	if _, ok := fr.Next(); ok {
		t.Fatal("got a second frame from 30ms of audio")
	}

	// The remaining 10ms plus another 10ms completes the second frame.
	fr.Write(make([]byte, 320))
	frame, ok = fr.Next()
	if !ok {
		t.Fatal("expected second frame after topping up")
	}
	if frame.Seq != 2 {
		t.Fatalf("frame seq = %d, want 2", frame.Seq)
	}
}

func TestFramerEvictsOldestOnOverflow(t *testing.T) {
	fr := NewFramer(16000, 20*time.Millisecond, 200*time.Millisecond)

	old := make([]byte, 640)
	for i := range old {
		old[i] = 0x7f
	}
	fr.Write(old)
	// One full second into a 200ms buffer pushes the marked audio out.
	fr.Write(make([]byte, 32000))

	if fr.DroppedBytes() == 0 {
		t.Fatal("expected dropped bytes after overflow")
	}
	frame, ok := fr.Next()
	if !ok {
		t.Fatal("expected a frame after overflow")
	}
	for _, s := range frame.PCM {
		if s != 0 {
			t.Fatalf("oldest audio survived eviction: sample %d", s)
		}
	}
}

func TestFramerReset(t *testing.T) {
	fr := NewFramer(16000, 20*time.Millisecond, time.Second)
	fr.Write(make([]byte, 640))
	if _, ok := fr.Next(); !ok {
		t.Fatal("expected a frame before reset")
	}
	fr.Write(make([]byte, 320))
	fr.Reset()
	if _, ok := fr.Next(); ok {
		t.Fatal("got a frame after reset")
	}
	fr.Write(make([]byte, 640))
	frame, ok := fr.Next()
	if !ok {
		t.Fatal("expected a frame after refill")
	}
	if frame.Seq != 2 {
		t.Fatalf("seq after reset = %d, want 2", frame.Seq)
	}
}

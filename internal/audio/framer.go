package audio

import (
	"time"

	"github.com/smallnest/ringbuffer"
)

// Framer reslices arbitrarily sized PCM16LE chunks into fixed-duration frames.
// Client transports deliver audio in whatever chunk size suits them; every
// stage downstream wants a steady cadence. Backed by a non-blocking ring
// buffer sized in playback time: when the producer outruns the consumer the
// oldest audio is discarded so the transport never stalls.
type Framer struct {
	rb         *ringbuffer.RingBuffer
	sampleRate int
	frameBytes int
	seq        uint64
	dropped    uint64
}

func NewFramer(sampleRate int, frameDuration, capacity time.Duration) *Framer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	if capacity < 10*frameDuration {
		capacity = 10 * frameDuration
	}
	samplesPerFrame := int(time.Duration(sampleRate) * frameDuration / time.Second)
	capBytes := int(time.Duration(sampleRate)*capacity/time.Second) * 2
	return &Framer{
		rb:         ringbuffer.New(capBytes).SetBlocking(false),
		sampleRate: sampleRate,
		frameBytes: samplesPerFrame * 2,
	}
}

// Write buffers a raw PCM16LE chunk, evicting the oldest audio when full.
func (f *Framer) Write(pcm16le []byte) {
	if len(pcm16le) == 0 {
		return
	}
	if len(pcm16le) > f.rb.Capacity() {
		pcm16le = pcm16le[len(pcm16le)-f.rb.Capacity():]
	}
	if free := f.rb.Free(); free < len(pcm16le) {
		evict := make([]byte, len(pcm16le)-free)
		n, _ := f.rb.Read(evict)
		f.dropped += uint64(n)
	}
	_, _ = f.rb.Write(pcm16le)
}

// Next pops one fixed-duration frame, or reports false when not enough
// audio has been buffered yet.
func (f *Framer) Next() (Frame, bool) {
	if f.rb.Length() < f.frameBytes {
		return Frame{}, false
	}
	buf := make([]byte, f.frameBytes)
	if _, err := f.rb.Read(buf); err != nil {
		return Frame{}, false
	}
	f.seq++
	return Frame{
		PCM:        DecodePCM16LE(buf),
		SampleRate: f.sampleRate,
		Seq:        f.seq,
		Timestamp:  time.Now().UTC(),
	}, true
}

// DroppedBytes reports how much audio has been evicted on overflow.
func (f *Framer) DroppedBytes() uint64 { return f.dropped }

// Reset discards buffered audio without resetting the frame sequence.
func (f *Framer) Reset() { f.rb.Reset() }

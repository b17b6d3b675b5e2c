package transcript

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/reliability"
)

// Sink decouples the turn loop from transcript persistence. Enqueue never
// blocks and never fails from the caller's view; a single background writer
// drains the bounded queue in strict enqueue order. Store failures are
// counted and swallowed.
type Sink struct {
	entries chan LogEntry
	store   Store
	metrics *observability.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewSink(store Store, queueSize int, metrics *observability.Metrics, log *zap.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sink{
		entries: make(chan LogEntry, queueSize),
		store:   store,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Enqueue hands an entry to the writer. When the queue is full a non-critical
// entry is dropped on the floor; a critical entry evicts the oldest queued
// entry instead, keeping the relative order of everything retained. Every
// drop is counted.
func (s *Sink) Enqueue(e LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.countDrop("closed", e)
		return
	}

	select {
	case s.entries <- e:
		return
	default:
	}

	if !e.Critical {
		s.countDrop("overflow", e)
		return
	}

	// Make room for the critical entry. Evicting a critical entry is still a
	// recorded drop, never a silent one.
	select {
	case old := <-s.entries:
		if old.Critical {
			s.countDrop("overflow_critical", old)
		} else {
			s.countDrop("overflow", old)
		}
	default:
	}
	select {
	case s.entries <- e:
	default:
		s.countDrop("overflow_critical", e)
	}
}

// DrainAndClose stops intake, waits for the writer to flush every queued
// entry, and releases the store. Safe to call more than once; later calls
// wait on the same drain.
func (s *Sink) DrainAndClose(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.entries)
		s.mu.Unlock()
	})

	start := time.Now()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return &reliability.TimeoutError{Stage: "transcript_drain", Wait: time.Since(start)}
	}
}

func (s *Sink) writeLoop() {
	defer close(s.done)
	for e := range s.entries {
		if err := s.store.Append(e); err != nil {
			perr := &reliability.PersistenceError{Op: "append", Err: err}
			s.log.Warn("transcript append failed", zap.Error(perr))
			if s.metrics != nil {
				s.metrics.PersistenceErrors.Inc()
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.TranscriptWrites.Inc()
		}
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("transcript store close failed", zap.Error(err))
		if s.metrics != nil {
			s.metrics.PersistenceErrors.Inc()
		}
	}
}

func (s *Sink) countDrop(reason string, e LogEntry) {
	s.log.Warn("transcript entry dropped",
		zap.String("reason", reason),
		zap.String("speaker", string(e.Speaker)),
		zap.String("utterance_id", e.UtteranceID))
	if s.metrics != nil {
		s.metrics.TranscriptDrops.WithLabelValues(reason).Inc()
	}
}

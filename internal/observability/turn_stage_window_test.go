package observability

import (
	"testing"
	"time"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("commit_to_first_audio", 500)
	w.Observe("commit_to_first_audio", 700)
	w.Observe("commit_to_first_audio", 900)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "commit_to_first_audio" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "commit_to_first_audio")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "barge_in" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "barge_in")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnStageWindowWrapsAndResets(t *testing.T) {
	w := newTurnStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("turn_total", float64(100*i))
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("Samples after wrap = %d, want 4", snap.Stages[0].Samples)
	}
	if snap.Stages[0].LastMS != 900 {
		t.Fatalf("LastMS after wrap = %.2f, want 900", snap.Stages[0].LastMS)
	}

	w.Reset()
	if snap := w.Snapshot(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset not empty: %+v", snap)
	}
}

func TestMetricsIndependentInstances(t *testing.T) {
	a := NewMetrics("voxline")
	b := NewMetrics("voxline")
	a.ActiveSessions.Inc()
	b.ObserveTurnStage("turn_total", 250*time.Millisecond)
	b.ObserveFirstAudioLatency(300 * time.Millisecond)

	snapA := a.StageSnapshot()
	snapB := b.StageSnapshot()
	if len(snapA.Stages) != 0 {
		t.Fatalf("instance A picked up instance B's samples: %+v", snapA.Stages)
	}
	if len(snapB.Stages) != 2 {
		t.Fatalf("len(B stages) = %d, want 2", len(snapB.Stages))
	}
}

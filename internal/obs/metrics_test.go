package obs

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	m.ObserveEvaluation(2 * time.Millisecond)
	m.ObserveEvaluation(4 * time.Millisecond)
	m.IncSignal()
	m.IncCapacityRejection()
	m.IncPositionOpened()
	m.IncPositionClosed()
	m.IncDegradedSymbol()
	m.IncQueueDrop()
	m.IncPanicRecovered()

	snap := m.Snapshot()
	if snap.Evaluations != 2 {
		t.Fatalf("evaluations = %d, want 2", snap.Evaluations)
	}
	if snap.Signals != 1 || snap.CapacityRejections != 1 {
		t.Fatalf("unexpected signal counters: %+v", snap)
	}
	if snap.EvalLatency.Min != 2*time.Millisecond || snap.EvalLatency.Max != 4*time.Millisecond {
		t.Fatalf("unexpected latency bounds: %+v", snap.EvalLatency)
	}
	if snap.EvalLatency.Avg != 3*time.Millisecond {
		t.Fatalf("avg = %v, want 3ms", snap.EvalLatency.Avg)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncSignal()
	m.ObserveEvaluation(time.Millisecond)
	if snap := m.Snapshot(); snap.Signals != 0 {
		t.Fatalf("nil metrics should be empty, got %+v", snap)
	}
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.ObserveEvaluation(time.Microsecond)
				m.IncSignal()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Evaluations != 8000 || snap.Signals != 8000 {
		t.Fatalf("lost updates: %+v", snap)
	}
}

func TestTraceGenerator(t *testing.T) {
	g := NewTraceGenerator(10)
	if got := g.Next(); got != 11 {
		t.Fatalf("Next() = %d, want 11", got)
	}
	if got := g.Next(); got != 12 {
		t.Fatalf("Next() = %d, want 12", got)
	}

	var nilGen *TraceGenerator
	if got := nilGen.Next(); got != 0 {
		t.Fatalf("nil Next() = %d, want 0", got)
	}
}

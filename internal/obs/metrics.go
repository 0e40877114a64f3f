package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the engine.
type Metrics struct {
	evaluations        uint64
	signals            uint64
	capacityRejections uint64
	positionsOpened    uint64
	positionsClosed    uint64
	degradedSymbols    uint64
	queueDrops         uint64
	queueClosed        uint64
	panicsRecovered    uint64

	evalLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Evaluations        uint64
	Signals            uint64
	CapacityRejections uint64
	PositionsOpened    uint64
	PositionsClosed    uint64
	DegradedSymbols    uint64
	QueueDrops         uint64
	QueueClosed        uint64
	PanicsRecovered    uint64
	EvalLatency        LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvaluation counts one strategy evaluation and its latency.
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.evaluations, 1)
	m.evalLatency.Observe(d)
}

// IncSignal counts an emitted entry signal.
func (m *Metrics) IncSignal() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.signals, 1)
}

// IncCapacityRejection counts a signal rejected by admission control.
func (m *Metrics) IncCapacityRejection() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.capacityRejections, 1)
}

// IncPositionOpened counts a confirmed entry.
func (m *Metrics) IncPositionOpened() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.positionsOpened, 1)
}

// IncPositionClosed counts a terminal position.
func (m *Metrics) IncPositionClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.positionsClosed, 1)
}

// IncDegradedSymbol counts a synchronizer entering degraded mode.
func (m *Metrics) IncDegradedSymbol() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.degradedSymbols, 1)
}

// IncQueueDrop records a dropped tick event.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a publish attempt on a closed queue.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncPanicRecovered records a recovered evaluation panic.
func (m *Metrics) IncPanicRecovered() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.panicsRecovered, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Evaluations:        atomic.LoadUint64(&m.evaluations),
		Signals:            atomic.LoadUint64(&m.signals),
		CapacityRejections: atomic.LoadUint64(&m.capacityRejections),
		PositionsOpened:    atomic.LoadUint64(&m.positionsOpened),
		PositionsClosed:    atomic.LoadUint64(&m.positionsClosed),
		DegradedSymbols:    atomic.LoadUint64(&m.degradedSymbols),
		QueueDrops:         atomic.LoadUint64(&m.queueDrops),
		QueueClosed:        atomic.LoadUint64(&m.queueClosed),
		PanicsRecovered:    atomic.LoadUint64(&m.panicsRecovered),
		EvalLatency:        m.evalLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}

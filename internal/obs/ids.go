package obs

import (
	"sync/atomic"
	"time"
)

// TraceGenerator hands out monotonically increasing ids used to
// correlate requests with their responses, e.g. websocket subscribe
// acks and journal rows.
type TraceGenerator struct {
	next atomic.Uint64
}

// NewTraceGenerator seeds the generator. A zero seed starts from the
// current unix nanosecond so ids stay unique across restarts.
func NewTraceGenerator(seed uint64) *TraceGenerator {
	g := &TraceGenerator{}
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	g.next.Store(seed)
	return g
}

// Next returns the next id. Safe for concurrent use; a nil generator
// always returns zero.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}

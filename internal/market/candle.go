package market

import (
	"time"

	"github.com/yanun0323/errors"
)

var (
	ErrGap          = errors.New("candle gap detected")
	ErrNotClosed    = errors.New("candle is not closed")
	ErrBadInterval  = errors.New("candle interval mismatch")
	ErrEmptyWindow  = errors.New("window is empty")
	ErrShortHistory = errors.New("window has fewer candles than requested")
)

// Candle is a closed OHLCV bar. Immutable once appended to a window.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close >= c.Open }

// Window is a fixed-capacity ordered sequence of closed candles with a
// fixed interval. A gap between consecutive open times invalidates the
// window; callers must Reset and backfill.
type Window struct {
	interval time.Duration
	capacity int
	candles  []Candle
}

// NewWindow allocates an empty window.
func NewWindow(interval time.Duration, capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		interval: interval,
		capacity: capacity,
		candles:  make([]Candle, 0, capacity),
	}
}

// Interval returns the fixed candle interval.
func (w *Window) Interval() time.Duration { return w.interval }

// Len returns the number of closed candles held.
func (w *Window) Len() int { return len(w.candles) }

// Append adds a closed candle. Candles at or before the last open time are
// ignored so that re-backfilling a covered range is idempotent. A candle
// that is not exactly one interval after the last returns ErrGap.
func (w *Window) Append(c Candle) error {
	if len(w.candles) > 0 {
		last := w.candles[len(w.candles)-1].OpenTime
		if !c.OpenTime.After(last) {
			return nil
		}
		if !c.OpenTime.Equal(last.Add(w.interval)) {
			return ErrGap
		}
	}
	w.candles = append(w.candles, c)
	if len(w.candles) > w.capacity {
		w.candles = w.candles[1:]
	}
	return nil
}

// Last returns the most recent closed candle.
func (w *Window) Last() (Candle, bool) {
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// At returns the candle n positions back from the last (0 = last).
func (w *Window) At(n int) (Candle, bool) {
	idx := len(w.candles) - 1 - n
	if idx < 0 {
		return Candle{}, false
	}
	return w.candles[idx], true
}

// Candles returns the held candles oldest-first. The returned slice is a
// copy and safe to retain.
func (w *Window) Candles() []Candle {
	out := make([]Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

// Closes returns the close series oldest-first.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Close
	}
	return out
}

// Reset discards all candles, e.g. after a detected gap.
func (w *Window) Reset() {
	w.candles = w.candles[:0]
}

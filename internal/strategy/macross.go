package strategy

import (
	"fmt"

	"trader/internal/book"
	"trader/internal/indicator"
	"trader/internal/market"
)

// MACross is the plain moving-average crossover: fast SMA crossing the
// slow SMA, with percentage-based protective levels.
type MACross struct {
	fastMA int
	slowMA int
	slPct  float64
	tpPct  float64

	trail Trailing
}

// NewMACross builds the strategy from config parameters.
func NewMACross(p Params) (Strategy, error) {
	s := &MACross{
		fastMA: p.Int("fast_ma", 10),
		slowMA: p.Int("slow_ma", 30),
		slPct:  p.Float("stop_loss_pct", 0.02),
		tpPct:  p.Float("take_profit_pct", 0.05),
	}
	if s.fastMA >= s.slowMA {
		return nil, fmt.Errorf("fast_ma %d must be below slow_ma %d", s.fastMA, s.slowMA)
	}
	s.trail = NewTrailing(TrailingConfig{})
	return s, nil
}

func (s *MACross) Name() string { return "ma_cross" }

func (s *MACross) Lookback() int {
	n := s.slowMA + 1
	if lb := s.trail.Lookback(); lb > n {
		n = lb
	}
	return n
}

func (s *MACross) EvaluateEntry(symbol string, w *market.Window, _ *book.Book, _ *State) (Signal, bool) {
	if w.Len() < s.Lookback() {
		return Signal{}, false
	}
	closes := w.Closes()
	fast := indicator.SMA(closes, s.fastMA)
	slow := indicator.SMA(closes, s.slowMA)
	n := len(closes)
	if !indicator.Ready(fast[n-2]) || !indicator.Ready(slow[n-2]) {
		return Signal{}, false
	}

	long := fast[n-2] < slow[n-2] && fast[n-1] > slow[n-1]
	short := fast[n-2] > slow[n-2] && fast[n-1] < slow[n-1]
	if long == short {
		return Signal{}, false
	}

	last, _ := w.Last()
	dir := DirectionLong
	if short {
		dir = DirectionShort
	}
	return Signal{
		Symbol:    symbol,
		Strategy:  s.Name(),
		Direction: dir,
		Price:     last.Close,
		Time:      last.OpenTime,
		Reason:    fmt.Sprintf("ma cross %s: fast=%.5f slow=%.5f", dir, fast[n-1], slow[n-1]),
	}, true
}

func (s *MACross) ComputeInitialStops(entry float64, dir Direction, _ *market.Window) Stops {
	switch dir {
	case DirectionLong:
		return Stops{
			StopLoss:   entry * (1 - s.slPct),
			TakeProfit: entry * (1 + s.tpPct),
		}
	case DirectionShort:
		return Stops{
			StopLoss:   entry * (1 + s.slPct),
			TakeProfit: entry * (1 - s.tpPct),
		}
	default:
		return Stops{}
	}
}

// AdjustOpenPosition trails the stop; the fixed take profit never moves.
func (s *MACross) AdjustOpenPosition(pos PositionView, w *market.Window, _ *book.Book) Adjustment {
	return s.trail.Adjust(pos, w)
}

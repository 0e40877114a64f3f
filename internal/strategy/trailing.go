package strategy

import (
	"math"

	"trader/internal/indicator"
	"trader/internal/market"
)

// TrailLine selects the reference a trailing stop follows.
type TrailLine uint8

const (
	TrailATR TrailLine = iota
	TrailEMA
)

// TrailingConfig controls the shared trailing-stop / breakeven behavior.
type TrailingConfig struct {
	Line          TrailLine
	ATRPeriod     int
	ATRMultiplier float64
	EMAPeriod     int

	// BreakevenMultiple arms the breakeven stop once unrealized profit
	// reaches this multiple of the initial risk. Zero disables it.
	BreakevenMultiple float64
	// FeeBufferPct pads the breakeven stop past the entry so the exit
	// still covers fees, e.g. 0.001 for 0.1%.
	FeeBufferPct float64
}

func (c TrailingConfig) withDefaults() TrailingConfig {
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.ATRMultiplier <= 0 {
		c.ATRMultiplier = 1.5
	}
	if c.Line == TrailEMA && c.EMAPeriod <= 0 {
		c.EMAPeriod = 20
	}
	return c
}

// Trailing is the position-management mixin shared across strategies. It
// only ever proposes stops that are strictly more favorable than the
// current one; arming breakeven happens at most once per position.
type Trailing struct {
	cfg TrailingConfig
}

// NewTrailing creates the mixin with defaults applied.
func NewTrailing(cfg TrailingConfig) Trailing {
	return Trailing{cfg: cfg.withDefaults()}
}

// Lookback is the candle history the mixin needs.
func (t Trailing) Lookback() int {
	n := t.cfg.ATRPeriod + 1
	if t.cfg.Line == TrailEMA && t.cfg.EMAPeriod+1 > n {
		n = t.cfg.EMAPeriod + 1
	}
	return n
}

// Adjust evaluates breakeven arming first, then the trailing stop, and
// returns at most one command.
func (t Trailing) Adjust(pos PositionView, w *market.Window) Adjustment {
	last, ok := w.Last()
	if !ok {
		return Adjustment{}
	}

	if adj, ok := t.breakeven(pos, last.Close); ok {
		return adj
	}

	candidate, ok := t.candidate(pos, w, last)
	if !ok {
		return Adjustment{}
	}
	if !favorable(pos, candidate) {
		return Adjustment{}
	}
	return Adjustment{Command: CommandMoveStop, StopPrice: candidate, Reason: "trailing"}
}

func (t Trailing) breakeven(pos PositionView, price float64) (Adjustment, bool) {
	if t.cfg.BreakevenMultiple <= 0 || pos.BreakevenArmed || pos.InitialStop <= 0 {
		return Adjustment{}, false
	}
	risk := math.Abs(pos.EntryPrice - pos.InitialStop)
	if risk <= 0 {
		return Adjustment{}, false
	}
	target := pos.EntryPrice + t.cfg.BreakevenMultiple*risk
	stop := pos.EntryPrice * (1 + t.cfg.FeeBufferPct)
	if pos.Direction == DirectionShort {
		target = pos.EntryPrice - t.cfg.BreakevenMultiple*risk
		stop = pos.EntryPrice * (1 - t.cfg.FeeBufferPct)
	}
	reached := price >= target
	if pos.Direction == DirectionShort {
		reached = price <= target
	}
	if !reached {
		return Adjustment{}, false
	}
	if !favorable(pos, stop) {
		// The trailing stop already passed the entry; nothing to arm.
		return Adjustment{}, false
	}
	return Adjustment{Command: CommandArmBreakeven, StopPrice: stop, Reason: "breakeven"}, true
}

func (t Trailing) candidate(pos PositionView, w *market.Window, last market.Candle) (float64, bool) {
	switch t.cfg.Line {
	case TrailEMA:
		ema := indicator.EMA(w.Closes(), t.cfg.EMAPeriod)
		v := ema[len(ema)-1]
		if !indicator.Ready(v) {
			return 0, false
		}
		return v, true
	default:
		atr := indicator.ATR(w.Candles(), t.cfg.ATRPeriod)
		v := atr[len(atr)-1]
		if !indicator.Ready(v) {
			return 0, false
		}
		if pos.Direction == DirectionShort {
			return last.Close + t.cfg.ATRMultiplier*v, true
		}
		return last.Close - t.cfg.ATRMultiplier*v, true
	}
}

// favorable reports whether candidate tightens the stop: higher for Long,
// lower for Short. An unset stop accepts any candidate.
func favorable(pos PositionView, candidate float64) bool {
	if pos.StopLoss <= 0 {
		return true
	}
	if pos.Direction == DirectionShort {
		return candidate < pos.StopLoss
	}
	return candidate > pos.StopLoss
}

package strategy

import (
	"fmt"

	"trader/internal/book"
	"trader/internal/indicator"
	"trader/internal/market"
)

// MACDFilter trades MACD/signal-line crosses but only in the direction of
// the long-term trend defined by a slow EMA. There is no take profit: the
// position is managed by the ATR trailing stop, optionally with breakeven
// arming.
type MACDFilter struct {
	macdFast     int
	macdSlow     int
	macdSignal   int
	emaTrend     int
	atrPeriod    int
	slATRMult    float64
	maxSLPct     float64 // 0 disables the clamp
	useBreakeven bool

	trail Trailing
}

// NewMACDFilter builds the strategy from config parameters.
func NewMACDFilter(p Params) (Strategy, error) {
	s := &MACDFilter{
		macdFast:     p.Int("macd_fast", 12),
		macdSlow:     p.Int("macd_slow", 26),
		macdSignal:   p.Int("macd_signal", 9),
		emaTrend:     p.Int("ema_trend_period", 200),
		atrPeriod:    p.Int("atr_period", 14),
		slATRMult:    p.Float("sl_atr_multiplier", 1.5),
		maxSLPct:     p.Float("max_sl_percentage", 0),
		useBreakeven: p.Bool("use_breakeven_sl", false),
	}
	if s.macdFast >= s.macdSlow {
		return nil, fmt.Errorf("macd_fast %d must be below macd_slow %d", s.macdFast, s.macdSlow)
	}
	cfg := TrailingConfig{
		ATRPeriod:     s.atrPeriod,
		ATRMultiplier: s.slATRMult,
	}
	if s.useBreakeven {
		cfg.BreakevenMultiple = p.Float("breakeven_multiple", 1.0)
		cfg.FeeBufferPct = p.Float("fee_buffer_pct", 0)
	}
	s.trail = NewTrailing(cfg)
	return s, nil
}

func (s *MACDFilter) Name() string { return "macd_filter" }

func (s *MACDFilter) Lookback() int {
	n := s.macdSlow + s.macdSignal
	if s.emaTrend > n {
		n = s.emaTrend
	}
	if s.atrPeriod > n {
		n = s.atrPeriod
	}
	return n + 5
}

func (s *MACDFilter) EvaluateEntry(symbol string, w *market.Window, _ *book.Book, _ *State) (Signal, bool) {
	if w.Len() < s.Lookback() {
		return Signal{}, false
	}
	candles := w.Candles()
	series := indicator.Compute(candles, indicator.Spec{
		EMA:  []int{s.emaTrend},
		MACD: &indicator.MACDSpec{Fast: s.macdFast, Slow: s.macdSlow, Signal: s.macdSignal},
	})

	macdCur, ok1 := series.Last("macd")
	macdPrev, ok2 := series.Prev("macd", 1)
	sigCur, ok3 := series.Last("macd_signal")
	sigPrev, ok4 := series.Prev("macd_signal", 1)
	trend, ok5 := series.Last(indicator.Col("ema", s.emaTrend))
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return Signal{}, false
	}

	last := candles[len(candles)-1]
	crossUp := macdPrev < sigPrev && macdCur > sigCur
	crossDown := macdPrev > sigPrev && macdCur < sigCur
	long := last.Close > trend && crossUp
	short := last.Close < trend && crossDown
	if long == short {
		return Signal{}, false
	}

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
		Reason:    fmt.Sprintf("macd cross %s: macd=%.5f signal=%.5f trend_ema=%.5f", dir, macdCur, sigCur, trend),
	}, true
}

// ComputeInitialStops sets an ATR stop, clamped to a maximum distance from
// entry when configured. Take profit stays unset; the trailing stop is the
// exit.
func (s *MACDFilter) ComputeInitialStops(entry float64, dir Direction, w *market.Window) Stops {
	atr := lastATR(w, s.atrPeriod)
	if atr <= 0 {
		return Stops{}
	}
	var stop float64
	switch dir {
	case DirectionLong:
		stop = entry - s.slATRMult*atr
		if s.maxSLPct > 0 {
			if floor := entry * (1 - s.maxSLPct); stop < floor {
				stop = floor
			}
		}
	case DirectionShort:
		stop = entry + s.slATRMult*atr
		if s.maxSLPct > 0 {
			if ceil := entry * (1 + s.maxSLPct); stop > ceil {
				stop = ceil
			}
		}
	default:
		return Stops{}
	}
	return Stops{StopLoss: stop}
}

func (s *MACDFilter) AdjustOpenPosition(pos PositionView, w *market.Window, _ *book.Book) Adjustment {
	return s.trail.Adjust(pos, w)
}

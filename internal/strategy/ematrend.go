package strategy

import (
	"fmt"
	"math"

	"trader/internal/book"
	"trader/internal/indicator"
	"trader/internal/market"
)

// EMATrend identifies a trend via a fast/slow EMA cross and filters the
// signal by EMA slope, RSI momentum, and volume confirmation. The stop is
// ATR-based; take profit is either a risk-reward multiple or the nearest
// local extremum.
type EMATrend struct {
	fastEMA     int
	slowEMA     int
	rsiPeriod   int
	volumeMA    int
	atrPeriod   int
	slATRMult   float64
	rrRatio     float64
	tpMethod    string // "rr_ratio" or "local_extremum"
	useRSI      bool
	useVolume   bool
	maxSpreadBp float64 // 0 disables the spread gate

	trail Trailing
}

// NewEMATrend builds the strategy from config parameters.
func NewEMATrend(p Params) (Strategy, error) {
	s := &EMATrend{
		fastEMA:     p.Int("fast_ema_period", 20),
		slowEMA:     p.Int("slow_ema_period", 50),
		rsiPeriod:   p.Int("rsi_period", 14),
		volumeMA:    p.Int("volume_ma_period", 20),
		atrPeriod:   p.Int("atr_period", 14),
		slATRMult:   p.Float("sl_atr_multiplier", 1.5),
		rrRatio:     p.Float("rr_ratio", 2.0),
		tpMethod:    p.String("tp_method", "rr_ratio"),
		useRSI:      p.Bool("use_rsi_filter", true),
		useVolume:   p.Bool("use_volume_filter", true),
		maxSpreadBp: p.Float("max_spread_bps", 0),
	}
	if s.fastEMA >= s.slowEMA {
		return nil, fmt.Errorf("fast_ema_period %d must be below slow_ema_period %d", s.fastEMA, s.slowEMA)
	}
	s.trail = NewTrailing(TrailingConfig{
		ATRPeriod:     s.atrPeriod,
		ATRMultiplier: s.slATRMult,
	})
	return s, nil
}

func (s *EMATrend) Name() string { return "ema_trend" }

func (s *EMATrend) Lookback() int {
	n := s.slowEMA + 5
	if lb := s.trail.Lookback(); lb > n {
		n = lb
	}
	return n
}

func (s *EMATrend) spec() indicator.Spec {
	spec := indicator.Spec{
		EMA: []int{s.fastEMA, s.slowEMA},
		ATR: []int{s.atrPeriod},
	}
	if s.useRSI {
		spec.RSI = []int{s.rsiPeriod}
	}
	if s.useVolume {
		spec.VolumeSMA = []int{s.volumeMA}
	}
	return spec
}

func (s *EMATrend) EvaluateEntry(symbol string, w *market.Window, b *book.Book, _ *State) (Signal, bool) {
	if w.Len() < s.Lookback() {
		return Signal{}, false
	}
	if !s.spreadOK(b) {
		return Signal{}, false
	}

	candles := w.Candles()
	series := indicator.Compute(candles, s.spec())

	fastCur, ok1 := series.Last(indicator.Col("ema", s.fastEMA))
	fastPrev, ok2 := series.Prev(indicator.Col("ema", s.fastEMA), 1)
	slowCur, ok3 := series.Last(indicator.Col("ema", s.slowEMA))
	slowPrev, ok4 := series.Prev(indicator.Col("ema", s.slowEMA), 1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Signal{}, false
	}

	last := candles[len(candles)-1]

	goldenCross := fastPrev < slowPrev && fastCur > slowCur
	deathCross := fastPrev > slowPrev && fastCur < slowCur
	upSlope := fastCur > fastPrev && slowCur > slowPrev
	downSlope := fastCur < fastPrev && slowCur < slowPrev

	momentumUp, momentumDown := true, true
	if s.useRSI {
		rsi, ok := series.Last(indicator.Col("rsi", s.rsiPeriod))
		if !ok {
			return Signal{}, false
		}
		momentumUp = rsi > 50
		momentumDown = rsi < 50
	}
	volumeOK := true
	if s.useVolume {
		vma, ok := series.Last(indicator.Col("volume_sma", s.volumeMA))
		if !ok {
			return Signal{}, false
		}
		volumeOK = last.Volume >= vma
	}

	long := goldenCross && upSlope && momentumUp && volumeOK
	short := deathCross && downSlope && momentumDown && volumeOK
	if long == short {
		// Both or neither: ambiguity is no-signal, never an error.
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
		Reason:    fmt.Sprintf("ema cross %s: fast=%.5f slow=%.5f", dir, fastCur, slowCur),
	}, true
}

func (s *EMATrend) spreadOK(b *book.Book) bool {
	if s.maxSpreadBp <= 0 || b == nil {
		return true
	}
	bid, err := b.BestBid()
	if err != nil {
		// A missing or stale book only disables the gate; candle logic
		// still decides.
		return true
	}
	spread, err := b.Spread()
	if err != nil || bid.Price <= 0 {
		return true
	}
	return spread/bid.Price*10000 <= s.maxSpreadBp
}

func (s *EMATrend) ComputeInitialStops(entry float64, dir Direction, w *market.Window) Stops {
	atr := lastATR(w, s.atrPeriod)
	if atr <= 0 {
		return Stops{}
	}
	var stop float64
	switch dir {
	case DirectionLong:
		stop = entry - s.slATRMult*atr
	case DirectionShort:
		stop = entry + s.slATRMult*atr
	default:
		return Stops{}
	}
	return Stops{StopLoss: stop, TakeProfit: s.takeProfit(entry, stop, dir, w)}
}

func (s *EMATrend) takeProfit(entry, stop float64, dir Direction, w *market.Window) float64 {
	if s.tpMethod == "local_extremum" {
		const lookback = 50
		candles := w.Candles()
		// Exclude the signal candle itself.
		from := len(candles) - 1 - lookback
		if from < 0 {
			from = 0
		}
		recent := candles[from : len(candles)-1]
		if dir == DirectionLong {
			high := 0.0
			for _, c := range recent {
				high = math.Max(high, c.High)
			}
			if high > entry {
				return high
			}
		} else {
			low := math.Inf(1)
			for _, c := range recent {
				low = math.Min(low, c.Low)
			}
			if low < entry && !math.IsInf(low, 1) {
				return low
			}
		}
	}
	risk := math.Abs(entry - stop)
	if dir == DirectionShort {
		return entry - s.rrRatio*risk
	}
	return entry + s.rrRatio*risk
}

// AdjustOpenPosition trails the stop through the shared mixin; the fixed
// take profit is never moved.
func (s *EMATrend) AdjustOpenPosition(pos PositionView, w *market.Window, _ *book.Book) Adjustment {
	return s.trail.Adjust(pos, w)
}

func lastATR(w *market.Window, period int) float64 {
	series := indicator.ATR(w.Candles(), period)
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if !indicator.Ready(v) {
		return 0
	}
	return v
}

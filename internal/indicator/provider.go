package indicator

import (
	"fmt"

	"trader/internal/market"
)

// Series maps indicator column names to value sequences aligned with the
// input candles (oldest first).
type Series map[string][]float64

// Last returns the final value of a named column.
func (s Series) Last(name string) (float64, bool) {
	col, ok := s[name]
	if !ok || len(col) == 0 {
		return 0, false
	}
	v := col[len(col)-1]
	return v, Ready(v)
}

// Prev returns the value n positions before the last of a named column.
func (s Series) Prev(name string, n int) (float64, bool) {
	col, ok := s[name]
	if !ok || len(col) <= n {
		return 0, false
	}
	v := col[len(col)-1-n]
	return v, Ready(v)
}

// MACDSpec configures one MACD computation.
type MACDSpec struct {
	Fast   int
	Slow   int
	Signal int
}

// Spec names the indicator columns a strategy needs.
type Spec struct {
	EMA       []int
	SMA       []int
	RSI       []int
	ATR       []int
	VolumeSMA []int
	MACD      *MACDSpec
}

// Compute is a pure function of the candle window: identical input windows
// yield identical series.
func Compute(candles []market.Candle, spec Spec) Series {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	out := make(Series)
	for _, p := range spec.EMA {
		out[Col("ema", p)] = EMA(closes, p)
	}
	for _, p := range spec.SMA {
		out[Col("sma", p)] = SMA(closes, p)
	}
	for _, p := range spec.RSI {
		out[Col("rsi", p)] = RSI(closes, p)
	}
	for _, p := range spec.ATR {
		out[Col("atr", p)] = ATR(candles, p)
	}
	for _, p := range spec.VolumeSMA {
		out[Col("volume_sma", p)] = SMA(volumes, p)
	}
	if spec.MACD != nil {
		macd, signal := MACD(closes, spec.MACD.Fast, spec.MACD.Slow, spec.MACD.Signal)
		out["macd"] = macd
		out["macd_signal"] = signal
	}
	return out
}

// Col builds a column name like "ema_20".
func Col(kind string, period int) string {
	return fmt.Sprintf("%s_%d", kind, period)
}

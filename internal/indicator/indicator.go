package indicator

import (
	"math"

	"trader/internal/market"
)

// NaN marks positions where an indicator has not warmed up yet.
var NaN = math.NaN()

// Ready reports whether an indicator value is usable.
func Ready(v float64) bool { return !math.IsNaN(v) }

// SMA returns the simple moving average series, NaN until warmed up.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average series seeded with an SMA of
// the first period values, NaN until warmed up.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	alpha := 2.0 / (float64(period) + 1)
	prev := sum / float64(period)
	out[period-1] = prev
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// RSI returns the Wilder relative strength index series.
func RSI(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR returns the Wilder average true range series over candles.
func ATR(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}
	tr := make([]float64, len(candles))
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	var sum float64
	for i := 0; i <= period; i++ {
		sum += tr[i]
	}
	prev := sum / float64(period+1)
	out[period] = prev
	for i := period + 1; i < len(candles); i++ {
		prev = (prev*float64(period-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// MACD returns the MACD line and its signal line.
func MACD(values []float64, fast, slow, signal int) (macd, signalLine []float64) {
	macd = nanSeries(len(values))
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	for i := range values {
		if Ready(fastEMA[i]) && Ready(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}
	// Signal is an EMA over the warmed-up segment of the MACD line.
	signalLine = nanSeries(len(values))
	start := -1
	for i, v := range macd {
		if Ready(v) {
			start = i
			break
		}
	}
	if start < 0 || len(values)-start < signal {
		return macd, signalLine
	}
	seg := EMA(macd[start:], signal)
	copy(signalLine[start:], seg)
	return macd, signalLine
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = NaN
	}
	return out
}

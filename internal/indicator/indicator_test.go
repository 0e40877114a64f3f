package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/market"
)

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 3)

	assert.False(t, Ready(out[0]))
	assert.False(t, Ready(out[1]))
	assert.InDelta(t, 2, out[2], 1e-9)
	assert.InDelta(t, 3, out[3], 1e-9)
	assert.InDelta(t, 4, out[4], 1e-9)
}

func TestEMAWarmup(t *testing.T) {
	values := []float64{10, 10, 10, 10, 20}
	out := EMA(values, 3)

	assert.False(t, Ready(out[1]))
	assert.InDelta(t, 10, out[2], 1e-9)
	// alpha = 0.5 with period 3
	assert.InDelta(t, 10, out[3], 1e-9)
	assert.InDelta(t, 15, out[4], 1e-9)
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(i)
	}
	out := RSI(up, 14)
	assert.InDelta(t, 100, out[len(out)-1], 1e-9)

	down := make([]float64, 20)
	for i := range down {
		down[i] = float64(100 - i)
	}
	out = RSI(down, 14)
	assert.InDelta(t, 0, out[len(out)-1], 1e-9)
}

func TestATRFlatRange(t *testing.T) {
	candles := make([]market.Candle, 10)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     100, High: 101, Low: 99, Close: 100,
		}
	}

	out := ATR(candles, 3)
	assert.False(t, Ready(out[2]))
	// constant 2-point true range converges to 2
	assert.InDelta(t, 2, out[len(out)-1], 1e-9)
}

func TestComputeSeries(t *testing.T) {
	candles := make([]market.Candle, 40)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		p := 100 + float64(i)
		candles[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     p, High: p + 1, Low: p - 1, Close: p,
			Volume: 10,
		}
	}

	s := Compute(candles, Spec{
		EMA:  []int{5},
		SMA:  []int{5},
		MACD: &MACDSpec{Fast: 5, Slow: 10, Signal: 3},
	})

	last, ok := s.Last(Col("sma", 5))
	require.True(t, ok)
	assert.InDelta(t, 137, last, 1e-9)

	prev, ok := s.Prev(Col("sma", 5), 1)
	require.True(t, ok)
	assert.InDelta(t, 136, prev, 1e-9)

	_, ok = s.Last("macd")
	assert.True(t, ok)
	_, ok = s.Last(Col("ema", 50))
	assert.False(t, ok)
}

package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/market"
	"trader/internal/risk"
	"trader/internal/strategy"
)

func simCandles(n int, start time.Time) []market.Candle {
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := 100 + float64(i)
		out = append(out, market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price + 1,
			Low:      price - 1,
			Close:    price + 0.5,
			Volume:   10,
		})
	}
	return out
}

func TestSimMarketOrder(t *testing.T) {
	sim := NewSim(SimConfig{FeePct: 0.001, SlippagePct: 0.01})
	sim.MarkPrice("BTCUSDT", 100)

	fill, err := sim.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol:    "BTCUSDT",
		Direction: strategy.DirectionLong,
		Quantity:  2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 101.0, fill.Price, 1e-9)
	assert.InDelta(t, 101.0*2*0.001, fill.Fee, 1e-9)

	fill, err = sim.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol:    "BTCUSDT",
		Direction: strategy.DirectionShort,
		Quantity:  2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.0, fill.Price, 1e-9)

	assert.Len(t, sim.Fills(), 2)
}

func TestSimRejections(t *testing.T) {
	sim := NewSim(SimConfig{})

	_, err := sim.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol: "NOPE", Direction: strategy.DirectionLong, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	sim.MarkPrice("BTCUSDT", 100)
	_, err = sim.PlaceMarketOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Direction: strategy.DirectionLong, Quantity: 0,
	})
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestSimKlinesRange(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).UTC().Truncate(time.Minute)
	sim := NewSim(SimConfig{})
	sim.LoadHistory("BTCUSDT", simCandles(10, start))

	got, err := sim.Klines(context.Background(), "BTCUSDT", time.Minute,
		start.Add(2*time.Minute), start.Add(6*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, start.Add(2*time.Minute), got[0].OpenTime)
	assert.Equal(t, start.Add(5*time.Minute), got[3].OpenTime)
}

func TestSimSettle(t *testing.T) {
	sim := NewSim(SimConfig{InitialBalance: 1000})
	sim.Settle(-50)
	acct, err := sim.Account(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 950.0, acct.Balance, 1e-9)
}

func TestRestKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/klines", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "15m", r.URL.Query().Get("interval"))
		w.Write([]byte(`[
			[1700000000000,"100.0","101.0","99.0","100.5","12.5",1700000899999],
			[1700000900000,"100.5","102.0","100.0","101.5","8.0",1700001799999]
		]`))
	}))
	defer srv.Close()

	c := NewRestClientWithURL(srv.URL)
	candles, err := c.Klines(context.Background(), "BTCUSDT", 15*time.Minute,
		time.UnixMilli(1_700_000_000_000), time.UnixMilli(1_700_002_000_000))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), candles[0].OpenTime)
	assert.InDelta(t, 100.5, candles[0].Close, 1e-9)
	assert.InDelta(t, 8.0, candles[1].Volume, 1e-9)
}

func TestRestKlinesRetriesServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[[1700000000000,"100.0","101.0","99.0","100.5","12.5",1700000899999]]`))
	}))
	defer srv.Close()

	c := NewRestClientWithURL(srv.URL)
	c.backoff.Min = time.Millisecond
	c.backoff.Max = time.Millisecond

	candles, err := c.Klines(context.Background(), "BTCUSDT", time.Minute,
		time.UnixMilli(0), time.UnixMilli(1))
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.Equal(t, 2, calls)
}

func TestRestInstrument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"5"}
		]}]}`))
	}))
	defer srv.Close()

	c := NewRestClientWithURL(srv.URL)
	ins, err := c.Instrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, risk.Instrument{StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5}, ins)
}

func TestIntervalToken(t *testing.T) {
	assert.Equal(t, "1m", IntervalToken(time.Minute))
	assert.Equal(t, "15m", IntervalToken(15*time.Minute))
	assert.Equal(t, "4h", IntervalToken(4*time.Hour))
	assert.Equal(t, "1d", IntervalToken(24*time.Hour))
}

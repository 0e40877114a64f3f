package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/book"
	"trader/internal/exchange"
	"trader/internal/journal"
	"trader/internal/market"
	"trader/internal/obs"
	"trader/internal/position"
	"trader/internal/risk"
	"trader/internal/strategy"
)

// stubStrategy emits one long signal as soon as the window is warm, with
// fixed stop offsets. Adjustments are scripted per call.
type stubStrategy struct {
	name        string
	lookback    int
	direction   strategy.Direction
	slOffset    float64
	tpOffset    float64
	adjustments []strategy.Adjustment
	adjustCalls int
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Lookback() int { return s.lookback }

func (s *stubStrategy) EvaluateEntry(symbol string, w *market.Window, _ *book.Book, st *strategy.State) (strategy.Signal, bool) {
	if w.Len() < s.lookback || s.direction == strategy.DirectionNone {
		return strategy.Signal{}, false
	}
	if st.Armed("fired") {
		return strategy.Signal{}, false
	}
	st.Arm("fired")
	last, _ := w.Last()
	return strategy.Signal{
		Symbol:    symbol,
		Strategy:  s.name,
		Direction: s.direction,
		Price:     last.Close,
		Time:      last.OpenTime,
	}, true
}

func (s *stubStrategy) ComputeInitialStops(entry float64, dir strategy.Direction, _ *market.Window) strategy.Stops {
	if dir == strategy.DirectionShort {
		return strategy.Stops{StopLoss: entry + s.slOffset, TakeProfit: entry - s.tpOffset}
	}
	return strategy.Stops{StopLoss: entry - s.slOffset, TakeProfit: entry + s.tpOffset}
}

func (s *stubStrategy) AdjustOpenPosition(strategy.PositionView, *market.Window, *book.Book) strategy.Adjustment {
	if s.adjustCalls < len(s.adjustments) {
		adj := s.adjustments[s.adjustCalls]
		s.adjustCalls++
		return adj
	}
	return strategy.Adjustment{}
}

func flatCandles(n int, start time.Time, interval time.Duration) []market.Candle {
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, market.Candle{
			OpenTime: start.Add(time.Duration(i) * interval),
			Open:     100, High: 100.5, Low: 99.5, Close: 100, Volume: 10,
		})
	}
	return out
}

type contextFixture struct {
	sc    *SymbolContext
	sim   *exchange.Sim
	jrnl  *journal.Memory
	clock *SimClock
	admit *Admission
	next  time.Time
	step  time.Duration
}

func newContextFixture(t *testing.T, strat strategy.Strategy, limit int) *contextFixture {
	t.Helper()

	interval := time.Minute
	start := time.Unix(1_700_000_000, 0).UTC().Truncate(interval)
	now := start.Add(100 * interval)

	sim := exchange.NewSim(exchange.SimConfig{InitialBalance: 10_000, Leverage: 10})
	sim.LoadHistory("BTCUSDT", flatCandles(100, start, interval))

	clock := NewSimClock(now)
	jrnl := journal.NewMemory()
	admit := NewAdmission(limit)

	sc := NewSymbolContext(ContextDeps{
		Symbol:   "BTCUSDT",
		Strategy: strat,
		Sync: market.NewSynchronizer(market.SyncConfig{
			Symbol:   "BTCUSDT",
			Interval: interval,
			Lookback: 100,
		}, sim),
		Book:        book.New("BTCUSDT"),
		Sizer:       risk.NewSizer(risk.Config{RiskPct: 0.01, Leverage: 10}),
		Client:      sim,
		Admission:   admit,
		Journal:     jrnl,
		Metrics:     obs.NewMetrics(),
		Clock:       clock,
		FillTimeout: 30 * time.Second,
	})
	require.NoError(t, sc.Backfill(context.Background()))

	return &contextFixture{
		sc: sc, sim: sim, jrnl: jrnl, clock: clock, admit: admit,
		next: now, step: interval,
	}
}

// feed appends the next closed candle with the given OHLC.
func (f *contextFixture) feed(t *testing.T, o, h, l, c float64) {
	t.Helper()
	candle := market.Candle{OpenTime: f.next, Open: o, High: h, Low: l, Close: c, Volume: 10}
	f.next = f.next.Add(f.step)
	f.clock.Advance(f.next)
	f.sim.MarkPrice("BTCUSDT", c)
	require.NoError(t, f.sc.OnClosedCandle(context.Background(), candle))
}

func TestContextOpensOnSignal(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionLong, slOffset: 5, tpOffset: 10}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100)

	assert.Equal(t, position.StatusOpen, f.sc.Status())
	assert.Equal(t, 1, f.admit.Active())

	sigs := f.jrnl.Signals()
	require.Len(t, sigs, 1)
	assert.True(t, sigs[0].Admitted)

	// Flat -> PendingEntry -> Open
	trans := f.jrnl.Transitions()
	require.Len(t, trans, 2)
	assert.Equal(t, position.StatusPendingEntry, trans[0].To)
	assert.Equal(t, position.StatusOpen, trans[1].To)
}

func TestContextClosesOnStopTouch(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionLong, slOffset: 5, tpOffset: 10}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100) // opens at 100, SL 95, TP 110
	require.Equal(t, position.StatusOpen, f.sc.Status())

	f.feed(t, 100, 101, 94, 96) // low breaches the stop

	assert.Equal(t, position.StatusFlat, f.sc.Status())
	assert.Equal(t, 0, f.admit.Active())

	closes := f.jrnl.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, position.CloseStopLoss, closes[0].Reason)
	assert.Equal(t, 95.0, closes[0].ExitPrice)
}

func TestContextClosesOnTargetTouch(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionLong, slOffset: 5, tpOffset: 10}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100)
	f.feed(t, 100, 111, 99, 108)

	closes := f.jrnl.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, position.CloseTakeProfit, closes[0].Reason)
	assert.Equal(t, 110.0, closes[0].ExitPrice)
}

func TestContextAppliesAdjustments(t *testing.T) {
	strat := &stubStrategy{
		name: "stub", lookback: 10, direction: strategy.DirectionLong,
		slOffset: 5, tpOffset: 50,
		adjustments: []strategy.Adjustment{
			{Command: strategy.CommandMoveStop, StopPrice: 98},
			{Command: strategy.CommandMoveStop, StopPrice: 97}, // loosening, ignored
			{Command: strategy.CommandClose},
		},
	}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100)
	f.feed(t, 100, 101, 99, 100.5) // MoveStop 98
	f.feed(t, 100.5, 101, 99, 100.5)

	pos, ok := f.sc.machine.Position()
	require.True(t, ok)
	assert.Equal(t, 98.0, pos.StopLoss)

	f.feed(t, 100.5, 101, 99, 100) // CommandClose at candle close

	closes := f.jrnl.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, position.CloseCommand, closes[0].Reason)
	assert.Equal(t, 100.0, closes[0].ExitPrice)
}

func TestContextCapacityRejection(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionLong, slOffset: 5, tpOffset: 10}
	f := newContextFixture(t, strat, 1)

	// take the only slot elsewhere in the portfolio
	require.NoError(t, f.admit.Acquire())

	f.feed(t, 100, 100.5, 99.5, 100)

	assert.Equal(t, position.StatusFlat, f.sc.Status())
	sigs := f.jrnl.Signals()
	require.Len(t, sigs, 1)
	assert.False(t, sigs[0].Admitted)
	assert.Equal(t, "max active trades reached", sigs[0].Reject)
}

func TestContextDuplicateCandleIgnored(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionNone}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100)
	dup := market.Candle{OpenTime: f.next.Add(-f.step), Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 10}
	require.NoError(t, f.sc.OnClosedCandle(context.Background(), dup))
}

func TestContextGapTriggersRebackfill(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionNone}
	f := newContextFixture(t, strat, 5)

	// skip one interval to break continuity
	gap := market.Candle{OpenTime: f.next.Add(f.step), Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 10}
	f.clock.Advance(f.next.Add(2 * f.step))
	err := f.sc.OnClosedCandle(context.Background(), gap)
	require.Error(t, err)

	// backfill ran inside the handler, so the window is whole again
	assert.False(t, f.sc.sync.Degraded())
}

func TestContextShutdownClose(t *testing.T) {
	strat := &stubStrategy{name: "stub", lookback: 10, direction: strategy.DirectionLong, slOffset: 5, tpOffset: 10}
	f := newContextFixture(t, strat, 5)

	f.feed(t, 100, 100.5, 99.5, 100)
	require.Equal(t, position.StatusOpen, f.sc.Status())

	f.sc.CloseForShutdown(context.Background(), position.CloseShutdown)

	closes := f.jrnl.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, position.CloseShutdown, closes[0].Reason)
	assert.Equal(t, 0, f.admit.Active())
}

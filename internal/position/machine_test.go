package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/market"
	"trader/internal/strategy"
)

func longSignal() strategy.Signal {
	return strategy.Signal{
		Symbol:    "BTCUSDT",
		Strategy:  "ema_trend",
		Direction: strategy.DirectionLong,
		Price:     100,
		Time:      time.Unix(1_700_000_000, 0),
	}
}

func openLong(t *testing.T, sl, tp float64) *Machine {
	t.Helper()
	m := NewMachine(time.Minute)
	require.NoError(t, m.RequestEntry(longSignal(), 2, time.Unix(0, 0)))
	_, err := m.ConfirmFill(100, strategy.Stops{StopLoss: sl, TakeProfit: tp}, time.Unix(1, 0))
	require.NoError(t, err)
	return m
}

func TestLifecycle(t *testing.T) {
	m := NewMachine(time.Minute)
	assert.Equal(t, StatusFlat, m.Status())

	require.NoError(t, m.RequestEntry(longSignal(), 1.5, time.Unix(0, 0)))
	assert.Equal(t, StatusPendingEntry, m.Status())

	// second entry while pending is rejected
	assert.ErrorIs(t, m.RequestEntry(longSignal(), 1, time.Unix(0, 0)), ErrNotFlat)

	pos, err := m.ConfirmFill(100.5, strategy.Stops{StopLoss: 95, TakeProfit: 110}, time.Unix(2, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, m.Status())
	assert.Equal(t, 100.5, pos.EntryPrice)
	assert.Equal(t, 95.0, pos.InitialStop)

	closed, err := m.Close(104, CloseCommand, time.Unix(3, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusFlat, m.Status())
	assert.InDelta(t, (104-100.5)*1.5, closed.PnL(), 1e-9)
}

func TestRequestEntryValidation(t *testing.T) {
	m := NewMachine(time.Minute)
	assert.ErrorIs(t, m.RequestEntry(longSignal(), 0, time.Unix(0, 0)), ErrInvalidQuantity)
	assert.Equal(t, StatusFlat, m.Status())
}

func TestFillTimeoutAbandon(t *testing.T) {
	m := NewMachine(10 * time.Second)
	start := time.Unix(0, 0)
	require.NoError(t, m.RequestEntry(longSignal(), 1, start))

	assert.False(t, m.FillTimedOut(start.Add(5*time.Second)))
	assert.True(t, m.FillTimedOut(start.Add(11*time.Second)))

	sig, err := m.AbandonEntry()
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, StatusFlat, m.Status())

	_, err = m.AbandonEntry()
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestMoveStopRatchet(t *testing.T) {
	m := openLong(t, 95, 0)

	require.NoError(t, m.MoveStop(97))
	assert.ErrorIs(t, m.MoveStop(96), ErrStopLoosened)
	assert.ErrorIs(t, m.MoveStop(97), ErrStopLoosened)
	require.NoError(t, m.MoveStop(99))

	pos, ok := m.Position()
	require.True(t, ok)
	assert.Equal(t, 99.0, pos.StopLoss)
	assert.Equal(t, 95.0, pos.InitialStop)
}

func TestMoveStopRatchetShort(t *testing.T) {
	m := NewMachine(time.Minute)
	sig := longSignal()
	sig.Direction = strategy.DirectionShort
	require.NoError(t, m.RequestEntry(sig, 1, time.Unix(0, 0)))
	_, err := m.ConfirmFill(100, strategy.Stops{StopLoss: 105}, time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, m.MoveStop(103))
	assert.ErrorIs(t, m.MoveStop(104), ErrStopLoosened)
}

func TestArmBreakevenIdempotent(t *testing.T) {
	m := openLong(t, 95, 0)

	require.NoError(t, m.ArmBreakeven(100.1))
	pos, _ := m.Position()
	assert.Equal(t, 100.1, pos.StopLoss)
	assert.True(t, pos.BreakevenArmed)

	// repeated arming never changes the stop again
	require.NoError(t, m.ArmBreakeven(100.5))
	pos, _ = m.Position()
	assert.Equal(t, 100.1, pos.StopLoss)
}

func TestArmBreakevenDoesNotLoosen(t *testing.T) {
	m := openLong(t, 95, 0)
	require.NoError(t, m.MoveStop(101))
	require.NoError(t, m.ArmBreakeven(100.1))
	pos, _ := m.Position()
	assert.Equal(t, 101.0, pos.StopLoss)
	assert.True(t, pos.BreakevenArmed)
}

func TestResolveTouch(t *testing.T) {
	base := time.Unix(0, 0)
	candle := func(o, h, l, c float64) market.Candle {
		return market.Candle{OpenTime: base, Open: o, High: h, Low: l, Close: c}
	}

	t.Run("no touch", func(t *testing.T) {
		m := openLong(t, 95, 110)
		_, _, ok := m.ResolveTouch(candle(100, 105, 98, 104))
		assert.False(t, ok)
	})

	t.Run("stop fills at level", func(t *testing.T) {
		m := openLong(t, 95, 110)
		price, reason, ok := m.ResolveTouch(candle(100, 101, 94, 96))
		require.True(t, ok)
		assert.Equal(t, CloseStopLoss, reason)
		assert.Equal(t, 95.0, price)
	})

	t.Run("target fills at level", func(t *testing.T) {
		m := openLong(t, 95, 110)
		price, reason, ok := m.ResolveTouch(candle(100, 111, 99, 108))
		require.True(t, ok)
		assert.Equal(t, CloseTakeProfit, reason)
		assert.Equal(t, 110.0, price)
	})

	t.Run("both in range resolves adverse first", func(t *testing.T) {
		m := openLong(t, 95, 110)
		price, reason, ok := m.ResolveTouch(candle(100, 112, 94, 111))
		require.True(t, ok)
		assert.Equal(t, CloseStopLoss, reason)
		assert.Equal(t, 95.0, price)
	})

	t.Run("gap below stop fills at open", func(t *testing.T) {
		m := openLong(t, 95, 110)
		price, reason, ok := m.ResolveTouch(candle(92, 112, 90, 111))
		require.True(t, ok)
		assert.Equal(t, CloseStopLoss, reason)
		assert.Equal(t, 92.0, price)
	})

	t.Run("gap above target fills at open", func(t *testing.T) {
		m := openLong(t, 95, 110)
		price, reason, ok := m.ResolveTouch(candle(115, 118, 94, 116))
		require.True(t, ok)
		assert.Equal(t, CloseTakeProfit, reason)
		assert.Equal(t, 115.0, price)
	})

	t.Run("short stop on high", func(t *testing.T) {
		m := NewMachine(time.Minute)
		sig := longSignal()
		sig.Direction = strategy.DirectionShort
		require.NoError(t, m.RequestEntry(sig, 1, base))
		_, err := m.ConfirmFill(100, strategy.Stops{StopLoss: 105, TakeProfit: 90}, base)
		require.NoError(t, err)

		price, reason, ok := m.ResolveTouch(candle(100, 106, 89, 92))
		require.True(t, ok)
		assert.Equal(t, CloseStopLoss, reason)
		assert.Equal(t, 105.0, price)
	})
}

package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/pkg/backoff"
)

var syncBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, interval time.Duration) Candle {
	return Candle{
		OpenTime: syncBase.Add(time.Duration(i) * interval),
		Open:     100,
		High:     101,
		Low:      99,
		Close:    100,
		Volume:   10,
	}
}

// fakeSource serves candles from syncBase onwards, recording calls and
// optionally failing the first N of them.
type fakeSource struct {
	interval  time.Duration
	calls     int
	failFirst int
}

func (f *fakeSource) Klines(_ context.Context, _ string, interval time.Duration, start, end time.Time) ([]Candle, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, context.DeadlineExceeded
	}
	var out []Candle
	for t := start.Truncate(interval); t.Before(end); t = t.Add(interval) {
		if t.Before(syncBase) {
			continue
		}
		i := int(t.Sub(syncBase) / interval)
		out = append(out, candleAt(i, interval))
	}
	return out, nil
}

func testSync(src *fakeSource, lookback int) *Synchronizer {
	return NewSynchronizer(SyncConfig{
		Symbol:   "BTCUSDT",
		Interval: src.interval,
		Lookback: lookback,
		Backoff:  backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond, Factor: 2},
	}, src)
}

func TestBackfillFillsWindow(t *testing.T) {
	src := &fakeSource{interval: time.Minute}
	s := testSync(src, 10)

	now := syncBase.Add(20*time.Minute + 30*time.Second)
	require.NoError(t, s.Backfill(context.Background(), now))

	w := s.View()
	require.Equal(t, 10, w.Len())
	last, _ := w.Last()
	// window ends at the last fully closed interval before now
	assert.Equal(t, syncBase.Add(19*time.Minute), last.OpenTime)
	assert.False(t, s.Degraded())
}

func TestBackfillIdempotent(t *testing.T) {
	src := &fakeSource{interval: time.Minute}
	s := testSync(src, 10)
	now := syncBase.Add(20 * time.Minute)

	require.NoError(t, s.Backfill(context.Background(), now))
	first := s.View().Candles()

	require.NoError(t, s.Backfill(context.Background(), now))
	assert.Equal(t, first, s.View().Candles())
}

func TestBackfillRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{interval: time.Minute, failFirst: 2}
	s := testSync(src, 5)

	require.NoError(t, s.Backfill(context.Background(), syncBase.Add(10*time.Minute)))
	assert.Equal(t, 3, src.calls)
	assert.False(t, s.Degraded())
}

func TestBackfillExhaustionDegrades(t *testing.T) {
	src := &fakeSource{interval: time.Minute, failFirst: 100}
	s := testSync(src, 5)

	require.Error(t, s.Backfill(context.Background(), syncBase.Add(10*time.Minute)))
	assert.True(t, s.Degraded())
}

func TestOnCandleAppendsClosedOnly(t *testing.T) {
	src := &fakeSource{interval: time.Minute}
	s := testSync(src, 10)
	require.NoError(t, s.Backfill(context.Background(), syncBase.Add(10*time.Minute)))

	next := candleAt(10, time.Minute)

	// in-progress updates never reach the window
	appended, err := s.OnCandle(next, false)
	require.NoError(t, err)
	assert.False(t, appended)
	assert.Equal(t, 10, s.View().Len())

	appended, err = s.OnCandle(next, true)
	require.NoError(t, err)
	assert.True(t, appended)
	last, _ := s.View().Last()
	assert.Equal(t, next.OpenTime, last.OpenTime)

	// replaying the same close is a no-op
	appended, err = s.OnCandle(next, true)
	require.NoError(t, err)
	assert.False(t, appended)
}

func TestOnCandleGapDegradesUntilBackfill(t *testing.T) {
	src := &fakeSource{interval: 15 * time.Minute}
	s := testSync(src, 8)
	require.NoError(t, s.Backfill(context.Background(), syncBase.Add(8*15*time.Minute)))

	// candle 9 skips candle 8: a missed interval
	_, err := s.OnCandle(candleAt(9, 15*time.Minute), true)
	require.ErrorIs(t, err, ErrGap)
	assert.True(t, s.Degraded())

	// further closes are rejected while degraded
	_, err = s.OnCandle(candleAt(10, 15*time.Minute), true)
	require.ErrorIs(t, err, ErrDegraded)

	// a successful backfill restores the feed
	require.NoError(t, s.Backfill(context.Background(), syncBase.Add(11*15*time.Minute)))
	assert.False(t, s.Degraded())
	appended, err := s.OnCandle(candleAt(11, 15*time.Minute), true)
	require.NoError(t, err)
	assert.True(t, appended)
}

func TestWindowAppend(t *testing.T) {
	w := NewWindow(time.Minute, 3)

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Append(candleAt(i, time.Minute)))
	}
	// capacity evicts the oldest
	require.Equal(t, 3, w.Len())
	oldest, ok := w.At(2)
	require.True(t, ok)
	assert.Equal(t, candleAt(1, time.Minute).OpenTime, oldest.OpenTime)

	// stale candles are ignored, gaps rejected
	require.NoError(t, w.Append(candleAt(2, time.Minute)))
	require.Equal(t, 3, w.Len())
	require.ErrorIs(t, w.Append(candleAt(6, time.Minute)), ErrGap)
}

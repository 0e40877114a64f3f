package market

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/pkg/backoff"
)

var ErrDegraded = errors.New("symbol data degraded")

// HistorySource fetches closed candles for a time range. Implementations
// must return candles ordered by open time; a call covering an already
// fetched range must return the same candles (idempotent).
type HistorySource interface {
	Klines(ctx context.Context, symbol string, interval time.Duration, start, end time.Time) ([]Candle, error)
}

// SyncConfig controls per-symbol candle synchronization.
type SyncConfig struct {
	Symbol     string
	Interval   time.Duration
	Lookback   int
	Backoff    backoff.Backoff
	MaxRetries int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Lookback <= 0 {
		c.Lookback = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff == (backoff.Backoff{}) {
		c.Backoff = backoff.Default()
	}
	return c
}

// Synchronizer maintains the ordered, gap-checked candle window for one
// symbol: historical backfill first, streaming appends after. Only closed
// candles ever reach the window; a gap degrades the symbol until a fresh
// backfill succeeds.
type Synchronizer struct {
	cfg    SyncConfig
	source HistorySource

	mu       sync.Mutex
	window   *Window
	degraded bool
}

// NewSynchronizer creates a synchronizer with an empty window.
func NewSynchronizer(cfg SyncConfig, source HistorySource) *Synchronizer {
	cfg = cfg.withDefaults()
	return &Synchronizer{
		cfg:    cfg,
		source: source,
		window: NewWindow(cfg.Interval, cfg.Lookback),
	}
}

// Symbol returns the synchronized symbol.
func (s *Synchronizer) Symbol() string { return s.cfg.Symbol }

// Degraded reports whether the window lost integrity and awaits resync.
func (s *Synchronizer) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Backfill discards the current window and refills it from the history
// source, retrying transient failures with exponential backoff. The window
// ends at the last closed interval before now.
func (s *Synchronizer) Backfill(ctx context.Context, now time.Time) error {
	end := now.Truncate(s.cfg.Interval)
	start := end.Add(-time.Duration(s.cfg.Lookback) * s.cfg.Interval)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.fill(ctx, start, end); err != nil {
			lastErr = err
			logs.Warnf("backfill %s attempt %d failed: %v", s.cfg.Symbol, attempt, err)
			if err := s.cfg.Backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		s.mu.Lock()
		s.degraded = false
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	return errors.Wrap(lastErr, "backfill retries exhausted")
}

func (s *Synchronizer) fill(ctx context.Context, start, end time.Time) error {
	s.mu.Lock()
	s.window.Reset()
	s.mu.Unlock()

	cursor := start
	for cursor.Before(end) {
		batch, err := s.source.Klines(ctx, s.cfg.Symbol, s.cfg.Interval, cursor, end)
		if err != nil {
			return errors.Wrap(err, "fetch klines")
		}
		if len(batch) == 0 {
			break
		}
		s.mu.Lock()
		for _, c := range batch {
			if c.OpenTime.Before(start) || !c.OpenTime.Before(end) {
				continue
			}
			if err := s.window.Append(c); err != nil {
				s.window.Reset()
				s.mu.Unlock()
				return errors.Wrap(err, "append historical candle")
			}
		}
		s.mu.Unlock()
		// Resume from the last received open time.
		next := batch[len(batch)-1].OpenTime.Add(s.cfg.Interval)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return nil
}

// OnCandle appends a streamed candle. Non-closed updates are ignored; a
// closed candle that does not continue the window degrades the symbol and
// returns ErrGap so the caller can schedule a re-backfill.
func (s *Synchronizer) OnCandle(c Candle, closed bool) (bool, error) {
	if !closed {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return false, ErrDegraded
	}
	if last, ok := s.window.Last(); ok && !c.OpenTime.After(last.OpenTime) {
		return false, nil
	}
	if err := s.window.Append(c); err != nil {
		s.window.Reset()
		s.degraded = true
		return false, err
	}
	return true, nil
}

// View returns a point-in-time copy of the window safe for evaluation
// while streaming appends continue.
func (s *Synchronizer) View() *Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := NewWindow(s.cfg.Interval, s.cfg.Lookback)
	out.candles = append(out.candles, s.window.candles...)
	return out
}

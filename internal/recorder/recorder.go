// Package recorder persists closed candles to per-symbol JSON files so
// a live session can later be replayed offline.
package recorder

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"trader/internal/market"
)

const defaultFlushEvery = 50

var ErrNoDir = errors.New("recorder: empty directory")

// Config controls where and how often series are flushed.
type Config struct {
	Dir string
	// FlushEvery flushes a symbol's file after this many appended
	// candles. A flush also always happens on Close.
	FlushEvery int
}

func (c Config) withDefaults() Config {
	if c.FlushEvery <= 0 {
		c.FlushEvery = defaultFlushEvery
	}
	return c
}

// Recorder accumulates closed candles per symbol and writes each series
// as a JSON array. Files are written atomically via rename so a reader
// never observes a partial series.
type Recorder struct {
	cfg Config

	mu      sync.Mutex
	series  map[string][]market.Candle
	pending map[string]int
}

// New creates a recorder rooted at cfg.Dir, creating it if needed.
func New(cfg Config) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, ErrNoDir
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create recorder dir").With("dir", cfg.Dir)
	}
	return &Recorder{
		cfg:     cfg,
		series:  map[string][]market.Candle{},
		pending: map[string]int{},
	}, nil
}

// Append adds one closed candle to the symbol's series and flushes the
// file once enough candles accumulated.
func (r *Recorder) Append(symbol string, c market.Candle) error {
	r.mu.Lock()
	r.series[symbol] = append(r.series[symbol], c)
	r.pending[symbol]++
	flush := r.pending[symbol] >= r.cfg.FlushEvery
	if flush {
		r.pending[symbol] = 0
	}
	r.mu.Unlock()

	if !flush {
		return nil
	}
	return r.flushSymbol(symbol)
}

// Len reports the number of candles held for a symbol.
func (r *Recorder) Len(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.series[symbol])
}

// Close flushes every symbol's series to disk.
func (r *Recorder) Close() error {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.series))
	for symbol := range r.series {
		symbols = append(symbols, symbol)
	}
	r.mu.Unlock()

	for _, symbol := range symbols {
		if err := r.flushSymbol(symbol); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) flushSymbol(symbol string) error {
	r.mu.Lock()
	series := make([]market.Candle, len(r.series[symbol]))
	copy(series, r.series[symbol])
	r.mu.Unlock()

	data, err := sonic.Marshal(series)
	if err != nil {
		return errors.Wrap(err, "marshal series").With("symbol", symbol)
	}

	path := filepath.Join(r.cfg.Dir, symbol+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write series").With("path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "publish series").With("path", path)
	}
	return nil
}

// Package replay drives the live evaluation pipeline from recorded
// candles. The same symbol contexts, state machine, and sizing run in
// both modes; only the clock and the exchange are simulated, so a
// backtest reaches exactly the decisions the live engine would.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/book"
	"trader/internal/engine"
	"trader/internal/exchange"
	"trader/internal/journal"
	"trader/internal/market"
	"trader/internal/obs"
	"trader/internal/ops"
	"trader/internal/position"
	"trader/internal/risk"
	"trader/internal/strategy"
)

var (
	ErrNoCandles    = errors.New("no candles for symbol")
	ErrShortHistory = errors.New("not enough candles for lookback")
)

// Config describes one replay run.
type Config struct {
	Trading ops.TradingConfig
	Symbols []ops.SymbolSpec
	// Candles holds the full recorded series per symbol, ordered by
	// open time. The first Lookback candles seed the window; the rest
	// are streamed.
	Candles map[string][]market.Candle
	// InitialBalance funds the simulated account.
	InitialBalance float64
	// SlippagePct shifts simulated fills against the order.
	SlippagePct float64
}

// Driver replays candles through the evaluation pipeline.
type Driver struct {
	cfg      Config
	sim      *exchange.Sim
	clock    *engine.SimClock
	journal  *journal.Memory
	metrics  *obs.Metrics
	admit    *engine.Admission
	contexts map[string][]*engine.SymbolContext
	settled  int
}

// NewDriver validates the config and builds the pipeline.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10_000
	}

	d := &Driver{
		cfg: cfg,
		sim: exchange.NewSim(exchange.SimConfig{
			InitialBalance: cfg.InitialBalance,
			Leverage:       cfg.Trading.Leverage,
			MarginType:     cfg.Trading.MarginType,
			FeePct:         cfg.Trading.FeePct,
			SlippagePct:    cfg.SlippagePct,
		}),
		journal:  journal.NewMemory(),
		metrics:  obs.NewMetrics(),
		contexts: map[string][]*engine.SymbolContext{},
	}

	maxActive := cfg.Trading.MaxActiveTrades
	if maxActive <= 0 {
		maxActive = 5
	}
	d.admit = engine.NewAdmission(maxActive)

	var firstStream time.Time
	for _, spec := range cfg.Symbols {
		series := cfg.Candles[spec.Name]
		if len(series) == 0 {
			return nil, errors.Wrap(ErrNoCandles, spec.Name)
		}
		if len(series) <= spec.Lookback {
			return nil, errors.Wrap(ErrShortHistory, spec.Name)
		}
		streamStart := series[spec.Lookback].OpenTime
		if firstStream.IsZero() || streamStart.Before(firstStream) {
			firstStream = streamStart
		}
	}
	d.clock = engine.NewSimClock(firstStream)

	for _, spec := range cfg.Symbols {
		series := cfg.Candles[spec.Name]
		d.sim.LoadHistory(spec.Name, series[:spec.Lookback])

		bk := book.New(spec.Name)
		for _, sc := range spec.Strategies {
			strat, err := strategy.New(sc.Name, sc.Params)
			if err != nil {
				return nil, errors.Wrap(err, "build strategy").With("symbol", spec.Name)
			}
			d.contexts[spec.Name] = append(d.contexts[spec.Name], engine.NewSymbolContext(engine.ContextDeps{
				Symbol:   spec.Name,
				Strategy: strat,
				Sync: market.NewSynchronizer(market.SyncConfig{
					Symbol:   spec.Name,
					Interval: spec.Interval,
					Lookback: spec.Lookback,
				}, d.sim),
				Book: bk,
				Sizer: risk.NewSizer(risk.Config{
					RiskPct:        d.cfg.Trading.RiskPct,
					Leverage:       d.cfg.Trading.Leverage,
					MarginUsageCap: d.cfg.Trading.MarginUsageCap,
				}),
				Client:      d.sim,
				Admission:   d.admit,
				Journal:     d.journal,
				Metrics:     d.metrics,
				Clock:       d.clock,
				FillTimeout: d.cfg.Trading.FillTimeout(),
			}))
		}
	}
	return d, nil
}

// Journal exposes the recorded decision trail.
func (d *Driver) Journal() *journal.Memory { return d.journal }

type step struct {
	symbol   string
	interval time.Duration
	candle   market.Candle
}

// Run replays every streamed candle in open-time order and returns the
// performance report. Contexts evaluate strictly sequentially, so a run
// over the same data is always identical.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	for sym, contexts := range d.contexts {
		for _, sc := range contexts {
			if err := sc.Backfill(ctx); err != nil {
				return Report{}, errors.Wrap(err, "backfill").With("symbol", sym)
			}
		}
	}

	steps := d.mergeSteps()
	logs.Infof("replaying %d candles across %d symbols", len(steps), len(d.contexts))

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}

		d.clock.Advance(st.candle.OpenTime.Add(st.interval))
		d.sim.MarkPrice(st.symbol, st.candle.Close)

		for _, sc := range d.contexts[st.symbol] {
			if err := sc.OnClosedCandle(ctx, st.candle); err != nil {
				logs.Warnf("replay %s: %+v", st.symbol, err)
			}
		}
		d.settleNewCloses()
	}

	for _, contexts := range d.contexts {
		for _, sc := range contexts {
			sc.CloseForShutdown(ctx, position.CloseEndOfReplay)
		}
	}
	d.settleNewCloses()

	return d.buildReport(), nil
}

// mergeSteps interleaves all symbol streams by open time. Ties break by
// symbol name so runs are reproducible.
func (d *Driver) mergeSteps() []step {
	var steps []step
	for _, spec := range d.cfg.Symbols {
		for _, c := range d.cfg.Candles[spec.Name][spec.Lookback:] {
			steps = append(steps, step{symbol: spec.Name, interval: spec.Interval, candle: c})
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].candle.OpenTime.Equal(steps[j].candle.OpenTime) {
			return steps[i].symbol < steps[j].symbol
		}
		return steps[i].candle.OpenTime.Before(steps[j].candle.OpenTime)
	})
	return steps
}

// settleNewCloses applies realized PnL minus round-trip fees to the
// simulated balance so later sizing compounds.
func (d *Driver) settleNewCloses() {
	closes := d.journal.Closes()
	for ; d.settled < len(closes); d.settled++ {
		c := closes[d.settled]
		fees := (c.EntryPrice + c.ExitPrice) * c.Quantity * d.cfg.Trading.FeePct
		d.sim.Settle(c.PnL() - fees)
	}
}

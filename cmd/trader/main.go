package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/book"
	"trader/internal/engine"
	"trader/internal/exchange"
	"trader/internal/journal"
	"trader/internal/market"
	"trader/internal/obs"
	"trader/internal/ops"
	"trader/internal/recorder"
	"trader/internal/risk"
	"trader/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	wsURL := flag.String("ws-url", "", "Override market data websocket endpoint")
	restURL := flag.String("rest-url", "", "Override REST endpoint")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	metricsInterval := flag.Duration("metrics-interval", time.Minute, "Metrics log interval (0=disable)")
	recordDir := flag.String("record-dir", "", "Record closed candles as JSON series for replay (empty=disabled)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   *pyroscopeAddr,
			Tags: map[string]string{
				"component": "trader",
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if err := run(ctx, loaded, *wsURL, *restURL, *recordDir, *metricsInterval); err != nil {
		log.Fatalf("trader failed: %+v", err)
	}
}

func run(ctx context.Context, loaded ops.Loaded, wsURL, restURL, recordDir string, metricsInterval time.Duration) error {
	rest := exchange.NewRestClient()
	if restURL != "" {
		rest = exchange.NewRestClientWithURL(restURL)
	}

	var feed *exchange.Feed
	if wsURL != "" {
		feed = exchange.NewFeedWithURL(ctx, wsURL)
	} else {
		feed = exchange.NewFeed(ctx)
	}
	if err := feed.Start(ctx); err != nil {
		return errors.Wrap(err, "start market data feed")
	}
	defer feed.Close()

	jrnl, err := openJournal(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		_ = jrnl.Close()
	}()

	metrics := obs.NewMetrics()

	var rec *recorder.Recorder
	if recordDir != "" {
		if rec, err = recorder.New(recorder.Config{Dir: recordDir}); err != nil {
			return errors.Wrap(err, "open candle recorder")
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logs.Errorf("flush candle recorder: %+v", err)
			}
		}()
	}

	// execution is simulated against live prices; real order routing
	// plugs in behind exchange.TradingClient
	sim := exchange.NewSim(exchange.SimConfig{
		Leverage:   loaded.Trading.Leverage,
		MarginType: loaded.Trading.MarginType,
		FeePct:     loaded.Trading.FeePct,
	})

	admit := engine.NewAdmission(loaded.Trading.MaxActiveTrades)
	sizer := risk.NewSizer(risk.Config{
		RiskPct:        loaded.Trading.RiskPct,
		Leverage:       loaded.Trading.Leverage,
		MarginUsageCap: loaded.Trading.MarginUsageCap,
	})

	eng := engine.New(engine.Config{
		Workers:              loaded.Trading.Workers,
		QueueSize:            loaded.Trading.QueueSize,
		MaxConcurrentSymbols: loaded.Trading.MaxConcurrentSymbols,
	}, metrics)

	books := make(map[string]*book.Book, len(loaded.Symbols))
	for _, spec := range loaded.Symbols {
		bk := book.New(spec.Name)
		books[spec.Name] = bk

		contexts := make([]*engine.SymbolContext, 0, len(spec.Strategies))
		for _, sc := range spec.Strategies {
			strat, err := strategy.New(sc.Name, sc.Params)
			if err != nil {
				return errors.Wrap(err, "build strategy").With("symbol", spec.Name)
			}
			contexts = append(contexts, engine.NewSymbolContext(engine.ContextDeps{
				Symbol:   spec.Name,
				Strategy: strat,
				Sync: market.NewSynchronizer(market.SyncConfig{
					Symbol:   spec.Name,
					Interval: spec.Interval,
					Lookback: spec.Lookback,
				}, rest),
				Book:        bk,
				Sizer:       sizer,
				Client:      sim,
				Admission:   admit,
				Journal:     jrnl,
				Metrics:     metrics,
				Clock:       engine.RealClock{},
				FillTimeout: loaded.Trading.FillTimeout(),
			}))
		}
		eng.Register(spec.Name, bk, contexts...)
	}

	if err := eng.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}

	// each symbol waits for a streaming slot on its own goroutine so
	// symbols beyond the concurrency cap queue without blocking startup
	for _, spec := range loaded.Symbols {
		spec := spec
		go func() {
			if err := startIngestion(ctx, eng, feed, rest, sim, rec, spec, books[spec.Name]); err != nil {
				logs.Errorf("start ingestion %s: %+v", spec.Name, err)
			}
		}()
	}

	if metricsInterval > 0 {
		go logMetrics(ctx, metrics, metricsInterval)
	}

	logs.Infof("trader running: %d symbols, %d max active trades, %s margin",
		len(loaded.Symbols), loaded.Trading.MaxActiveTrades, loaded.Trading.MarginType)

	<-ctx.Done()
	logs.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	eng.Stop(shutdownCtx)

	snap := metrics.Snapshot()
	logs.Infof("final metrics: evals=%d signals=%d rejected=%d open=%d closed=%d drops=%d panics=%d",
		snap.Evaluations, snap.Signals, snap.CapacityRejections,
		snap.PositionsOpened, snap.PositionsClosed, snap.QueueDrops, snap.PanicsRecovered)
	return nil
}

func openJournal(ctx context.Context, loaded ops.Loaded) (journal.Journal, error) {
	if loaded.Database == nil {
		return journal.NewMemory(), nil
	}
	pg, err := journal.NewPostgres(ctx, *loaded.Database)
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}
	return pg, nil
}

// startIngestion wires one symbol's market data into the engine: kline
// and depth subscriptions, book snapshot seeding, and resnapshot on a
// stale book. Symbols beyond the concurrency cap wait for a slot.
func startIngestion(ctx context.Context, eng *engine.Engine, feed *exchange.Feed, rest *exchange.RestClient, sim *exchange.Sim, rec *recorder.Recorder, spec ops.SymbolSpec, bk *book.Book) error {
	if err := eng.AcquireSymbolSlot(ctx); err != nil {
		return err
	}

	ins, err := rest.Instrument(ctx, spec.Name)
	if err != nil {
		eng.ReleaseSymbolSlot()
		return errors.Wrap(err, "fetch instrument")
	}
	sim.SetInstrument(spec.Name, ins)

	if err := feed.SubscribeKline(ctx, spec.Name, exchange.IntervalToken(spec.Interval)); err != nil {
		eng.ReleaseSymbolSlot()
		return errors.Wrap(err, "subscribe kline")
	}
	if err := feed.SubscribeDepth(ctx, spec.Name); err != nil {
		eng.ReleaseSymbolSlot()
		return errors.Wrap(err, "subscribe depth")
	}

	seq := exchange.NewDepthSequencer(bk)
	snap, err := rest.DepthSnapshot(ctx, spec.Name, 100)
	if err != nil {
		eng.ReleaseSymbolSlot()
		return errors.Wrap(err, "fetch depth snapshot")
	}
	if err := seq.Seed(snap); err != nil {
		eng.ReleaseSymbolSlot()
		return errors.Wrap(err, "seed order book")
	}

	symbol := spec.Name
	feed.ObserveKline(ctx, func(k exchange.KlineUpdate) {
		if k.Symbol != symbol {
			return
		}
		sim.MarkPrice(symbol, k.Candle.Close)

		ev := engine.Event{Symbol: symbol, Candle: k.Candle}
		if k.Closed {
			if rec != nil {
				if err := rec.Append(symbol, k.Candle); err != nil {
					logs.Warnf("record candle %s: %+v", symbol, err)
				}
			}
			ev.Kind = engine.EventCandleClosed
			if err := eng.Publish(ctx, ev); err != nil {
				logs.Warnf("publish close %s: %+v", symbol, err)
			}
			return
		}
		ev.Kind = engine.EventCandleTick
		_ = eng.Publish(ctx, ev)
	})

	feed.ObserveDepth(ctx, func(u exchange.DepthUpdate) {
		if u.Symbol != symbol {
			return
		}
		if err := seq.Apply(u); err != nil {
			logs.Warnf("depth stream %s: %+v", symbol, err)
			resnapshot(ctx, rest, seq, symbol)
			return
		}
		_ = eng.Publish(ctx, engine.Event{Kind: engine.EventBookUpdate, Symbol: symbol})
	})

	go func() {
		<-ctx.Done()
		eng.ReleaseSymbolSlot()
	}()
	return nil
}

func resnapshot(ctx context.Context, rest *exchange.RestClient, seq *exchange.DepthSequencer, symbol string) {
	snap, err := rest.DepthSnapshot(ctx, symbol, 100)
	if err != nil {
		logs.Errorf("depth resnapshot %s: %+v", symbol, err)
		return
	}
	if err := seq.Seed(snap); err != nil {
		logs.Errorf("apply resnapshot %s: %+v", symbol, err)
		return
	}
	logs.Infof("book resnapshot %s at update id %d", symbol, snap.LastUpdateID)
}

func logMetrics(ctx context.Context, metrics *obs.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := metrics.Snapshot()
			logs.Infof("metrics: evals=%d signals=%d rejected=%d open=%d closed=%d drops=%d evalAvg=%v",
				snap.Evaluations, snap.Signals, snap.CapacityRejections,
				snap.PositionsOpened, snap.PositionsClosed, snap.QueueDrops, snap.EvalLatency.Avg)
		}
	}
}

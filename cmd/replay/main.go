package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/exchange"
	"trader/internal/market"
	"trader/internal/ops"
	"trader/internal/replay"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	dataDir := flag.String("data", "", "Directory of recorded candle files (<SYMBOL>.json); empty fetches from REST")
	restURL := flag.String("rest-url", "", "Override REST endpoint")
	fromArg := flag.String("from", "", "Replay range start (2006-01-02 or RFC3339), REST fetch only")
	toArg := flag.String("to", "", "Replay range end, defaults to now")
	balance := flag.Float64("balance", 10_000, "Initial simulated balance")
	slippage := flag.Float64("slippage", 0, "Simulated slippage per fill, e.g. 0.0002")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	candles, err := loadCandles(ctx, loaded, *dataDir, *restURL, *fromArg, *toArg)
	if err != nil {
		log.Fatalf("candle load failed: %+v", err)
	}

	driver, err := replay.NewDriver(replay.Config{
		Trading:        loaded.Trading,
		Symbols:        loaded.Symbols,
		Candles:        candles,
		InitialBalance: *balance,
		SlippagePct:    *slippage,
	})
	if err != nil {
		log.Fatalf("replay setup failed: %+v", err)
	}

	report, err := driver.Run(ctx)
	if err != nil {
		log.Fatalf("replay failed: %+v", err)
	}
	fmt.Println(report.String())
}

func loadCandles(ctx context.Context, loaded ops.Loaded, dataDir, restURL, fromArg, toArg string) (map[string][]market.Candle, error) {
	if dataDir != "" {
		return loadRecorded(dataDir, loaded.Symbols)
	}
	return fetchHistory(ctx, loaded.Symbols, restURL, fromArg, toArg)
}

// loadRecorded reads one JSON candle series per symbol from dir.
func loadRecorded(dir string, symbols []ops.SymbolSpec) (map[string][]market.Candle, error) {
	out := make(map[string][]market.Candle, len(symbols))
	for _, spec := range symbols {
		path := filepath.Join(dir, spec.Name+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read candle file").With("path", path)
		}
		var series []market.Candle
		if err := sonic.Unmarshal(data, &series); err != nil {
			return nil, errors.Wrap(err, "parse candle file").With("path", path)
		}
		logs.Infof("loaded %d candles for %s from %s", len(series), spec.Name, path)
		out[spec.Name] = series
	}
	return out, nil
}

// fetchHistory pulls the replay range from the exchange REST API,
// extending the start backwards to cover each symbol's lookback.
func fetchHistory(ctx context.Context, symbols []ops.SymbolSpec, restURL, fromArg, toArg string) (map[string][]market.Candle, error) {
	if fromArg == "" {
		return nil, errors.New("-from is required when no -data directory is given")
	}
	from, err := parseTime(fromArg)
	if err != nil {
		return nil, errors.Wrap(err, "parse -from")
	}
	to := time.Now().UTC()
	if toArg != "" {
		if to, err = parseTime(toArg); err != nil {
			return nil, errors.Wrap(err, "parse -to")
		}
	}
	if !to.After(from) {
		return nil, errors.New("-to must be after -from")
	}

	rest := exchange.NewRestClient()
	if restURL != "" {
		rest = exchange.NewRestClientWithURL(restURL)
	}

	out := make(map[string][]market.Candle, len(symbols))
	for _, spec := range symbols {
		start := from.Add(-time.Duration(spec.Lookback) * spec.Interval)
		series, err := rest.Klines(ctx, spec.Name, spec.Interval, start, to)
		if err != nil {
			return nil, errors.Wrap(err, "fetch klines").With("symbol", spec.Name)
		}
		logs.Infof("fetched %d candles for %s (%s .. %s)",
			len(series), spec.Name, start.Format(time.RFC3339), to.Format(time.RFC3339))
		out[spec.Name] = series
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

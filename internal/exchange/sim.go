package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"trader/internal/market"
	"trader/internal/risk"
	"trader/internal/strategy"
)

// SimConfig tunes the in-memory exchange used by replay and tests.
type SimConfig struct {
	InitialBalance float64
	Leverage       float64
	// MarginType is ISOLATED or CROSSED; the sim only reports it.
	MarginType string
	// FeePct is the taker fee per fill, e.g. 0.0005.
	FeePct float64
	// SlippagePct shifts market fills against the order direction.
	SlippagePct float64
}

func (c SimConfig) withDefaults() SimConfig {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10_000
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MarginType == "" {
		c.MarginType = "ISOLATED"
	}
	return c
}

// Sim is a deterministic in-memory exchange. Market orders fill at the
// current mark price plus configured slippage; klines are served from
// preloaded history. The same inputs always produce the same fills.
type Sim struct {
	mu      sync.Mutex
	cfg     SimConfig
	balance float64
	marks   map[string]float64
	history map[string][]market.Candle
	meta    map[string]risk.Instrument
	fills   []Fill
}

// NewSim creates an empty simulator.
func NewSim(cfg SimConfig) *Sim {
	cfg = cfg.withDefaults()
	return &Sim{
		cfg:     cfg,
		balance: cfg.InitialBalance,
		marks:   map[string]float64{},
		history: map[string][]market.Candle{},
		meta:    map[string]risk.Instrument{},
	}
}

// LoadHistory registers the candle history served by Klines.
func (s *Sim) LoadHistory(symbol string, candles []market.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[symbol] = append([]market.Candle(nil), candles...)
	if len(candles) > 0 {
		s.marks[symbol] = candles[len(candles)-1].Close
	}
}

// SetInstrument registers the exchange filters for a symbol.
func (s *Sim) SetInstrument(symbol string, ins risk.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[symbol] = ins
}

// MarkPrice moves the price market orders fill against.
func (s *Sim) MarkPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
}

// PlaceMarketOrder fills immediately at mark price with slippage and fee.
func (s *Sim) PlaceMarketOrder(_ context.Context, req OrderRequest) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Quantity <= 0 {
		return Fill{}, errors.Wrap(ErrOrderRejected, "quantity must be positive")
	}
	mark, ok := s.marks[req.Symbol]
	if !ok || mark <= 0 {
		return Fill{}, errors.Wrap(ErrUnknownSymbol, req.Symbol)
	}

	price := mark
	switch req.Direction {
	case strategy.DirectionLong:
		price *= 1 + s.cfg.SlippagePct
	case strategy.DirectionShort:
		price *= 1 - s.cfg.SlippagePct
	default:
		return Fill{}, errors.Wrap(ErrOrderRejected, "no direction")
	}

	fill := Fill{
		Symbol:   req.Symbol,
		Price:    price,
		Quantity: req.Quantity,
		Fee:      price * req.Quantity * s.cfg.FeePct,
		Time:     time.Now().UTC(),
	}
	s.fills = append(s.fills, fill)
	return fill, nil
}

// Account reports the simulated balance.
func (s *Sim) Account(context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Account{Balance: s.balance, Leverage: s.cfg.Leverage, MarginType: s.cfg.MarginType}, nil
}

// Settle applies realized profit or loss to the balance.
func (s *Sim) Settle(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += pnl
}

// Instrument returns the registered filters, or permissive defaults.
func (s *Sim) Instrument(_ context.Context, symbol string) (risk.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ins, ok := s.meta[symbol]; ok {
		return ins, nil
	}
	return risk.Instrument{}, nil
}

// Klines serves the preloaded history within [start, end).
func (s *Sim) Klines(_ context.Context, symbol string, _ time.Duration, start, end time.Time) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.history[symbol]
	if !ok {
		return nil, errors.Wrap(ErrUnknownSymbol, symbol)
	}
	out := make([]market.Candle, 0, len(src))
	for _, c := range src {
		if c.OpenTime.Before(start) || !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Fills returns every fill recorded so far.
func (s *Sim) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills...)
}

package engine

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/book"
	"trader/internal/exchange"
	"trader/internal/journal"
	"trader/internal/market"
	"trader/internal/obs"
	"trader/internal/position"
	"trader/internal/risk"
	"trader/internal/strategy"
)

// ContextDeps wires one SymbolContext. All fields are required except
// Journal and Metrics, which default to no-ops.
type ContextDeps struct {
	Symbol    string
	Strategy  strategy.Strategy
	Sync      *market.Synchronizer
	Book      *book.Book
	Sizer     *risk.Sizer
	Client    exchange.TradingClient
	Admission *Admission
	Journal   journal.Journal
	Metrics   *obs.Metrics
	Clock     Clock
	// FillTimeout bounds how long a pending entry waits for its fill.
	FillTimeout time.Duration
}

// SymbolContext is one (symbol, strategy) unit of work. Exactly one
// worker processes a given context at a time; the only state shared with
// other goroutines is the order book and the admission counter.
type SymbolContext struct {
	symbol  string
	strat   strategy.Strategy
	state   *strategy.State
	sync    *market.Synchronizer
	book    *book.Book
	machine *position.Machine
	sizer   *risk.Sizer
	client  exchange.TradingClient
	admit   *Admission
	journal journal.Journal
	metrics *obs.Metrics
	clock   Clock
}

// NewSymbolContext builds a context in the Flat state.
func NewSymbolContext(deps ContextDeps) *SymbolContext {
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &SymbolContext{
		symbol:  deps.Symbol,
		strat:   deps.Strategy,
		state:   strategy.NewState(),
		sync:    deps.Sync,
		book:    deps.Book,
		machine: position.NewMachine(deps.FillTimeout),
		sizer:   deps.Sizer,
		client:  deps.Client,
		admit:   deps.Admission,
		journal: deps.Journal,
		metrics: deps.Metrics,
		clock:   deps.Clock,
	}
}

// Symbol returns the traded symbol.
func (s *SymbolContext) Symbol() string { return s.symbol }

// StrategyName returns the strategy instance name.
func (s *SymbolContext) StrategyName() string { return s.strat.Name() }

// Status exposes the position lifecycle state.
func (s *SymbolContext) Status() position.Status { return s.machine.Status() }

// Backfill seeds the candle window from history.
func (s *SymbolContext) Backfill(ctx context.Context) error {
	return s.sync.Backfill(ctx, s.clock.Now())
}

// OnClosedCandle runs one full evaluation cycle for a finalized candle.
func (s *SymbolContext) OnClosedCandle(ctx context.Context, c market.Candle) error {
	start := time.Now()
	defer func() {
		s.metrics.ObserveEvaluation(time.Since(start))
	}()

	appended, err := s.sync.OnCandle(c, true)
	if err != nil {
		s.metrics.IncDegradedSymbol()
		// the window lost integrity; rebuild it before the next close
		if bfErr := s.sync.Backfill(ctx, s.clock.Now()); bfErr != nil {
			return errors.Wrap(bfErr, "re-backfill after gap").With("symbol", s.symbol)
		}
		return errors.Wrap(err, "window gap recovered by backfill").With("symbol", s.symbol)
	}
	if !appended {
		return nil
	}

	now := s.clock.Now()
	switch s.machine.Status() {
	case position.StatusPendingEntry:
		s.checkPendingEntry(ctx, now)
	case position.StatusOpen:
		s.manageOpen(ctx, c, now)
	}

	if s.machine.Status() == position.StatusFlat {
		s.evaluateEntry(ctx, now)
	}
	return nil
}

// OnTick handles a non-final candle update. In-progress candles are
// never evaluated; ticks only age out stuck pending entries.
func (s *SymbolContext) OnTick(ctx context.Context) {
	if s.machine.Status() == position.StatusPendingEntry {
		s.checkPendingEntry(ctx, s.clock.Now())
	}
}

// CloseForShutdown force-closes an open position at the last close price.
func (s *SymbolContext) CloseForShutdown(ctx context.Context, reason position.CloseReason) {
	pos, ok := s.machine.Position()
	if !ok {
		return
	}
	w := s.sync.View()
	last, ok := w.Last()
	if !ok {
		return
	}
	s.closePosition(ctx, pos, last.Close, reason, s.clock.Now())
}

func (s *SymbolContext) checkPendingEntry(ctx context.Context, now time.Time) {
	if !s.machine.FillTimedOut(now) {
		return
	}
	sig, err := s.machine.AbandonEntry()
	if err != nil {
		return
	}
	s.admit.Release()
	logs.Warnf("abandon entry after fill timeout: %s %s", sig.Symbol, sig.Strategy)
	s.recordTransition(ctx, position.StatusPendingEntry, position.StatusFlat, now)
}

func (s *SymbolContext) manageOpen(ctx context.Context, c market.Candle, now time.Time) {
	pos, ok := s.machine.Position()
	if !ok {
		return
	}

	if price, reason, hit := s.machine.ResolveTouch(c); hit {
		s.closePosition(ctx, pos, price, reason, now)
		return
	}

	w := s.sync.View()
	adj := s.strat.AdjustOpenPosition(pos.View(), w, s.book)
	switch adj.Command {
	case strategy.CommandMoveStop:
		if err := s.machine.MoveStop(adj.StopPrice); err != nil {
			// a loosening candidate is expected noise from the ratchet
			if !errors.Is(err, position.ErrStopLoosened) {
				logs.Warnf("move stop %s: %+v", s.symbol, err)
			}
		}
	case strategy.CommandArmBreakeven:
		if err := s.machine.ArmBreakeven(adj.StopPrice); err != nil {
			logs.Warnf("arm breakeven %s: %+v", s.symbol, err)
		}
	case strategy.CommandClose:
		s.closePosition(ctx, pos, c.Close, position.CloseCommand, now)
	}
}

func (s *SymbolContext) evaluateEntry(ctx context.Context, now time.Time) {
	w := s.sync.View()
	sig, ok := s.strat.EvaluateEntry(s.symbol, w, s.book, s.state)
	if !ok {
		return
	}
	s.metrics.IncSignal()

	if err := s.admit.Acquire(); err != nil {
		s.metrics.IncCapacityRejection()
		s.recordSignal(ctx, sig, false, err.Error())
		return
	}

	if err := s.openPosition(ctx, sig, w, now); err != nil {
		s.admit.Release()
		s.recordSignal(ctx, sig, false, err.Error())
		logs.Warnf("open position %s %s: %+v", s.symbol, sig.Strategy, err)
		return
	}
	s.recordSignal(ctx, sig, true, "")
}

func (s *SymbolContext) openPosition(ctx context.Context, sig strategy.Signal, w *market.Window, now time.Time) error {
	acct, err := s.client.Account(ctx)
	if err != nil {
		return errors.Wrap(err, "query account")
	}
	ins, err := s.client.Instrument(ctx, s.symbol)
	if err != nil {
		return errors.Wrap(err, "query instrument")
	}

	stops := s.strat.ComputeInitialStops(sig.Price, sig.Direction, w)
	qty, err := s.sizer.Size(acct.Balance, sig.Price, stops.StopLoss, ins)
	if err != nil {
		return errors.Wrap(err, "size position")
	}

	if err := s.machine.RequestEntry(sig, qty, now); err != nil {
		return errors.Wrap(err, "request entry")
	}
	s.recordTransition(ctx, position.StatusFlat, position.StatusPendingEntry, now)

	fill, err := s.client.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:    s.symbol,
		Direction: sig.Direction,
		Quantity:  qty,
	})
	if err != nil {
		if _, abandonErr := s.machine.AbandonEntry(); abandonErr == nil {
			s.recordTransition(ctx, position.StatusPendingEntry, position.StatusFlat, now)
		}
		return errors.Wrap(err, "place entry order")
	}

	// stops anchor on the actual fill, not the signal price
	filledStops := s.strat.ComputeInitialStops(fill.Price, sig.Direction, w)
	if _, err := s.machine.ConfirmFill(fill.Price, filledStops, now); err != nil {
		return errors.Wrap(err, "confirm fill")
	}
	s.metrics.IncPositionOpened()
	s.recordTransition(ctx, position.StatusPendingEntry, position.StatusOpen, now)
	logs.Infof("opened %s %s %s qty=%v entry=%v sl=%v tp=%v",
		s.symbol, sig.Strategy, sig.Direction, qty, fill.Price, filledStops.StopLoss, filledStops.TakeProfit)
	return nil
}

func (s *SymbolContext) closePosition(ctx context.Context, pos position.Position, price float64, reason position.CloseReason, now time.Time) {
	_, err := s.client.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:     s.symbol,
		Direction:  pos.Direction.Opposite(),
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		// position stays open; the next cycle retries
		logs.Errorf("close order %s: %+v", s.symbol, err)
		return
	}

	closed, err := s.machine.Close(price, reason, now)
	if err != nil {
		logs.Errorf("close position %s: %+v", s.symbol, err)
		return
	}
	s.admit.Release()
	s.metrics.IncPositionClosed()
	s.state.Reset()
	s.recordTransition(ctx, position.StatusOpen, position.StatusClosed, now)
	if err := s.journal.RecordClose(ctx, closed); err != nil {
		logs.Warnf("journal close: %+v", err)
	}
	logs.Infof("closed %s %s %s exit=%v pnl=%v reason=%s",
		s.symbol, closed.StrategyID, closed.Direction, closed.ExitPrice, closed.PnL(), reason)
}

func (s *SymbolContext) recordSignal(ctx context.Context, sig strategy.Signal, admitted bool, reject string) {
	if err := s.journal.RecordSignal(ctx, journal.SignalEvent{Signal: sig, Admitted: admitted, Reject: reject}); err != nil {
		logs.Warnf("journal signal: %+v", err)
	}
}

func (s *SymbolContext) recordTransition(ctx context.Context, from, to position.Status, now time.Time) {
	if err := s.journal.RecordTransition(ctx, journal.TransitionEvent{
		Symbol:     s.symbol,
		StrategyID: s.strat.Name(),
		From:       from,
		To:         to,
		Time:       now,
	}); err != nil {
		logs.Warnf("journal transition: %+v", err)
	}
}

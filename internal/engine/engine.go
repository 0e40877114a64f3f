package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"trader/internal/book"
	"trader/internal/obs"
	"trader/internal/position"
)

var ErrAlreadyRunning = errors.New("engine already running")

// Config bounds the orchestrator's concurrency.
type Config struct {
	Workers int
	// QueueSize is the per-symbol, per-lane event queue capacity.
	QueueSize int
	// MaxConcurrentSymbols bounds how many symbols ingest at once;
	// the rest wait for a slot.
	MaxConcurrentSymbols int
	// DrainTimeout bounds how long shutdown waits for in-flight work.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxConcurrentSymbols <= 0 {
		c.MaxConcurrentSymbols = 50
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// symbolUnit groups the contexts and plumbing of one symbol.
type symbolUnit struct {
	symbol   string
	contexts []*SymbolContext
	book     *book.Book
	queue    *Queue
	// scheduled is set while the unit sits in the ready channel or a
	// worker is draining it, so only one worker ever touches it.
	scheduled uint32
}

// Engine is the orchestrator: it owns all symbol units, fans events into
// per-symbol queues, and evaluates them on a bounded worker pool. Events
// for one symbol are processed in arrival order; cross-symbol order is
// unspecified.
type Engine struct {
	cfg     Config
	metrics *obs.Metrics

	mu      sync.Mutex
	units   map[string]*symbolUnit
	ready   chan *symbolUnit
	slots   chan struct{}
	running uint32
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates an engine with no symbols registered.
func New(cfg Config, metrics *obs.Metrics) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		metrics: metrics,
		units:   map[string]*symbolUnit{},
		slots:   make(chan struct{}, cfg.MaxConcurrentSymbols),
	}
}

// Register adds a symbol with its shared book and strategy contexts.
// All registration happens before Start.
func (e *Engine) Register(symbol string, bk *book.Book, contexts ...*SymbolContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.units[symbol] = &symbolUnit{
		symbol:   symbol,
		contexts: contexts,
		book:     bk,
		queue:    NewQueue(e.cfg.QueueSize),
	}
}

// Unit returns the queue for a symbol's ingestion task.
func (e *Engine) Unit(symbol string) (*Queue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.units[symbol]
	if !ok {
		return nil, false
	}
	return u.queue, true
}

// AcquireSymbolSlot blocks until an ingestion slot is free.
func (e *Engine) AcquireSymbolSlot(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSymbolSlot frees an ingestion slot.
func (e *Engine) ReleaseSymbolSlot() {
	select {
	case <-e.slots:
	default:
	}
}

// Start backfills every context and launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&e.running, 0, 1) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.mu.Lock()
	e.ready = make(chan *symbolUnit, len(e.units)+1)
	units := make([]*symbolUnit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.Unlock()

	for _, u := range units {
		for _, sc := range u.contexts {
			if err := sc.Backfill(runCtx); err != nil {
				logs.Warnf("backfill %s %s: %+v", u.symbol, sc.StrategyName(), err)
			}
		}
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	return nil
}

// Publish routes an event to its symbol queue and schedules evaluation.
// Closed-candle events block when the queue is full; others may drop.
// Book mutations happen in the ingestion task before publishing; the
// event only nudges evaluation.
func (e *Engine) Publish(ctx context.Context, ev Event) error {
	e.mu.Lock()
	u, ok := e.units[ev.Symbol]
	e.mu.Unlock()
	if !ok {
		return errors.Errorf("symbol not registered: %s", ev.Symbol)
	}

	var err error
	if ev.Kind == EventCandleClosed {
		err = u.queue.PublishClosed(ctx, ev)
	} else {
		before := u.queue.Drops()
		err = u.queue.PublishTick(ev)
		if u.queue.Drops() > before {
			e.metrics.IncQueueDrop()
		}
	}
	if err != nil {
		if errors.Is(err, ErrQueueClosed) {
			e.metrics.IncQueueClosed()
		}
		return err
	}

	e.schedule(u)
	return nil
}

func (e *Engine) schedule(u *symbolUnit) {
	if !atomic.CompareAndSwapUint32(&u.scheduled, 0, 1) {
		return
	}
	select {
	case e.ready <- u:
	default:
		// ready is sized for every unit; full means shutdown raced us
		atomic.StoreUint32(&u.scheduled, 0)
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-e.ready:
			if !ok {
				return
			}
			e.drain(ctx, u)
		}
	}
}

// drain processes everything queued for one unit. The scheduled flag is
// re-acquired when events slipped in behind the drain, so a unit is only
// ever touched by one worker.
func (e *Engine) drain(ctx context.Context, u *symbolUnit) {
	for {
		for {
			ev, ok := u.queue.TryDequeue()
			if !ok {
				break
			}
			e.dispatch(ctx, u, ev)
		}

		atomic.StoreUint32(&u.scheduled, 0)
		if !u.queue.HasPending() {
			return
		}
		if !atomic.CompareAndSwapUint32(&u.scheduled, 0, 1) {
			// a publisher already rescheduled the unit
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, u *symbolUnit, ev Event) {
	for _, sc := range u.contexts {
		e.evaluate(ctx, sc, ev)
	}
}

// evaluate isolates one context evaluation; a panicking strategy takes
// down its context's cycle, not the engine.
func (e *Engine) evaluate(ctx context.Context, sc *SymbolContext, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncPanicRecovered()
			logs.Errorf("evaluation panic %s %s: %v\n%s", sc.Symbol(), sc.StrategyName(), r, debug.Stack())
		}
	}()

	switch ev.Kind {
	case EventCandleClosed:
		if err := sc.OnClosedCandle(ctx, ev.Candle); err != nil {
			logs.Warnf("evaluate %s %s: %+v", sc.Symbol(), sc.StrategyName(), err)
		}
	case EventCandleTick, EventBookUpdate:
		sc.OnTick(ctx)
	}
}

// Stop closes all queues, drains in-flight evaluations within the drain
// timeout, then force-closes surviving positions.
func (e *Engine) Stop(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&e.running, 1, 0) {
		return
	}

	e.mu.Lock()
	units := make([]*symbolUnit, 0, len(e.units))
	for _, u := range e.units {
		units = append(units, u)
	}
	e.mu.Unlock()

	// stop accepting new data
	for _, u := range units {
		u.queue.Close()
	}

	// let workers finish what is queued
	deadline := time.NewTimer(e.cfg.DrainTimeout)
	defer deadline.Stop()
	drained := make(chan struct{})
	stopPoll := make(chan struct{})
	go func() {
		defer close(drained)
		for e.pendingEvents(units) > 0 {
			select {
			case <-stopPoll:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()
	select {
	case <-drained:
	case <-deadline.C:
		logs.Warnf("shutdown drain timeout, events remain")
	}
	close(stopPoll)

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	for _, u := range units {
		for _, sc := range u.contexts {
			sc.CloseForShutdown(ctx, position.CloseShutdown)
		}
	}
}

func (e *Engine) pendingEvents(units []*symbolUnit) int {
	n := 0
	for _, u := range units {
		if atomic.LoadUint32(&u.scheduled) != 0 {
			n++
		}
	}
	return n
}

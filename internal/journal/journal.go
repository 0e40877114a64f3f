// Package journal persists the engine's decision trail: emitted signals
// and the lifecycle transitions of every position.
package journal

import (
	"context"
	"sync"
	"time"

	"trader/internal/position"
	"trader/internal/strategy"
)

// SignalEvent records one emitted entry signal and whether the engine
// admitted it.
type SignalEvent struct {
	Signal   strategy.Signal
	Admitted bool
	// Reject holds the admission failure when Admitted is false.
	Reject string
}

// TransitionEvent records one position lifecycle change.
type TransitionEvent struct {
	Symbol     string
	StrategyID string
	From       position.Status
	To         position.Status
	Time       time.Time
}

// Journal receives the engine's decision trail. Implementations must be
// safe for concurrent use; writes must never block evaluation for long.
type Journal interface {
	RecordSignal(ctx context.Context, ev SignalEvent) error
	RecordTransition(ctx context.Context, ev TransitionEvent) error
	RecordClose(ctx context.Context, closed position.Closed) error
	Close() error
}

// Memory keeps the trail in process, for tests and replay reporting.
type Memory struct {
	mu          sync.Mutex
	signals     []SignalEvent
	transitions []TransitionEvent
	closes      []position.Closed
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordSignal(_ context.Context, ev SignalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, ev)
	return nil
}

func (m *Memory) RecordTransition(_ context.Context, ev TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, ev)
	return nil
}

func (m *Memory) RecordClose(_ context.Context, closed position.Closed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, closed)
	return nil
}

func (m *Memory) Close() error { return nil }

// Signals returns every recorded signal event.
func (m *Memory) Signals() []SignalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SignalEvent(nil), m.signals...)
}

// Transitions returns every recorded lifecycle change.
func (m *Memory) Transitions() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransitionEvent(nil), m.transitions...)
}

// Closes returns every closed position record.
func (m *Memory) Closes() []position.Closed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]position.Closed(nil), m.closes...)
}

// Nop discards the trail.
type Nop struct{}

func (Nop) RecordSignal(context.Context, SignalEvent) error         { return nil }
func (Nop) RecordTransition(context.Context, TransitionEvent) error { return nil }
func (Nop) RecordClose(context.Context, position.Closed) error      { return nil }
func (Nop) Close() error                                            { return nil }

package position

import (
	"time"

	"github.com/yanun0323/errors"

	"trader/internal/market"
	"trader/internal/strategy"
)

var (
	ErrNotFlat         = errors.New("position is not flat")
	ErrNotPending      = errors.New("no pending entry")
	ErrNotOpen         = errors.New("no open position")
	ErrStopLoosened    = errors.New("stop loss may only tighten")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Status is the lifecycle state of one (symbol, strategy) position slot.
type Status uint8

const (
	StatusFlat Status = iota
	StatusPendingEntry
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusFlat:
		return "Flat"
	case StatusPendingEntry:
		return "PendingEntry"
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason records why a position left the Open state.
type CloseReason uint8

const (
	CloseStopLoss CloseReason = iota
	CloseTakeProfit
	CloseCommand
	CloseShutdown
	CloseEndOfReplay
)

func (r CloseReason) String() string {
	switch r {
	case CloseStopLoss:
		return "stop_loss"
	case CloseTakeProfit:
		return "take_profit"
	case CloseCommand:
		return "command"
	case CloseShutdown:
		return "shutdown"
	case CloseEndOfReplay:
		return "end_of_replay"
	default:
		return "unknown"
	}
}

// Position is one open futures position. InitialStop keeps the stop level
// the trade was sized against, so breakeven arming can measure initial
// risk after the stop has trailed.
type Position struct {
	Symbol         string
	StrategyID     string
	Direction      strategy.Direction
	EntryPrice     float64
	Quantity       float64
	StopLoss       float64
	InitialStop    float64
	TakeProfit     float64
	BreakevenArmed bool
	OpenedAt       time.Time
}

// View exposes the read-only slice strategies may inspect.
func (p Position) View() strategy.PositionView {
	return strategy.PositionView{
		Symbol:         p.Symbol,
		Direction:      p.Direction,
		EntryPrice:     p.EntryPrice,
		StopLoss:       p.StopLoss,
		InitialStop:    p.InitialStop,
		TakeProfit:     p.TakeProfit,
		BreakevenArmed: p.BreakevenArmed,
	}
}

// Closed is the terminal record of one position instance.
type Closed struct {
	Position
	ExitPrice float64
	Reason    CloseReason
	ClosedAt  time.Time
}

// PnL is the realized profit before fees.
func (c Closed) PnL() float64 {
	if c.Direction == strategy.DirectionShort {
		return (c.EntryPrice - c.ExitPrice) * c.Quantity
	}
	return (c.ExitPrice - c.EntryPrice) * c.Quantity
}

// Machine owns the lifecycle Flat -> PendingEntry -> Open -> Closed for
// one (symbol, strategy) context. At most one position is ever open; a
// closed instance returns the machine to Flat for the next signal.
type Machine struct {
	status       Status
	pos          Position
	pendingSig   strategy.Signal
	pendingQty   float64
	pendingSince time.Time
	fillTimeout  time.Duration
}

// NewMachine creates a flat machine. fillTimeout bounds how long a pending
// entry waits for its fill confirmation.
func NewMachine(fillTimeout time.Duration) *Machine {
	if fillTimeout <= 0 {
		fillTimeout = 30 * time.Second
	}
	return &Machine{fillTimeout: fillTimeout}
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status { return m.status }

// Position returns the open position, if any.
func (m *Machine) Position() (Position, bool) {
	if m.status != StatusOpen {
		return Position{}, false
	}
	return m.pos, true
}

// PendingSignal returns the signal awaiting fill confirmation.
func (m *Machine) PendingSignal() (strategy.Signal, bool) {
	if m.status != StatusPendingEntry {
		return strategy.Signal{}, false
	}
	return m.pendingSig, true
}

// RequestEntry moves Flat -> PendingEntry for an accepted, sized signal.
func (m *Machine) RequestEntry(sig strategy.Signal, qty float64, now time.Time) error {
	if m.status != StatusFlat {
		return ErrNotFlat
	}
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	m.pendingSig = sig
	m.pendingQty = qty
	m.pendingSince = now
	m.status = StatusPendingEntry
	return nil
}

// FillTimedOut reports whether the pending entry waited past the timeout.
func (m *Machine) FillTimedOut(now time.Time) bool {
	return m.status == StatusPendingEntry && now.Sub(m.pendingSince) > m.fillTimeout
}

// AbandonEntry moves PendingEntry -> Flat without opening. The abandoned
// signal is returned for reporting; it is not retried.
func (m *Machine) AbandonEntry() (strategy.Signal, error) {
	if m.status != StatusPendingEntry {
		return strategy.Signal{}, ErrNotPending
	}
	sig := m.pendingSig
	m.reset()
	return sig, nil
}

// ConfirmFill moves PendingEntry -> Open using the actual fill price.
// Stops must already be computed from that price.
func (m *Machine) ConfirmFill(entryPrice float64, stops strategy.Stops, now time.Time) (Position, error) {
	if m.status != StatusPendingEntry {
		return Position{}, ErrNotPending
	}
	m.pos = Position{
		Symbol:      m.pendingSig.Symbol,
		StrategyID:  m.pendingSig.Strategy,
		Direction:   m.pendingSig.Direction,
		EntryPrice:  entryPrice,
		Quantity:    m.pendingQty,
		StopLoss:    stops.StopLoss,
		InitialStop: stops.StopLoss,
		TakeProfit:  stops.TakeProfit,
		OpenedAt:    now,
	}
	m.status = StatusOpen
	return m.pos, nil
}

// MoveStop tightens the stop loss. A candidate that loosens the stop is
// rejected: stops only ratchet toward profit.
func (m *Machine) MoveStop(price float64) error {
	if m.status != StatusOpen {
		return ErrNotOpen
	}
	if !m.tightens(price) {
		return ErrStopLoosened
	}
	m.pos.StopLoss = price
	return nil
}

// ArmBreakeven moves the stop to the entry-based price exactly once.
// Calls after arming are no-ops, keeping the transition idempotent.
func (m *Machine) ArmBreakeven(price float64) error {
	if m.status != StatusOpen {
		return ErrNotOpen
	}
	if m.pos.BreakevenArmed {
		return nil
	}
	if m.tightens(price) {
		m.pos.StopLoss = price
	}
	m.pos.BreakevenArmed = true
	return nil
}

func (m *Machine) tightens(price float64) bool {
	if price <= 0 {
		return false
	}
	if m.pos.StopLoss <= 0 {
		return true
	}
	if m.pos.Direction == strategy.DirectionShort {
		return price < m.pos.StopLoss
	}
	return price > m.pos.StopLoss
}

// ResolveTouch checks the candle's high/low range against the protective
// levels. When both levels sit inside one candle's range the adverse
// outcome wins (stop before target) unless the candle opened beyond one
// level, which resolves that level first at the open price.
func (m *Machine) ResolveTouch(c market.Candle) (float64, CloseReason, bool) {
	if m.status != StatusOpen {
		return 0, 0, false
	}
	pos := m.pos
	long := pos.Direction == strategy.DirectionLong

	slHit := pos.StopLoss > 0 && ((long && c.Low <= pos.StopLoss) || (!long && c.High >= pos.StopLoss))
	tpHit := pos.TakeProfit > 0 && ((long && c.High >= pos.TakeProfit) || (!long && c.Low <= pos.TakeProfit))
	if !slHit && !tpHit {
		return 0, 0, false
	}

	slGap := pos.StopLoss > 0 && ((long && c.Open <= pos.StopLoss) || (!long && c.Open >= pos.StopLoss))
	tpGap := pos.TakeProfit > 0 && ((long && c.Open >= pos.TakeProfit) || (!long && c.Open <= pos.TakeProfit))
	switch {
	case slGap:
		return c.Open, CloseStopLoss, true
	case tpGap:
		return c.Open, CloseTakeProfit, true
	case slHit:
		return pos.StopLoss, CloseStopLoss, true
	default:
		return pos.TakeProfit, CloseTakeProfit, true
	}
}

// Close moves Open -> Closed and returns the machine to Flat for the next
// signal. The returned record is the terminal view of this instance.
func (m *Machine) Close(exitPrice float64, reason CloseReason, now time.Time) (Closed, error) {
	if m.status != StatusOpen {
		return Closed{}, ErrNotOpen
	}
	closed := Closed{
		Position:  m.pos,
		ExitPrice: exitPrice,
		Reason:    reason,
		ClosedAt:  now,
	}
	m.reset()
	return closed, nil
}

func (m *Machine) reset() {
	m.status = StatusFlat
	m.pos = Position{}
	m.pendingSig = strategy.Signal{}
	m.pendingQty = 0
	m.pendingSince = time.Time{}
}

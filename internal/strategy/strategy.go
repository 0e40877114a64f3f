package strategy

import (
	"time"

	"trader/internal/book"
	"trader/internal/market"
)

// Direction is the side of a signal or position.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "Long"
	case DirectionShort:
		return "Short"
	default:
		return "None"
	}
}

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNone
	}
}

// Signal is an entry request produced at most once per closed candle per
// context.
type Signal struct {
	Symbol    string
	Strategy  string
	Direction Direction
	Price     float64
	Time      time.Time
	Reason    string
}

// Stops are the initial protective levels for a new position. Zero means
// the level is not set.
type Stops struct {
	StopLoss   float64
	TakeProfit float64
}

// Command tells the position owner what to do with an open position.
type Command uint8

const (
	CommandNone Command = iota
	CommandMoveStop
	CommandArmBreakeven
	CommandClose
)

func (c Command) String() string {
	switch c {
	case CommandMoveStop:
		return "MoveStop"
	case CommandArmBreakeven:
		return "ArmBreakeven"
	case CommandClose:
		return "ClosePosition"
	default:
		return "NoOp"
	}
}

// Adjustment is the outcome of one open-position evaluation.
type Adjustment struct {
	Command   Command
	StopPrice float64
	Reason    string
}

// PositionView is the read-only slice of position state a strategy may
// inspect while adjusting.
type PositionView struct {
	Symbol         string
	Direction      Direction
	EntryPrice     float64
	StopLoss       float64
	InitialStop    float64
	TakeProfit     float64
	BreakevenArmed bool
}

// State carries strategy-local one-shot flags. It lives on the symbol
// context rather than the strategy instance so replay can serialize and
// reset it.
type State struct {
	flags map[string]bool
}

// NewState allocates an empty flag set.
func NewState() *State {
	return &State{flags: make(map[string]bool)}
}

// Arm sets a one-shot flag.
func (s *State) Arm(key string) { s.flags[key] = true }

// Armed reports whether a flag is set.
func (s *State) Armed(key string) bool { return s.flags[key] }

// Consume clears a flag and reports whether it was set.
func (s *State) Consume(key string) bool {
	set := s.flags[key]
	delete(s.flags, key)
	return set
}

// Reset clears all flags.
func (s *State) Reset() {
	for k := range s.flags {
		delete(s.flags, k)
	}
}

// Strategy is the contract every variant implements. EvaluateEntry must be
// a pure function of the closed-candle window and book, except for
// documented one-shot flags on State.
type Strategy interface {
	Name() string

	// Lookback is the number of closed candles the strategy needs before
	// it can evaluate.
	Lookback() int

	// EvaluateEntry inspects the window and book after a candle close and
	// returns an entry signal, or false when there is none.
	EvaluateEntry(symbol string, w *market.Window, b *book.Book, st *State) (Signal, bool)

	// ComputeInitialStops derives protective levels from the actual entry
	// price, which may differ from the signal price.
	ComputeInitialStops(entry float64, dir Direction, w *market.Window) Stops

	// AdjustOpenPosition proposes at most one command for an open
	// position on each closed candle.
	AdjustOpenPosition(pos PositionView, w *market.Window, b *book.Book) Adjustment
}

package risk

import (
	"math"

	"github.com/yanun0323/errors"
)

var (
	ErrBadPrice           = errors.New("entry and stop prices must be positive")
	ErrZeroStopDistance   = errors.New("stop distance is zero")
	ErrNoBalance          = errors.New("account balance is not positive")
	ErrBelowMinimum       = errors.New("sized quantity below instrument minimum")
	ErrInsufficientMargin = errors.New("margin cap leaves no tradable quantity")
)

// Instrument carries the exchange filters a quantity must satisfy.
type Instrument struct {
	StepSize    float64
	MinQuantity float64
	MinNotional float64
}

// Config defines the account-level sizing limits.
type Config struct {
	// RiskPct is the fraction of balance put at risk per trade, e.g. 0.01.
	RiskPct float64
	// Leverage caps position notional at balance*Leverage.
	Leverage float64
	// MarginUsageCap bounds the share of balance pledged as margin, 0..1.
	MarginUsageCap float64
}

func (c Config) withDefaults() Config {
	if c.RiskPct <= 0 {
		c.RiskPct = 0.01
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MarginUsageCap <= 0 || c.MarginUsageCap > 1 {
		c.MarginUsageCap = 1
	}
	return c
}

// Sizer turns a (balance, entry, stop) triple into an order quantity.
type Sizer struct {
	cfg Config
}

// NewSizer creates a sizer with static limits.
func NewSizer(cfg Config) *Sizer {
	return &Sizer{cfg: cfg.withDefaults()}
}

// Size computes the order quantity so that a fill at entry stopped out at
// stop loses RiskPct of balance, then clamps by the margin the leverage
// allows and floors to the instrument step. Quantities below the
// instrument minimum are rejected, never padded up.
func (s *Sizer) Size(balance, entry, stop float64, ins Instrument) (float64, error) {
	if entry <= 0 || stop <= 0 {
		return 0, ErrBadPrice
	}
	stopDist := math.Abs(entry - stop)
	if stopDist <= 0 {
		return 0, ErrZeroStopDistance
	}
	if balance <= 0 {
		return 0, ErrNoBalance
	}

	qty := balance * s.cfg.RiskPct / stopDist
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return 0, errors.Errorf("risk quantity invalid: %v", qty)
	}

	maxByMargin := balance * s.cfg.MarginUsageCap * s.cfg.Leverage / entry
	if maxByMargin <= 0 {
		return 0, ErrInsufficientMargin
	}
	if qty > maxByMargin {
		qty = maxByMargin
	}

	qty = floorStep(qty, ins.StepSize)
	if qty <= 0 || (ins.MinQuantity > 0 && qty < ins.MinQuantity) {
		return 0, ErrBelowMinimum
	}
	if ins.MinNotional > 0 && qty*entry < ins.MinNotional {
		return 0, ErrBelowMinimum
	}
	return qty, nil
}

// RequiredMargin is the margin a fill of qty at price would pledge.
func (s *Sizer) RequiredMargin(qty, price float64) float64 {
	return qty * price / s.cfg.Leverage
}

func floorStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

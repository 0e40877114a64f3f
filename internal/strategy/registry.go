package strategy

import (
	"sort"

	"github.com/yanun0323/errors"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Constructor builds a strategy instance from its parameter set.
type Constructor func(p Params) (Strategy, error)

// registry is the closed table of available strategies. Registration is
// compile-time only; there is no runtime lookup beyond this map.
var registry = map[string]Constructor{
	"ema_trend":   NewEMATrend,
	"macd_filter": NewMACDFilter,
	"ma_cross":    NewMACross,
}

// New constructs a strategy by registry name.
func New(name string, p Params) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownStrategy, name)
	}
	return ctor(p)
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

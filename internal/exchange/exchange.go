package exchange

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"trader/internal/risk"
	"trader/internal/strategy"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// OrderRequest asks for a market order. Reduce-only orders close an
// existing position and never open a new one.
type OrderRequest struct {
	Symbol     string
	Direction  strategy.Direction
	Quantity   float64
	ReduceOnly bool
}

// Fill is the confirmed execution of an order request.
type Fill struct {
	Symbol   string
	Price    float64
	Quantity float64
	Fee      float64
	Time     time.Time
}

// Account is the balance snapshot the sizer reads.
type Account struct {
	Balance    float64
	Leverage   float64
	MarginType string
}

// TradingClient is the order-side surface of an exchange. Every call
// reports success or failure explicitly; there are no silent partials.
type TradingClient interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error)
	Account(ctx context.Context) (Account, error)
	Instrument(ctx context.Context, symbol string) (risk.Instrument, error)
}

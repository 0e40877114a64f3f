package journal

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"trader/internal/position"
	"trader/pkg/conn"
)

// SignalRow is the signals table.
type SignalRow struct {
	ID        uint `gorm:"primaryKey"`
	Symbol    string
	Strategy  string
	Direction string
	Price     float64
	Reason    string
	Admitted  bool
	Reject    string
	SignalAt  time.Time
	CreatedAt time.Time
}

func (SignalRow) TableName() string { return "signals" }

// TransitionRow is the position_transitions table.
type TransitionRow struct {
	ID           uint `gorm:"primaryKey"`
	Symbol       string
	Strategy     string
	FromStatus   string
	ToStatus     string
	TransitionAt time.Time
	CreatedAt    time.Time
}

func (TransitionRow) TableName() string { return "position_transitions" }

// TradeRow is the trades table, one row per closed position.
type TradeRow struct {
	ID         uint `gorm:"primaryKey"`
	Symbol     string
	Strategy   string
	Direction  string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	Pnl        float64
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time
	CreatedAt  time.Time
}

func (TradeRow) TableName() string { return "trades" }

// Postgres persists the decision trail through gorm.
type Postgres struct {
	client *conn.Client
}

// NewPostgres connects, pings, and migrates the journal tables.
func NewPostgres(ctx context.Context, opt conn.Option) (*Postgres, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := client.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := client.DB().AutoMigrate(&SignalRow{}, &TransitionRow{}, &TradeRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal tables")
	}
	return &Postgres{client: client}, nil
}

func (p *Postgres) db(ctx context.Context) *gorm.DB {
	return p.client.DB().WithContext(ctx)
}

func (p *Postgres) RecordSignal(ctx context.Context, ev SignalEvent) error {
	row := SignalRow{
		Symbol:    ev.Signal.Symbol,
		Strategy:  ev.Signal.Strategy,
		Direction: ev.Signal.Direction.String(),
		Price:     ev.Signal.Price,
		Reason:    ev.Signal.Reason,
		Admitted:  ev.Admitted,
		Reject:    ev.Reject,
		SignalAt:  ev.Signal.Time,
	}
	if err := p.db(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "insert signal")
	}
	return nil
}

func (p *Postgres) RecordTransition(ctx context.Context, ev TransitionEvent) error {
	row := TransitionRow{
		Symbol:       ev.Symbol,
		Strategy:     ev.StrategyID,
		FromStatus:   ev.From.String(),
		ToStatus:     ev.To.String(),
		TransitionAt: ev.Time,
	}
	if err := p.db(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "insert transition")
	}
	return nil
}

func (p *Postgres) RecordClose(ctx context.Context, closed position.Closed) error {
	row := TradeRow{
		Symbol:     closed.Symbol,
		Strategy:   closed.StrategyID,
		Direction:  closed.Direction.String(),
		EntryPrice: closed.EntryPrice,
		ExitPrice:  closed.ExitPrice,
		Quantity:   closed.Quantity,
		Pnl:        closed.PnL(),
		Reason:     closed.Reason.String(),
		OpenedAt:   closed.OpenedAt,
		ClosedAt:   closed.ClosedAt,
	}
	if err := p.db(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "insert trade")
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

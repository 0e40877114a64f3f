package replay

import (
	"fmt"
	"math"
	"strings"

	"trader/internal/position"
)

// Report summarizes a finished replay.
type Report struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	NetPnL       float64
	Fees         float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64
	AvgWin       float64
	AvgLoss      float64
	MaxDrawdown  float64
	FinalBalance float64
	Closes       []position.Closed
}

func (d *Driver) buildReport() Report {
	closes := d.journal.Closes()
	r := Report{
		Trades: len(closes),
		Closes: closes,
	}

	equity := d.cfg.InitialBalance
	peak := equity
	for _, c := range closes {
		pnl := c.PnL()
		fees := (c.EntryPrice + c.ExitPrice) * c.Quantity * d.cfg.Trading.FeePct
		r.Fees += fees
		net := pnl - fees
		r.NetPnL += net

		if net > 0 {
			r.Wins++
			r.GrossProfit += net
		} else {
			r.Losses++
			r.GrossLoss += -net
		}

		equity += net
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
	}

	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	if r.Wins > 0 {
		r.AvgWin = r.GrossProfit / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = r.GrossLoss / float64(r.Losses)
	}
	if r.GrossLoss > 0 {
		r.ProfitFactor = r.GrossProfit / r.GrossLoss
	} else if r.GrossProfit > 0 {
		r.ProfitFactor = math.Inf(1)
	}
	r.FinalBalance = d.cfg.InitialBalance + r.NetPnL
	return r
}

// String renders the report for the replay command output.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "trades:        %d (%d wins / %d losses)\n", r.Trades, r.Wins, r.Losses)
	fmt.Fprintf(&b, "win rate:      %.1f%%\n", r.WinRate*100)
	fmt.Fprintf(&b, "net pnl:       %.2f\n", r.NetPnL)
	fmt.Fprintf(&b, "fees:          %.2f\n", r.Fees)
	if math.IsInf(r.ProfitFactor, 1) {
		fmt.Fprintf(&b, "profit factor: inf\n")
	} else {
		fmt.Fprintf(&b, "profit factor: %.2f\n", r.ProfitFactor)
	}
	fmt.Fprintf(&b, "avg win:       %.2f\n", r.AvgWin)
	fmt.Fprintf(&b, "avg loss:      %.2f\n", r.AvgLoss)
	fmt.Fprintf(&b, "max drawdown:  %.2f\n", r.MaxDrawdown)
	fmt.Fprintf(&b, "final balance: %.2f\n", r.FinalBalance)
	return b.String()
}

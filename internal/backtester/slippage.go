package backtester

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of a simulated fill
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// SlippageModel adjusts a reference price into a fill price
type SlippageModel interface {
	Apply(price decimal.Decimal, side Side) decimal.Decimal
}

// FixedSlippage applies a fixed basis-point penalty against the trader
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model
func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

// Fraction returns the slippage as a fraction of price
func (f *FixedSlippage) Fraction() decimal.Decimal {
	return f.BasisPoints.Div(decimal.NewFromInt(10000))
}

// Apply returns the price moved against the trader: up for buys, down for sells
func (f *FixedSlippage) Apply(price decimal.Decimal, side Side) decimal.Decimal {
	adj := price.Mul(f.Fraction())
	if side == SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

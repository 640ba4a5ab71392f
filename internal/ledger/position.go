// Package ledger provides a multi-position options book with bid/ask-aware
// fills, daily mark-to-market and aggregated Greeks.
package ledger

import (
	"time"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	// OptionMultiplier is the share count one option contract controls
	OptionMultiplier = 100
	// UnderlyingMultiplier applies to positions without an expiration
	UnderlyingMultiplier = 1
)

// Position is an open holding owned by one Book
type Position struct {
	ID         string          `json:"id"`
	EntryDate  time.Time       `json:"entryDate"`
	Expiration *time.Time      `json:"expiration,omitempty"`
	Strike     float64         `json:"strike"`
	Right      types.Right     `json:"right,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Mark       decimal.Decimal `json:"mark"`
	MarkDate   time.Time       `json:"markDate"`
	Greeks     types.Greeks    `json:"greeks"`
}

// IsOption reports whether the position is an option contract
func (p *Position) IsOption() bool { return p.Expiration != nil }

// IsLong reports whether the quantity is positive
func (p *Position) IsLong() bool { return p.Quantity.IsPositive() }

// Multiplier returns the contract multiplier
func (p *Position) Multiplier() decimal.Decimal {
	if p.IsOption() {
		return decimal.NewFromInt(OptionMultiplier)
	}
	return decimal.NewFromInt(UnderlyingMultiplier)
}

// MarketValue returns quantity x mark x multiplier, signed
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.Mark).Mul(p.Multiplier())
}

// UnrealizedPnL returns (mark - entry) x quantity x multiplier
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.Mark.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Multiplier())
}

// Trade is a closed position
type Trade struct {
	Position
	ExitDate  time.Time       `json:"exitDate"`
	ExitPrice decimal.Decimal `json:"exitPrice"`
	PnL       decimal.Decimal `json:"pnl"`
}

// Return is PnL over the absolute entry notional
func (t *Trade) Return() float64 {
	notional := t.EntryPrice.Mul(t.Quantity).Mul(t.Multiplier()).Abs()
	if notional.IsZero() {
		return 0
	}
	return t.PnL.Div(notional).InexactFloat64()
}

// EquitySnapshot is the book's state after one Update
type EquitySnapshot struct {
	Date        time.Time       `json:"date"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"marketValue"`
	Equity      decimal.Decimal `json:"equity"`
}

// Criteria filters open positions; nil fields match anything
type Criteria struct {
	Expiration *time.Time
	Strike     *float64
	Right      *types.Right
}

func (c Criteria) matches(p *Position) bool {
	if c.Expiration != nil {
		if p.Expiration == nil || !p.Expiration.Equal(*c.Expiration) {
			return false
		}
	}
	if c.Strike != nil && p.Strike != *c.Strike {
		return false
	}
	if c.Right != nil && p.Right != *c.Right {
		return false
	}
	return true
}

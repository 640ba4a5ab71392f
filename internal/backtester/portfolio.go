// Package backtester provides lag-guarded portfolio simulation and walk-forward optimization.
package backtester

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio manages simulated cash and holdings for one run
type Portfolio struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]*Holding
}

// Holding represents an open long holding
type Holding struct {
	Symbol       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	OpenedAt     time.Time
	Fees         decimal.Decimal
}

// NewPortfolio creates a new portfolio
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[string]*Holding),
	}
}

// Cash returns available cash
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Equity returns total equity (cash + holdings at their last mark)
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calculateEquity()
}

// Holding returns a copy of the holding for symbol, or nil
func (p *Portfolio) Holding(symbol string) *Holding {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.positions[symbol]
	if !ok {
		return nil
	}
	hc := *h
	return &hc
}

// Mark updates the price for a symbol
func (p *Portfolio) Mark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.positions[symbol]; ok {
		h.CurrentPrice = price
	}
}

// Buy adds quantity at price, paying commission out of cash
func (p *Portfolio) Buy(symbol string, ts time.Time, quantity, price, commission decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = p.cash.Sub(quantity.Mul(price)).Sub(commission)

	if h, ok := p.positions[symbol]; ok {
		totalQty := h.Quantity.Add(quantity)
		totalCost := h.Quantity.Mul(h.AvgPrice).Add(quantity.Mul(price))
		h.AvgPrice = totalCost.Div(totalQty)
		h.Quantity = totalQty
		h.CurrentPrice = price
		h.Fees = h.Fees.Add(commission)
		return
	}
	p.positions[symbol] = &Holding{
		Symbol:       symbol,
		Quantity:     quantity,
		AvgPrice:     price,
		CurrentPrice: price,
		OpenedAt:     ts,
		Fees:         commission,
	}
}

// Sell reduces a holding, returning realized PnL net of the entry and exit
// commissions attributable to the quantity sold. Quantity is clipped to the
// holding; selling a symbol that is not held is a no-op.
func (p *Portfolio) Sell(symbol string, quantity, price, commission decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.positions[symbol]
	if !ok || quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero
	}
	if quantity.GreaterThan(h.Quantity) {
		quantity = h.Quantity
	}

	entryFees := h.Fees.Mul(quantity).Div(h.Quantity)
	pnl := quantity.Mul(price.Sub(h.AvgPrice)).Sub(commission).Sub(entryFees)

	p.cash = p.cash.Add(quantity.Mul(price)).Sub(commission)
	h.Fees = h.Fees.Sub(entryFees)
	h.Quantity = h.Quantity.Sub(quantity)
	h.CurrentPrice = price

	if h.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, symbol)
	}
	return pnl, quantity
}

// calculateEquity calculates total equity (must hold lock)
func (p *Portfolio) calculateEquity() decimal.Decimal {
	equity := p.cash
	for _, h := range p.positions {
		equity = equity.Add(h.Quantity.Mul(h.CurrentPrice))
	}
	return equity
}

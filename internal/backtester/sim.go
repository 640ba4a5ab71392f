package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const simSymbol = "asset"

// Prices is the close series a simulation marks against, with an optional
// open column used for next-bar fills.
type Prices struct {
	Close series.Series
	Open  []float64
}

// NewPrices builds Prices from bars.
func NewPrices(symbol string, bars []types.Bar) Prices {
	idx := make([]time.Time, len(bars))
	closes := make([]float64, len(bars))
	opens := make([]float64, len(bars))
	for i, b := range bars {
		idx[i] = series.Normalize(b.Timestamp)
		closes[i] = b.Close
		opens[i] = b.Open
	}
	return Prices{Close: series.Series{Name: symbol, Index: idx, Values: closes}, Open: opens}
}

// Len returns the number of bars
func (p Prices) Len() int { return p.Close.Len() }

// Index returns the bar dates
func (p Prices) Index() []time.Time { return p.Close.Index }

// FillPrice returns the price an order acting at bar i executes at: the bar's
// open when known, else its close.
func (p Prices) FillPrice(i int) float64 {
	if len(p.Open) == p.Close.Len() {
		if o := p.Open[i]; !math.IsNaN(o) && o > 0 {
			return o
		}
	}
	return p.Close.Values[i]
}

// Filter keeps the bars where m is true.
func (p Prices) Filter(m series.Mask) (Prices, error) {
	closes, err := p.Close.Filter(m)
	if err != nil {
		return Prices{}, err
	}
	out := Prices{Close: closes}
	if len(p.Open) == p.Close.Len() {
		out.Open = make([]float64, 0, closes.Len())
		for i, keep := range m.Values {
			if keep {
				out.Open = append(out.Open, p.Open[i])
			}
		}
	}
	return out, nil
}

// Trade is one round trip of the simulated position
type Trade struct {
	EntryTime  time.Time `json:"entryTime"`
	ExitTime   time.Time `json:"exitTime,omitempty"`
	EntryPrice float64   `json:"entryPrice"`
	ExitPrice  float64   `json:"exitPrice"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	Return     float64   `json:"return"`
	Open       bool      `json:"open"`
}

// Simulator runs single-asset long-only simulations from already lagged instructions.
// Use a LagGuard rather than calling it directly with raw strategy signals.
type Simulator struct {
	logger         *zap.Logger
	periodsPerYear float64
}

// NewSimulator creates a simulator annualizing with periodsPerYear (252 when zero)
func NewSimulator(logger *zap.Logger, periodsPerYear float64) *Simulator {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &Simulator{logger: logger, periodsPerYear: periodsPerYear}
}

// PeriodsPerYear returns the annualization factor
func (s *Simulator) PeriodsPerYear() float64 { return s.periodsPerYear }

// run walks the bars. act is called at each bar before marking and returns the
// signed quantity to trade (NaN for none) given the current holding.
func (s *Simulator) run(p Prices, cfg types.SimConfig, act func(i int, held, equity, price float64) float64) (*Result, error) {
	if p.Len() == 0 {
		return nil, fmt.Errorf("cannot simulate an empty price series")
	}
	if cfg.InitCash <= 0 {
		cfg.InitCash = types.DefaultSimConfig().InitCash
	}

	port := NewPortfolio(decimal.NewFromFloat(cfg.InitCash))
	var slip SlippageModel = NewFixedSlippage(decimal.NewFromFloat(cfg.SlippageBps))
	feeRate := decimal.NewFromFloat(cfg.Fees)

	equity := make([]float64, p.Len())
	var trades []Trade
	var current *Trade

	for i := 0; i < p.Len(); i++ {
		ts := p.Close.Index[i]
		fill := p.FillPrice(i)
		held := 0.0
		if h := port.Holding(simSymbol); h != nil {
			held = h.Quantity.InexactFloat64()
		}

		if !math.IsNaN(fill) && fill > 0 {
			qty := act(i, held, port.Equity().InexactFloat64(), fill)
			switch {
			case qty > 0:
				price := slip.Apply(decimal.NewFromFloat(fill), SideBuy)
				q := decimal.NewFromFloat(qty)
				// Keep fees inside available cash.
				maxQty := port.Cash().Div(price.Mul(decimal.NewFromInt(1).Add(feeRate)))
				if q.GreaterThan(maxQty) {
					q = maxQty
				}
				if q.IsPositive() {
					port.Buy(simSymbol, ts, q, price, q.Mul(price).Mul(feeRate))
					if current == nil {
						current = &Trade{EntryTime: ts, EntryPrice: price.InexactFloat64()}
					}
					current.Quantity = port.Holding(simSymbol).Quantity.InexactFloat64()
					current.EntryPrice = port.Holding(simSymbol).AvgPrice.InexactFloat64()
				}
			case qty < 0 && held > 0:
				price := slip.Apply(decimal.NewFromFloat(fill), SideSell)
				q := decimal.NewFromFloat(-qty)
				pnl, sold := port.Sell(simSymbol, q, price, q.Mul(price).Mul(feeRate))
				if current != nil {
					current.PnL += pnl.InexactFloat64()
					if port.Holding(simSymbol) == nil {
						current.ExitTime = ts
						current.ExitPrice = price.InexactFloat64()
						current.Quantity = sold.InexactFloat64()
						if cost := current.EntryPrice * current.Quantity; cost != 0 {
							current.Return = current.PnL / cost
						}
						trades = append(trades, *current)
						current = nil
					}
				}
			}
		}

		if c := p.Close.Values[i]; !math.IsNaN(c) {
			port.Mark(simSymbol, decimal.NewFromFloat(c))
		}
		equity[i] = port.Equity().InexactFloat64()
	}

	if current != nil {
		h := port.Holding(simSymbol)
		last := h.CurrentPrice.InexactFloat64()
		current.Open = true
		current.ExitPrice = last
		current.Quantity = h.Quantity.InexactFloat64()
		current.PnL += (last-h.AvgPrice.InexactFloat64())*current.Quantity - h.Fees.InexactFloat64()
		if cost := current.EntryPrice * current.Quantity; cost != 0 {
			current.Return = current.PnL / cost
		}
		trades = append(trades, *current)
	}

	return &Result{
		Equity:         p.Close.WithValues(equity),
		Trades:         trades,
		InitCash:       cfg.InitCash,
		PeriodsPerYear: s.periodsPerYear,
	}, nil
}

// Signals simulates entry/exit masks that already point at their execution bar.
// An entry buys Size of equity when flat; an exit sells the whole holding.
// Conflicting signals on one bar are ignored.
func (s *Simulator) Signals(p Prices, entries, exits series.Mask, cfg types.SimConfig) (*Result, error) {
	if entries.Len() != p.Len() || exits.Len() != p.Len() {
		return nil, fmt.Errorf("signal length mismatch: entries %d, exits %d, prices %d", entries.Len(), exits.Len(), p.Len())
	}
	size := cfg.Size
	if size <= 0 || size > 1 {
		size = 1
	}
	return s.run(p, cfg, func(i int, held, equity, price float64) float64 {
		en, ex := entries.Values[i], exits.Values[i]
		switch {
		case en && ex:
			return math.NaN()
		case ex && held > 0:
			return -held
		case en && held == 0:
			return equity * size / price
		}
		return math.NaN()
	})
}

// Orders simulates a signed share quantity per bar. NaN means no order.
func (s *Simulator) Orders(p Prices, sizes series.Series, cfg types.SimConfig) (*Result, error) {
	if sizes.Len() != p.Len() {
		return nil, fmt.Errorf("order size length %d does not match prices %d", sizes.Len(), p.Len())
	}
	return s.run(p, cfg, func(i int, held, equity, price float64) float64 {
		q := sizes.Values[i]
		if math.IsNaN(q) || q == 0 {
			return math.NaN()
		}
		if q < 0 && -q > held {
			return -held
		}
		return q
	})
}

// Returns compounds a precomputed per-bar return series into an equity curve.
func (s *Simulator) Returns(returns series.Series, cfg types.SimConfig) (*Result, error) {
	if returns.Len() == 0 {
		return nil, fmt.Errorf("cannot simulate an empty return series")
	}
	if cfg.InitCash <= 0 {
		cfg.InitCash = types.DefaultSimConfig().InitCash
	}
	equity := make([]float64, returns.Len())
	value := cfg.InitCash
	for i, r := range returns.Values {
		if !math.IsNaN(r) {
			value *= 1 + r
		}
		equity[i] = value
	}
	return &Result{
		Equity:         returns.WithValues(equity),
		InitCash:       cfg.InitCash,
		PeriodsPerYear: s.periodsPerYear,
	}, nil
}

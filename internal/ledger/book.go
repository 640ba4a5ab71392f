package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrPositionNotOpen is returned when closing a position the book does not hold
	ErrPositionNotOpen = errors.New("position is not open")
	// ErrNoSnapshots is returned by ToPortfolio before the first Update
	ErrNoSnapshots = errors.New("no equity snapshots: call update once per simulated date")
)

// QuoteSource resolves market data for a date. Missing data is reported with
// ok == false, never as an error.
type QuoteSource interface {
	Quote(date, expiration time.Time, strike float64, right types.Right) (types.OptionContract, bool)
	UnderlyingPrice(date time.Time) (float64, bool)
}

// Book is a stateful multi-position ledger. It is created per simulation and
// owns its positions, trades and snapshots.
type Book struct {
	mu          sync.Mutex
	logger      *zap.Logger
	quotes      QuoteSource
	initialCash decimal.Decimal
	cash        decimal.Decimal
	open        []*Position
	trades      []Trade
	snapshots   []EquitySnapshot
}

// NewBook creates an empty book funded with initialCash
func NewBook(logger *zap.Logger, quotes QuoteSource, initialCash float64) *Book {
	cash := decimal.NewFromFloat(initialCash)
	return &Book{
		logger:      logger,
		quotes:      quotes,
		initialCash: cash,
		cash:        cash,
	}
}

// Open adds a position. expiration == nil opens the underlying. The fill is
// price when given, else the ask for buys and the bid for sells. When no
// price can be resolved, or quantity is zero, Open returns (nil, nil) and
// leaves the book untouched.
func (b *Book) Open(date time.Time, expiration *time.Time, strike float64, right types.Right, quantity float64, price *float64) (*Position, error) {
	if expiration != nil {
		if right != types.RightCall && right != types.RightPut {
			return nil, fmt.Errorf("invalid option right %q: want CALL or PUT", right)
		}
	}
	if price != nil && *price < 0 {
		return nil, fmt.Errorf("fill price must be non-negative, got %v", *price)
	}
	if quantity == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	date = series.Normalize(date)
	pos := &Position{
		ID:         uuid.New().String(),
		EntryDate:  date,
		Expiration: normalizePtr(expiration),
		Strike:     strike,
		Right:      right,
		Quantity:   decimal.NewFromFloat(quantity),
		MarkDate:   date,
	}
	if !pos.IsOption() {
		pos.Right = ""
	}

	fill, greeks, ok := b.resolve(pos, date, quantity > 0)
	if price != nil {
		fill, ok = decimal.NewFromFloat(*price), true
	}
	if !ok {
		b.logger.Debug("No quote for open, skipping",
			zap.Time("date", date),
			zap.Float64("strike", strike),
			zap.String("right", string(right)),
		)
		return nil, nil
	}

	pos.EntryPrice = fill
	pos.Mark = fill
	pos.Greeks = greeks
	b.cash = b.cash.Sub(pos.Quantity.Mul(fill).Mul(pos.Multiplier()))
	b.open = append(b.open, pos)

	out := *pos
	return &out, nil
}

// Close realizes a position. The fill is price when given, else the bid for
// longs and the ask for shorts, else the last mark.
func (b *Book) Close(pos *Position, date time.Time, price *float64) (*Trade, error) {
	if pos == nil {
		return nil, fmt.Errorf("close: %w", ErrPositionNotOpen)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked(pos.ID, series.Normalize(date), price, false)
}

// CloseAll realizes every open position at its default fill
func (b *Book) CloseAll(date time.Time) ([]Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	date = series.Normalize(date)
	ids := make([]string, len(b.open))
	for i, p := range b.open {
		ids[i] = p.ID
	}
	out := make([]Trade, 0, len(ids))
	for _, id := range ids {
		t, err := b.closeLocked(id, date, nil, false)
		if err != nil {
			return out, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// CloseExpired settles positions expiring on or before date at the quoted
// price, or at zero when no quote exists. Exercise and assignment are not
// modelled.
func (b *Book) CloseExpired(date time.Time) ([]Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	date = series.Normalize(date)
	var ids []string
	for _, p := range b.open {
		if p.Expiration != nil && !p.Expiration.After(date) {
			ids = append(ids, p.ID)
		}
	}
	out := make([]Trade, 0, len(ids))
	for _, id := range ids {
		t, err := b.closeLocked(id, date, nil, true)
		if err != nil {
			return out, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// closeLocked must hold b.mu
func (b *Book) closeLocked(id string, date time.Time, price *float64, expiring bool) (*Trade, error) {
	idx := -1
	for i, p := range b.open {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("close %s: %w", id, ErrPositionNotOpen)
	}
	pos := b.open[idx]

	var fill decimal.Decimal
	switch {
	case price != nil:
		fill = decimal.NewFromFloat(*price)
	default:
		p, _, ok := b.resolve(pos, date, !pos.IsLong())
		switch {
		case ok:
			fill = p
		case expiring:
			fill = decimal.Zero
		default:
			fill = pos.Mark
		}
	}

	pnl := fill.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Multiplier())
	b.cash = b.cash.Add(pos.Quantity.Mul(fill).Mul(pos.Multiplier()))

	pos.Mark = fill
	pos.MarkDate = date
	trade := Trade{Position: *pos, ExitDate: date, ExitPrice: fill, PnL: pnl}
	b.trades = append(b.trades, trade)
	b.open = append(b.open[:idx], b.open[idx+1:]...)
	return &trade, nil
}

// Update re-marks every open position for date and appends one snapshot.
// Positions without a quote keep their previous mark.
func (b *Book) Update(date time.Time) EquitySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	date = series.Normalize(date)
	for _, p := range b.open {
		if q, ok := b.markPrice(p, date); ok {
			p.Mark = q.mark
			p.Greeks = q.greeks
			p.MarkDate = date
		}
	}

	mv := b.marketValueLocked()
	snap := EquitySnapshot{Date: date, Cash: b.cash, MarketValue: mv, Equity: b.cash.Add(mv)}
	b.snapshots = append(b.snapshots, snap)
	return snap
}

type markQuote struct {
	mark   decimal.Decimal
	greeks types.Greeks
}

func (b *Book) markPrice(p *Position, date time.Time) (markQuote, bool) {
	if b.quotes == nil {
		return markQuote{}, false
	}
	if !p.IsOption() {
		px, ok := b.quotes.UnderlyingPrice(date)
		if !ok {
			return markQuote{}, false
		}
		return markQuote{mark: decimal.NewFromFloat(px)}, true
	}
	c, ok := b.quotes.Quote(date, *p.Expiration, p.Strike, p.Right)
	if !ok {
		return markQuote{}, false
	}
	return markQuote{mark: decimal.NewFromFloat(c.Mid()), greeks: c.Greeks()}, true
}

// resolve finds the default fill: ask when buying, bid when selling, the mid
// when that side is empty.
func (b *Book) resolve(p *Position, date time.Time, buying bool) (decimal.Decimal, types.Greeks, bool) {
	if b.quotes == nil {
		return decimal.Zero, types.Greeks{}, false
	}
	if !p.IsOption() {
		px, ok := b.quotes.UnderlyingPrice(date)
		if !ok || px <= 0 {
			return decimal.Zero, types.Greeks{}, false
		}
		return decimal.NewFromFloat(px), types.Greeks{}, true
	}

	c, ok := b.quotes.Quote(date, *p.Expiration, p.Strike, p.Right)
	if !ok {
		return decimal.Zero, types.Greeks{}, false
	}
	side := c.Bid
	if buying {
		side = c.Ask
	}
	if side <= 0 {
		side = c.Mid()
	}
	if side <= 0 {
		return decimal.Zero, types.Greeks{}, false
	}
	return decimal.NewFromFloat(side), c.Greeks(), true
}

// Find returns copies of the open positions matching c
func (b *Book) Find(c Criteria) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Position
	for _, p := range b.open {
		if c.matches(p) {
			out = append(out, *p)
		}
	}
	return out
}

// Cash returns available cash
func (b *Book) Cash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// Equity returns cash plus the signed market value of open positions
func (b *Book) Equity() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash.Add(b.marketValueLocked())
}

// OpenPositions returns copies of the open positions in opening order
func (b *Book) OpenPositions() []Position {
	return b.Find(Criteria{})
}

// NumPositions returns the number of open positions
func (b *Book) NumPositions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Greeks returns the quantity-weighted sum of per-contract Greeks. IV is not
// additive and is reported as zero.
func (b *Book) Greeks() types.Greeks {
	b.mu.Lock()
	defer b.mu.Unlock()

	var g types.Greeks
	for _, p := range b.open {
		g = g.Add(p.Greeks, p.Quantity.InexactFloat64())
	}
	g.IV = 0
	return g
}

// Trades returns the closed-trade log
func (b *Book) Trades() []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Snapshots returns the equity history
func (b *Book) Snapshots() []EquitySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EquitySnapshot, len(b.snapshots))
	copy(out, b.snapshots)
	return out
}

// Summary reports headline figures computed from the trade log
func (b *Book) Summary() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	mv := b.marketValueLocked()
	equity := b.cash.Add(mv)
	var realized, unrealized decimal.Decimal
	for _, p := range b.open {
		unrealized = unrealized.Add(p.UnrealizedPnL())
	}

	s := map[string]float64{
		"initial_cash":   b.initialCash.InexactFloat64(),
		"cash":           b.cash.InexactFloat64(),
		"equity":         equity.InexactFloat64(),
		"unrealized_pnl": unrealized.InexactFloat64(),
		"num_trades":     float64(len(b.trades)),
		"num_open":       float64(len(b.open)),
		"win_rate":       0,
		"avg_pnl":        0,
		"best_trade":     0,
		"worst_trade":    0,
	}
	if !b.initialCash.IsZero() {
		s["total_return_pct"] = equity.Sub(b.initialCash).Div(b.initialCash).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	wins := 0
	for i, t := range b.trades {
		realized = realized.Add(t.PnL)
		if t.PnL.IsPositive() {
			wins++
		}
		pnl := t.PnL.InexactFloat64()
		if i == 0 || pnl > s["best_trade"] {
			s["best_trade"] = pnl
		}
		if i == 0 || pnl < s["worst_trade"] {
			s["worst_trade"] = pnl
		}
	}
	s["realized_pnl"] = realized.InexactFloat64()
	if n := len(b.trades); n > 0 {
		s["win_rate"] = float64(wins) / float64(n)
		s["avg_pnl"] = realized.InexactFloat64() / float64(n)
	}
	return s
}

// ToPortfolio converts the snapshot history into a simulation result
func (b *Book) ToPortfolio() (*backtester.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.snapshots) == 0 {
		return nil, ErrNoSnapshots
	}
	idx := make([]time.Time, len(b.snapshots))
	vals := make([]float64, len(b.snapshots))
	for i, s := range b.snapshots {
		idx[i] = s.Date
		vals[i] = s.Equity.InexactFloat64()
	}

	trades := make([]backtester.Trade, len(b.trades))
	for i := range b.trades {
		t := &b.trades[i]
		trades[i] = backtester.Trade{
			EntryTime:  t.EntryDate,
			ExitTime:   t.ExitDate,
			EntryPrice: t.EntryPrice.InexactFloat64(),
			ExitPrice:  t.ExitPrice.InexactFloat64(),
			Quantity:   t.Quantity.InexactFloat64(),
			PnL:        t.PnL.InexactFloat64(),
			Return:     t.Return(),
		}
	}

	return &backtester.Result{
		Equity:         series.Series{Name: "equity", Index: idx, Values: vals},
		Trades:         trades,
		InitCash:       b.initialCash.InexactFloat64(),
		PeriodsPerYear: 252,
	}, nil
}

func (b *Book) marketValueLocked() decimal.Decimal {
	var mv decimal.Decimal
	for _, p := range b.open {
		mv = mv.Add(p.MarketValue())
	}
	return mv
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := series.Normalize(*t)
	return &n
}

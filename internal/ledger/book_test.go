package ledger_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/internal/ledger"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

var (
	d1  = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d2  = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d3  = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	exp = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

func ptr(v float64) *float64 { return &v }

func row(date time.Time, strike float64, right types.Right, bid, ask, spot float64) types.OptionContract {
	return types.OptionContract{
		Date:            date,
		Expiration:      exp,
		Strike:          strike,
		Right:           right,
		Bid:             bid,
		Ask:             ask,
		Close:           (bid + ask) / 2,
		Delta:           ptr(-0.3),
		DTE:             int(exp.Sub(date).Hours() / 24),
		UnderlyingClose: spot,
	}
}

func testChain() *chain.Chain {
	return chain.New([]types.OptionContract{
		row(d1, 95, types.RightPut, 2.00, 2.20, 100),
		row(d1, 100, types.RightCall, 3.00, 3.20, 100),
		row(d2, 95, types.RightPut, 1.00, 1.10, 103),
		row(d2, 100, types.RightCall, 4.00, 4.20, 103),
		row(d3, 95, types.RightPut, 0.40, 0.50, 105),
	})
}

func newBook(cash float64) *ledger.Book {
	return ledger.NewBook(zap.NewNop(), testChain(), cash)
}

func assertConserved(t *testing.T, b *ledger.Book) {
	t.Helper()
	for _, s := range b.Snapshots() {
		if !s.Equity.Equal(s.Cash.Add(s.MarketValue)) {
			t.Fatalf("snapshot %v: equity %s != cash %s + market value %s", s.Date, s.Equity, s.Cash, s.MarketValue)
		}
	}
	var mv float64
	for _, p := range b.OpenPositions() {
		mv += p.MarketValue().InexactFloat64()
	}
	if got, want := b.Equity().InexactFloat64(), b.Cash().InexactFloat64()+mv; math.Abs(got-want) > 1e-9 {
		t.Fatalf("equity %v != cash + market value %v", got, want)
	}
}

func TestShortPutExplicitPrices(t *testing.T) {
	b := newBook(10000)
	e := exp

	pos, err := b.Open(d1, &e, 95, types.RightPut, -1, ptr(2.00))
	if err != nil || pos == nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := b.Cash().InexactFloat64(); got != 10200 {
		t.Errorf("short sale should raise cash to 10200, got %v", got)
	}

	tr, err := b.Close(pos, d3, ptr(0.50))
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := tr.PnL.InexactFloat64(); got != 150 {
		t.Errorf("realized PnL = %v, want +150", got)
	}
	if got := b.Cash().InexactFloat64(); got != 10150 {
		t.Errorf("cash after close = %v, want 10150", got)
	}
}

func TestShortPutDefaultFills(t *testing.T) {
	b := newBook(10000)
	e := exp

	pos, _ := b.Open(d1, &e, 95, types.RightPut, -1, nil)
	if pos == nil {
		t.Fatal("expected position")
	}
	if got := pos.EntryPrice.InexactFloat64(); got != 2.00 {
		t.Errorf("short open should fill at bid 2.00, got %v", got)
	}

	tr, _ := b.Close(pos, d3, nil)
	if got := tr.ExitPrice.InexactFloat64(); got != 0.50 {
		t.Errorf("short close should fill at ask 0.50, got %v", got)
	}
	if got := tr.PnL.InexactFloat64(); got != 150 {
		t.Errorf("PnL = %v, want 150", got)
	}
}

func TestLongCallFillsAskThenBid(t *testing.T) {
	b := newBook(10000)
	e := exp

	pos, _ := b.Open(d1, &e, 100, types.RightCall, 2, nil)
	if got := pos.EntryPrice.InexactFloat64(); got != 3.20 {
		t.Errorf("buy should fill at ask 3.20, got %v", got)
	}
	tr, _ := b.Close(pos, d2, nil)
	if got := tr.PnL.InexactFloat64(); math.Abs(got-160) > 1e-9 {
		t.Errorf("PnL = %v, want (4.00-3.20)*2*100 = 160", got)
	}
}

func TestOpenWithoutQuoteIsNoop(t *testing.T) {
	b := newBook(10000)
	e := exp

	pos, err := b.Open(d1, &e, 123, types.RightCall, 1, nil)
	if err != nil || pos != nil {
		t.Fatalf("expected silent no-op, got %v, %v", pos, err)
	}
	if b.NumPositions() != 0 || b.Cash().InexactFloat64() != 10000 {
		t.Error("book must be untouched")
	}

	if pos, _ := b.Open(d1, &e, 95, types.RightPut, 0, nil); pos != nil {
		t.Error("zero quantity must not open")
	}
}

func TestOpenRejectsInvalidRight(t *testing.T) {
	b := newBook(10000)
	e := exp
	if _, err := b.Open(d1, &e, 95, types.Right("STRADDLE"), 1, nil); err == nil {
		t.Error("expected error for invalid right")
	}
}

func TestUnderlyingPositionUsesMultiplierOne(t *testing.T) {
	b := newBook(10000)

	pos, err := b.Open(d1, nil, 0, "", 10, nil)
	if err != nil || pos == nil {
		t.Fatalf("Open underlying failed: %v", err)
	}
	if got := b.Cash().InexactFloat64(); got != 9000 {
		t.Errorf("cash = %v, want 9000", got)
	}
	b.Update(d2)
	if got := b.Equity().InexactFloat64(); got != 10030 {
		t.Errorf("equity = %v, want 10030", got)
	}
}

func TestUpdateKeepsMarkWithoutQuote(t *testing.T) {
	b := newBook(10000)
	e := exp

	b.Open(d1, &e, 100, types.RightCall, 1, nil)
	b.Update(d2)
	marked := b.Find(ledger.Criteria{})[0].Mark
	if got := marked.InexactFloat64(); got != 4.10 {
		t.Errorf("mark on d2 = %v, want mid 4.10", got)
	}

	// No call quote on d3.
	b.Update(d3)
	if got := b.Find(ledger.Criteria{})[0].Mark; !got.Equal(marked) {
		t.Errorf("mark should stay %s without a quote, got %s", marked, got)
	}
	if n := len(b.Snapshots()); n != 2 {
		t.Errorf("expected one snapshot per update, got %d", n)
	}
	assertConserved(t, b)
}

func TestConservationAcrossOperations(t *testing.T) {
	b := newBook(50000)
	e := exp

	p1, _ := b.Open(d1, &e, 95, types.RightPut, -3, nil)
	b.Open(d1, &e, 100, types.RightCall, 2, nil)
	b.Open(d1, nil, 0, "", 100, nil)
	b.Update(d1)
	assertConserved(t, b)

	b.Close(p1, d2, nil)
	b.Update(d2)
	assertConserved(t, b)

	b.Update(d3)
	assertConserved(t, b)
}

func TestCloseAllIdempotence(t *testing.T) {
	b := newBook(20000)
	e := exp

	var ids []string
	for _, leg := range []struct {
		strike float64
		right  types.Right
		qty    float64
	}{{95, types.RightPut, -1}, {100, types.RightCall, 1}, {95, types.RightPut, 2}} {
		p, _ := b.Open(d1, &e, leg.strike, leg.right, leg.qty, nil)
		ids = append(ids, p.ID)
	}

	trades, err := b.CloseAll(d2)
	if err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if b.NumPositions() != 0 {
		t.Fatalf("expected no open positions, got %d", b.NumPositions())
	}
	if len(trades) != len(ids) {
		t.Fatalf("expected %d trades, got %d", len(ids), len(trades))
	}

	counts := make(map[string]int)
	for _, tr := range b.Trades() {
		counts[tr.ID]++
	}
	for _, id := range ids {
		if counts[id] != 1 {
			t.Errorf("position %s appears %d times in trade log", id, counts[id])
		}
	}

	again, _ := b.CloseAll(d3)
	if len(again) != 0 || len(b.Trades()) != len(ids) {
		t.Error("second CloseAll must not add trades")
	}
}

func TestClosedPositionCannotCloseAgain(t *testing.T) {
	b := newBook(10000)
	e := exp

	pos, _ := b.Open(d1, &e, 95, types.RightPut, 1, nil)
	if _, err := b.Close(pos, d2, nil); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := b.Close(pos, d3, nil); !errors.Is(err, ledger.ErrPositionNotOpen) {
		t.Errorf("expected ErrPositionNotOpen, got %v", err)
	}
	if len(b.Find(ledger.Criteria{})) != 0 {
		t.Error("closed position reappeared")
	}
}

func TestCloseExpiredSettlesAtZeroWithoutQuote(t *testing.T) {
	b := newBook(10000)
	e := exp

	b.Open(d1, &e, 100, types.RightCall, 1, nil)
	b.Open(d1, nil, 0, "", 1, nil)

	if trades, _ := b.CloseExpired(d3); len(trades) != 0 {
		t.Fatalf("nothing expires before %v, got %d trades", exp, len(trades))
	}

	after := exp.AddDate(0, 0, 1)
	trades, err := b.CloseExpired(after)
	if err != nil {
		t.Fatalf("CloseExpired failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected only the option to settle, got %d", len(trades))
	}
	if !trades[0].ExitPrice.IsZero() {
		t.Errorf("expected settlement at zero, got %s", trades[0].ExitPrice)
	}
	if got := trades[0].PnL.InexactFloat64(); math.Abs(got+320) > 1e-9 {
		t.Errorf("PnL = %v, want -320", got)
	}
	if b.NumPositions() != 1 {
		t.Errorf("underlying must stay open, have %d positions", b.NumPositions())
	}
}

func TestFindAndGreeks(t *testing.T) {
	b := newBook(10000)
	e := exp

	b.Open(d1, &e, 95, types.RightPut, -2, nil)
	b.Open(d1, &e, 100, types.RightCall, 1, nil)

	put := types.RightPut
	if got := b.Find(ledger.Criteria{Right: &put}); len(got) != 1 || got[0].Strike != 95 {
		t.Errorf("Find by right returned %v", got)
	}
	strike := 100.0
	if got := b.Find(ledger.Criteria{Strike: &strike, Expiration: &e}); len(got) != 1 {
		t.Errorf("Find by strike returned %d", len(got))
	}

	g := b.Greeks()
	if math.Abs(g.Delta-(-0.3*-2+-0.3*1)) > 1e-9 {
		t.Errorf("aggregate delta = %v", g.Delta)
	}
}

func TestToPortfolio(t *testing.T) {
	b := newBook(10000)
	if _, err := b.ToPortfolio(); !errors.Is(err, ledger.ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots, got %v", err)
	}

	e := exp
	pos, _ := b.Open(d1, &e, 95, types.RightPut, -1, nil)
	b.Update(d1)
	b.Update(d2)
	b.Close(pos, d3, nil)
	b.Update(d3)

	res, err := b.ToPortfolio()
	if err != nil {
		t.Fatalf("ToPortfolio failed: %v", err)
	}
	if res.Equity.Len() != 3 {
		t.Fatalf("expected 3 equity points, got %d", res.Equity.Len())
	}
	if got := res.Equity.Last(); got != 10150 {
		t.Errorf("final equity = %v, want 10150", got)
	}
	if len(res.Trades) != 1 || res.Trades[0].PnL != 150 {
		t.Errorf("unexpected trades %+v", res.Trades)
	}

	s := b.Summary()
	if s["num_trades"] != 1 || s["win_rate"] != 1 || s["realized_pnl"] != 150 {
		t.Errorf("unexpected summary %v", s)
	}
	if math.Abs(s["total_return_pct"]-1.5) > 1e-9 {
		t.Errorf("total_return_pct = %v, want 1.5", s["total_return_pct"])
	}
}

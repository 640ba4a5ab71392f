package chain_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

var (
	day1 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	near = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	far  = time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)
)

func contract(date, exp time.Time, strike float64, right types.Right, close, spot float64) types.OptionContract {
	return types.OptionContract{
		Date:            date,
		Expiration:      exp,
		Strike:          strike,
		Right:           right,
		Close:           close,
		Bid:             close - 0.05,
		Ask:             close + 0.05,
		DTE:             int(exp.Sub(date).Hours() / 24),
		UnderlyingClose: spot,
	}
}

func sample() *chain.Chain {
	return chain.New([]types.OptionContract{
		contract(day1, near, 95, types.RightCall, 6, 100),
		contract(day1, near, 100, types.RightCall, 2, 100),
		contract(day1, near, 105, types.RightCall, 0.5, 100),
		contract(day1, far, 100, types.RightCall, 4, 100),
		contract(day2, near, 100, types.RightCall, 2.5, 102.5),
		contract(day2, near, 105, types.RightCall, 0.8, 102.5),
	})
}

func TestSnapshotAndDates(t *testing.T) {
	c := sample()
	if got := len(c.Snapshot(day1)); got != 4 {
		t.Errorf("snapshot(day1) has %d rows, want 4", got)
	}
	dates := c.Dates()
	if len(dates) != 2 || !dates[0].Equal(day1) || !dates[1].Equal(day2) {
		t.Errorf("unexpected dates %v", dates)
	}
}

func TestNearestExpiry(t *testing.T) {
	c := sample()

	exp, ok := c.NearestExpiry(day1, 0, 30)
	if !ok || !exp.Equal(near) {
		t.Errorf("NearestExpiry(0,30) = %v, %v", exp, ok)
	}
	exp, ok = c.NearestExpiry(day1, 20, 60)
	if !ok || !exp.Equal(far) {
		t.Errorf("NearestExpiry(20,60) = %v, %v", exp, ok)
	}
	if _, ok := c.NearestExpiry(day1, 100, 200); ok {
		t.Error("expected no expiry in range")
	}
}

func TestATMTieBreaksLow(t *testing.T) {
	c := sample()

	atm, ok := c.ATM(day1, near, types.RightCall)
	if !ok || atm.Strike != 100 {
		t.Errorf("ATM(day1) = %v, %v", atm.Strike, ok)
	}
	// Spot 102.5 is equidistant from 100 and 105.
	atm, ok = c.ATM(day2, near, types.RightCall)
	if !ok || atm.Strike != 100 {
		t.Errorf("tie should pick the lower strike, got %v", atm.Strike)
	}
}

func TestContractSeriesRespectsAsOf(t *testing.T) {
	c := sample()

	rows := c.ContractSeries(near, 100, types.RightCall, day1)
	if len(rows) != 1 || !rows[0].Date.Equal(day1) {
		t.Fatalf("as-of day1 should return only day1, got %d rows", len(rows))
	}
	rows = c.ContractSeries(near, 100, types.RightCall, day2)
	if len(rows) != 2 {
		t.Errorf("as-of day2 should return 2 rows, got %d", len(rows))
	}
}

func TestQuoteSource(t *testing.T) {
	c := sample()
	q, ok := c.Quote(day2, near, 105, types.RightCall)
	if !ok || q.Close != 0.8 {
		t.Errorf("Quote = %v, %v", q, ok)
	}
	if _, ok := c.Quote(day2, far, 100, types.RightCall); ok {
		t.Error("expected missing quote")
	}
	if px, ok := c.UnderlyingPrice(day2); !ok || px != 102.5 {
		t.Errorf("UnderlyingPrice = %v, %v", px, ok)
	}
}

func TestDuplicatesKeepLast(t *testing.T) {
	c := chain.New([]types.OptionContract{
		contract(day1, near, 100, types.RightPut, 1, 100),
		contract(day1, near, 100, types.RightPut, 2, 100),
	})
	if c.Len() != 1 {
		t.Fatalf("expected 1 row after dedup, got %d", c.Len())
	}
	q, _ := c.Contract(day1, near, 100, types.RightPut)
	if q.Close != 2 {
		t.Errorf("duplicate should keep the last row, got close %v", q.Close)
	}
}

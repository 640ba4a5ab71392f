package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/data"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

func ptr(v float64) *float64 { return &v }

func TestNormalizeQuote(t *testing.T) {
	r := data.NormalizeQuote(data.Quote{
		Date:       day(2),
		Expiration: day(19),
		Strike:     150,
		CallPut:    "Call",
		Bid:        1.23,
		Ask:        1.26,
		Delta:      ptr(0.5),
	})
	if r.Date != 20240102 || r.Expiration != 20240119 || r.DTE != 17 {
		t.Errorf("Unexpected dates %d %d dte %d", r.Date, r.Expiration, r.DTE)
	}
	if r.Right != "C" {
		t.Errorf("Right = %q", r.Right)
	}
	if r.Close != 1.245 || r.Open != 1.245 || r.High != 1.26 || r.Low != 1.23 {
		t.Errorf("Unexpected prices %+v", r)
	}

	oneSided := data.NormalizeQuote(data.Quote{Date: day(2), Expiration: day(5), CallPut: "put", Ask: 0.5})
	if oneSided.Right != "P" || oneSided.Close != 0.25 || oneSided.High != 0.5 || oneSided.Low != 0.25 {
		t.Errorf("Unexpected one-sided quote %+v", oneSided)
	}

	empty := data.NormalizeQuote(data.Quote{Date: day(2), Expiration: day(5), CallPut: "P"})
	if empty.Close != 0 || empty.High != 0 || empty.Low != 0 {
		t.Errorf("Empty quote should have zero prices %+v", empty)
	}
}

func TestChainStoreRoundTrip(t *testing.T) {
	store := data.NewParquetChainStore(zap.NewNop(), t.TempDir())
	quotes := []data.Quote{
		{Date: day(3), Expiration: day(19), Strike: 155, CallPut: "P", Bid: 2, Ask: 2.2},
		{Date: day(2), Expiration: day(19), Strike: 150, CallPut: "C", Bid: 1, Ask: 1.2, IV: ptr(0.3)},
		{Date: day(2), Expiration: day(19), Strike: 150, CallPut: "P", Bid: 3, Ask: 3.2},
		{Date: day(2), Expiration: time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), Strike: 150, CallPut: "C", Bid: 9, Ask: 9.5},
	}
	n, err := store.ImportQuotes("aapl", quotes, 0)
	if err != nil {
		t.Fatalf("ImportQuotes failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected the far expiry to be dropped, imported %d", n)
	}

	// A later import of the same contract replaces the earlier row.
	if _, err := store.ImportQuotes("AAPL", []data.Quote{
		{Date: day(2), Expiration: day(19), Strike: 150, CallPut: "C", Bid: 1.1, Ask: 1.3},
	}, 0); err != nil {
		t.Fatal(err)
	}

	rows, err := store.LoadChain(context.Background(), "AAPL", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("LoadChain failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].Right != types.RightCall || rows[1].Right != types.RightPut || !rows[2].Date.Equal(day(3)) {
		t.Errorf("Rows not sorted by date, expiration, strike, right: %+v", rows)
	}
	if rows[0].Bid != 1.1 || rows[0].IV != nil {
		t.Errorf("Duplicate contract should keep the last row, got %+v", rows[0])
	}
	if rows[0].DTE != 17 {
		t.Errorf("DTE = %d", rows[0].DTE)
	}

	narrow, err := store.LoadChain(context.Background(), "AAPL", day(3), day(3), 0)
	if err != nil || len(narrow) != 1 {
		t.Errorf("Date filter returned %d rows, %v", len(narrow), err)
	}
	if _, err := store.LoadChain(context.Background(), "AAPL", time.Time{}, time.Time{}, 10); !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData when every row exceeds max DTE, got %v", err)
	}
}

func TestChainStoreMissingFile(t *testing.T) {
	store := data.NewParquetChainStore(zap.NewNop(), t.TempDir())
	_, err := store.LoadChain(context.Background(), "MSFT", time.Time{}, time.Time{}, 0)
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}

func TestJoinUnderlying(t *testing.T) {
	rows := []types.OptionContract{
		{Date: day(1)},
		{Date: day(3)},
		{Date: day(6)},
	}
	bars := []types.Bar{
		{Timestamp: day(2), Close: 100},
		{Timestamp: day(3), Close: 101},
		{Timestamp: day(5), Close: 104},
	}
	data.JoinUnderlying(rows, bars)
	if rows[0].UnderlyingClose != 0 {
		t.Errorf("Row before the first bar should stay zero, got %v", rows[0].UnderlyingClose)
	}
	if rows[1].UnderlyingClose != 101 || rows[2].UnderlyingClose != 104 {
		t.Errorf("Unexpected joined closes %v %v", rows[1].UnderlyingClose, rows[2].UnderlyingClose)
	}
}

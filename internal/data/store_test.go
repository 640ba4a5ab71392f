// Package data_test provides tests for the data stores and cache.
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

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func testBars() []types.Bar {
	return []types.Bar{
		{Timestamp: day(3), Open: 101, High: 103, Low: 100, Close: 102, Volume: 1200},
		{Timestamp: day(2), Open: 100, High: 102, Low: 99, Close: 101, Volume: 1000},
		{Timestamp: day(4), Open: 102, High: 104, Low: 101, Close: 103, Volume: 1500},
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.SaveBars("SPY", types.Timeframe1d, testBars()); err != nil {
		t.Fatalf("Failed to save bars: %v", err)
	}

	bars, err := store.LoadBars(context.Background(), "SPY", types.Timeframe1d, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load bars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("Expected 3 bars, got %d", len(bars))
	}
	if !bars[0].Timestamp.Equal(day(2)) || !bars[2].Timestamp.Equal(day(4)) {
		t.Errorf("Bars not sorted: %v .. %v", bars[0].Timestamp, bars[2].Timestamp)
	}

	ranged, err := store.LoadBars(context.Background(), "SPY", types.Timeframe1d, day(3), day(3))
	if err != nil {
		t.Fatalf("Failed to load range: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Close != 102 {
		t.Errorf("Unexpected range result %+v", ranged)
	}

	start, end, err := store.GetDataRange("SPY")
	if err != nil || !start.Equal(day(2)) || !end.Equal(day(4)) {
		t.Errorf("GetDataRange = %v, %v, %v", start, end, err)
	}
	if symbols := store.GetAvailableSymbols(); len(symbols) != 1 || symbols[0] != "SPY" {
		t.Errorf("GetAvailableSymbols = %v", symbols)
	}
}

func TestStoreReloadsFromDisk(t *testing.T) {
	logger := zap.NewNop()
	dir := t.TempDir()
	first, err := data.NewStore(logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.SaveBars("QQQ", types.Timeframe1d, testBars()); err != nil {
		t.Fatal(err)
	}

	second, err := data.NewStore(logger, dir)
	if err != nil {
		t.Fatal(err)
	}
	if second.GetCacheSize() != 0 {
		t.Fatal("New store should start with an empty cache")
	}
	bars, err := second.LoadBars(context.Background(), "QQQ", types.Timeframe1d, time.Time{}, time.Time{})
	if err != nil || len(bars) != 3 {
		t.Fatalf("LoadBars after reopen = %d bars, %v", len(bars), err)
	}
	if len(second.GetAvailableSymbols()) != 1 {
		t.Error("Metadata was not reloaded")
	}
}

func TestStoreMissingDataIsNoData(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.LoadBars(context.Background(), "NOPE", types.Timeframe1d, time.Time{}, time.Time{})
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData for a missing file, got %v", err)
	}

	if err := store.SaveBars("SPY", types.Timeframe1d, testBars()); err != nil {
		t.Fatal(err)
	}
	_, err = store.LoadBars(context.Background(), "SPY", types.Timeframe1d, day(20), day(25))
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData for an empty range, got %v", err)
	}
}

func TestValidatorFindsProblems(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	bars := []types.Bar{
		{Timestamp: day(2), Open: 100, High: 102, Low: 99, Close: 101},
		{Timestamp: day(2), Open: 100, High: 102, Low: 99, Close: 101},
		{Timestamp: day(1), Open: -1, High: 102, Low: 99, Close: 101},
		{Timestamp: day(5), Open: 100, High: 99, Low: 98, Close: 101},
	}

	report := v.Validate("SPY", bars)
	found := map[string]bool{}
	for _, issue := range report.Issues {
		found[issue.Type] = true
	}
	for _, want := range []string{"DUPLICATE_TIMESTAMP", "OUT_OF_ORDER", "NON_POSITIVE_PRICE", "OHLC_INCONSISTENT"} {
		if !found[want] {
			t.Errorf("Expected issue %s in %+v", want, report.Issues)
		}
	}
	if report.IsUsable {
		t.Error("Report with critical issues should not be usable")
	}
}

func TestValidatorClean(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	bars := []types.Bar{
		{Timestamp: day(3), Open: 100, High: 99, Low: 98, Close: 101},
		{Timestamp: day(2), Open: 100, High: 102, Low: 99, Close: 101},
		{Timestamp: day(2), Open: 100, High: 102, Low: 99, Close: 105},
		{Timestamp: day(4), Open: 0, High: 102, Low: 99, Close: 101},
	}

	cleaned := v.Clean(bars)
	if len(cleaned) != 2 {
		t.Fatalf("Expected 2 bars, got %d", len(cleaned))
	}
	if cleaned[0].Close != 105 {
		t.Errorf("Duplicate should keep the last bar, got close %v", cleaned[0].Close)
	}
	if cleaned[1].High != 101 || cleaned[1].Low != 98 {
		t.Errorf("High/Low not widened: %+v", cleaned[1])
	}
	if bars[0].High != 99 {
		t.Error("Clean must not modify its input")
	}
}

func TestValidatorCleanMergesSessions(t *testing.T) {
	v := data.NewValidator(zap.NewNop())
	at := func(d, h int) time.Time { return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC) }
	bars := []types.Bar{
		{Timestamp: at(2, 12), Open: 11, High: 13, Low: 10, Close: 12, Volume: 20},
		{Timestamp: at(2, 10), Open: 10, High: 11, Low: 9, Close: 11, Volume: 10},
		{Timestamp: at(3, 10), Open: 12, High: 12, Low: 12, Close: 12, Volume: 5},
		{Timestamp: at(2, 11), Open: 11, High: 15, Low: 11, Close: 14, Volume: 30},
	}

	cleaned := v.Clean(bars)
	if len(cleaned) != 2 {
		t.Fatalf("Expected one bar per session, got %+v", cleaned)
	}
	want := types.Bar{Timestamp: day(2), Open: 10, High: 15, Low: 9, Close: 12, Volume: 60}
	if cleaned[0] != want {
		t.Errorf("session bar = %+v, want %+v", cleaned[0], want)
	}
	if !cleaned[1].Timestamp.Equal(day(3)) {
		t.Errorf("second session stamped %v", cleaned[1].Timestamp)
	}
}

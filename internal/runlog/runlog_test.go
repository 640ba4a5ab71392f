package runlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/strategy-sandbox/internal/runlog"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *runlog.Store {
	t.Helper()
	store, err := runlog.Open(zap.NewNop(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Failed to open run log: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	v := 1.25

	resp := &types.BacktestResponse{
		ID:               "run-1",
		Success:          true,
		Stats:            map[string]*float64{"sharpe_ratio": &v, "sortino_ratio": nil},
		Bars:             250,
		CacheHit:         true,
		RequestedSymbols: []string{"SPY", "QQQ"},
		Timing:           types.Timing{TotalMs: 42},
	}
	if err := store.Record(ctx, "bars", resp); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	e, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Kind != "bars" || !e.Success || !e.CacheHit || e.Bars != 250 || e.TotalMs != 42 {
		t.Errorf("Unexpected entry %+v", e)
	}
	if len(e.Symbols) != 2 || e.Symbols[1] != "QQQ" {
		t.Errorf("Symbols = %v", e.Symbols)
	}
	if e.Response == nil || *e.Response.Stats["sharpe_ratio"] != 1.25 || e.Response.Stats["sortino_ratio"] != nil {
		t.Errorf("Response not preserved: %+v", e.Response)
	}
}

func TestGetUnknown(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, runlog.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	failed := &types.BacktestResponse{
		ID:    "run-a",
		Error: &types.ErrorPayload{Kind: types.ErrorKindTimeout, Message: "slow"},
	}
	if err := store.Record(ctx, "bars", failed); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, "options", &types.BacktestResponse{ID: "run-b", Success: true}); err != nil {
		t.Fatal(err)
	}

	entries, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	byID := map[string]runlog.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
		if e.Response != nil {
			t.Error("List should not carry responses")
		}
	}
	if byID["run-a"].ErrorKind != types.ErrorKindTimeout || byID["run-a"].Success {
		t.Errorf("Unexpected failed entry %+v", byID["run-a"])
	}
	if byID["run-b"].Kind != "options" {
		t.Errorf("Unexpected kind %q", byID["run-b"].Kind)
	}

	one, err := store.List(ctx, 1)
	if err != nil || len(one) != 1 {
		t.Errorf("List(1) = %d entries, %v", len(one), err)
	}
}

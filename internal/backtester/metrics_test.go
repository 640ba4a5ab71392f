package backtester_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
)

func TestStatsBasics(t *testing.T) {
	idx := dailyIndex(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 4)
	res := &backtester.Result{
		Equity:   series.Series{Index: idx, Values: []float64{100, 120, 90, 110}},
		InitCash: 100,
		Trades: []backtester.Trade{
			{PnL: 20, Return: 0.2},
			{PnL: -10, Return: -0.1},
		},
	}

	stats := res.Stats()

	if math.Abs(stats["total_return"]-0.1) > 1e-9 {
		t.Errorf("total_return = %v, want 0.1", stats["total_return"])
	}
	if math.Abs(stats["max_drawdown"]-0.25) > 1e-9 {
		t.Errorf("max_drawdown = %v, want 0.25", stats["max_drawdown"])
	}
	if stats["win_rate"] != 0.5 {
		t.Errorf("win_rate = %v, want 0.5", stats["win_rate"])
	}
	if stats["profit_factor"] != 2 {
		t.Errorf("profit_factor = %v, want 2", stats["profit_factor"])
	}
	if stats["best_trade"] != 0.2 || stats["worst_trade"] != -0.1 {
		t.Errorf("best/worst = %v/%v", stats["best_trade"], stats["worst_trade"])
	}
	if stats["end_value"] != 110 || stats["start_value"] != 100 {
		t.Errorf("start/end = %v/%v", stats["start_value"], stats["end_value"])
	}
}

func TestStatsNonFiniteWithoutTrades(t *testing.T) {
	idx := dailyIndex(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)
	res := &backtester.Result{
		Equity:   series.Series{Index: idx, Values: []float64{100, 100, 100}},
		InitCash: 100,
	}
	stats := res.Stats()

	if !math.IsNaN(stats["sharpe_ratio"]) {
		t.Errorf("flat curve sharpe should be NaN, got %v", stats["sharpe_ratio"])
	}
	if !math.IsNaN(stats["win_rate"]) {
		t.Errorf("win_rate without trades should be NaN, got %v", stats["win_rate"])
	}
}

func TestMetricLookup(t *testing.T) {
	idx := dailyIndex(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	res := &backtester.Result{Equity: series.Series{Index: idx, Values: []float64{100, 110}}, InitCash: 100}

	if v, err := res.Metric("return"); err != nil || math.Abs(v-0.1) > 1e-9 {
		t.Errorf("alias lookup = %v, %v", v, err)
	}
	if _, err := res.Metric("nonsense"); err == nil {
		t.Error("expected error for unknown metric")
	}
	if !backtester.LowerIsBetter("max_drawdown") || backtester.LowerIsBetter("sharpe_ratio") {
		t.Error("unexpected metric direction")
	}
}

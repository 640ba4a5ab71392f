package backtester_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// weekdayPrices generates a wavy uptrend on weekdays in [from, to).
func weekdayPrices(from, to time.Time) backtester.Prices {
	var idx []time.Time
	var closes, opens []float64
	i := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		c := 100 + 0.05*float64(i) + 5*math.Sin(float64(i)/7)
		idx = append(idx, d)
		closes = append(closes, c)
		opens = append(opens, c-0.2)
		i++
	}
	return backtester.Prices{Close: series.Series{Name: "SYN", Index: idx, Values: closes}, Open: opens}
}

func smaCross(_ context.Context, p backtester.Prices, params backtester.Combo) (series.Mask, series.Mask, error) {
	fastV, _ := params.Get("fast")
	slowV, _ := params.Get("slow")
	fast := p.Close.RollingMean(fastV.(int))
	slow := p.Close.RollingMean(slowV.(int))
	entries, err := series.Compare(fast, slow, func(a, b float64) bool { return a > b })
	if err != nil {
		return series.Mask{}, series.Mask{}, err
	}
	exits, err := series.Compare(fast, slow, func(a, b float64) bool { return a < b })
	return entries, exits, err
}

func newAnalyzer() *backtester.WalkForwardAnalyzer {
	return backtester.NewWalkForwardAnalyzer(zap.NewNop(), newGuard())
}

func smaGrid() backtester.ParamGrid {
	return backtester.ParamGrid{
		{Name: "fast", Values: []any{3, 5}},
		{Name: "slow", Values: []any{10, 20}},
	}
}

func TestSplitsThreeYearsYieldsOneWindow(t *testing.T) {
	p := weekdayPrices(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))

	it, err := backtester.Splits(p.Index(), 12, 12, 0)
	if err != nil {
		t.Fatalf("Splits failed: %v", err)
	}
	windows := it.Collect()
	if len(windows) != 1 {
		t.Fatalf("expected exactly 1 window, got %d", len(windows))
	}

	w := windows[0]
	for i, d := range p.Index() {
		if w.Train.Values[i] && w.Test.Values[i] {
			t.Fatalf("bar %v is in both train and test", d)
		}
		if w.Test.Values[i] && d.Before(w.TestStart) {
			t.Fatalf("test bar %v precedes test start", d)
		}
	}

	it.Reset()
	if again := it.Collect(); len(again) != 1 {
		t.Errorf("Reset should restart iteration, got %d windows", len(again))
	}
}

func TestSplitsStartYear(t *testing.T) {
	p := weekdayPrices(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))

	it, _ := backtester.Splits(p.Index(), 12, 6, 2020)
	windows := it.Collect()
	if len(windows) == 0 {
		t.Fatal("expected windows")
	}
	if windows[0].TrainStart.Year() != 2020 {
		t.Errorf("first window starts %v, want 2020", windows[0].TrainStart)
	}
	for i := 1; i < len(windows); i++ {
		if !windows[i].TrainStart.Equal(windows[i-1].TestEnd) {
			t.Errorf("window %d starts %v, previous test ended %v", i, windows[i].TrainStart, windows[i-1].TestEnd)
		}
	}
}

func TestSplitsCompletionBoundary(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	// The test range ends 2022-01-01; data through Thursday 2021-12-30 covers it.
	p := weekdayPrices(from, time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC))
	it, _ := backtester.Splits(p.Index(), 12, 12, 0)
	windows := it.Collect()
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if want := time.Date(2021, 12, 30, 0, 0, 0, 0, time.UTC); !windows[0].LastTestBar.Equal(want) {
		t.Errorf("LastTestBar = %v, want %v", windows[0].LastTestBar, want)
	}

	// Data stopping on Monday 2021-12-27 leaves a trading week uncovered.
	short := weekdayPrices(from, time.Date(2021, 12, 28, 0, 0, 0, 0, time.UTC))
	it, _ = backtester.Splits(short.Index(), 12, 12, 0)
	if got := it.Collect(); len(got) != 0 {
		t.Errorf("expected no window for a short test range, got %d ending %v", len(got), got[0].LastTestBar)
	}
}

func TestSplitsRejectsNonPositiveMonths(t *testing.T) {
	if _, err := backtester.Splits(nil, 0, 12, 0); err == nil {
		t.Error("expected error for zero train months")
	}
}

func TestRunStitchesSingleTestWindow(t *testing.T) {
	p := weekdayPrices(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := types.WalkForwardConfig{TrainMonths: 12, TestMonths: 12, Metric: "sharpe_ratio", Sim: types.SimConfig{InitCash: 10000}}

	res, err := newAnalyzer().Run(context.Background(), p, smaGrid(), smaCross, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(res.Windows))
	}

	it, _ := backtester.Splits(p.Index(), 12, 12, 0)
	w, _ := it.Next()
	if res.Equity.Len() != w.Test.Count() {
		t.Fatalf("stitched curve has %d points, test window has %d", res.Equity.Len(), w.Test.Count())
	}
	j := 0
	for i, in := range w.Test.Values {
		if !in {
			continue
		}
		if !res.Equity.Index[j].Equal(p.Index()[i]) {
			t.Fatalf("stitched point %d at %v, want %v", j, res.Equity.Index[j], p.Index()[i])
		}
		j++
	}
	if res.Windows[0].StartEquity != 10000 {
		t.Errorf("first window should start with init cash, got %v", res.Windows[0].StartEquity)
	}
	if last := res.Equity.Index[res.Equity.Len()-1]; !res.Windows[0].LastTestBar.Equal(last) {
		t.Errorf("LastTestBar = %v, stitched curve ends %v", res.Windows[0].LastTestBar, last)
	}
}

func TestRunContinuity(t *testing.T) {
	p := weekdayPrices(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := types.WalkForwardConfig{TrainMonths: 12, TestMonths: 6, Metric: "total_return", Sim: types.SimConfig{InitCash: 5000}}

	res, err := newAnalyzer().Run(context.Background(), p, smaGrid(), smaCross, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Windows) < 3 {
		t.Fatalf("expected several windows, got %d", len(res.Windows))
	}

	for i := 1; i < len(res.Windows); i++ {
		if res.Windows[i].StartEquity != res.Windows[i-1].EndEquity {
			t.Errorf("window %d starts with %v, previous ended with %v", i, res.Windows[i].StartEquity, res.Windows[i-1].EndEquity)
		}
	}

	total := 0
	for _, w := range res.Windows {
		total += w.Bars
	}
	if res.Equity.Len() != total {
		t.Errorf("stitched curve has %d points, windows hold %d", res.Equity.Len(), total)
	}
	for i := 1; i < res.Equity.Len(); i++ {
		if !res.Equity.Index[i].After(res.Equity.Index[i-1]) {
			t.Fatalf("stitched curve not strictly increasing at %d", i)
		}
	}
	last := res.Windows[len(res.Windows)-1].EndEquity
	if res.Result.EndValue() != last {
		t.Errorf("result end value %v, last window ended %v", res.Result.EndValue(), last)
	}
}

func TestRunNoWindowsIsError(t *testing.T) {
	p := weekdayPrices(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC))
	cfg := types.WalkForwardConfig{TrainMonths: 12, TestMonths: 12}

	if _, err := newAnalyzer().Run(context.Background(), p, smaGrid(), smaCross, cfg); err == nil {
		t.Error("expected error when no window fits")
	}
}

func TestGridSearchDeterministicTieBreak(t *testing.T) {
	p := weekdayPrices(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	grid := backtester.ParamGrid{
		{Name: "a", Values: []any{"x", "y"}},
		{Name: "b", Values: []any{1, 2, 3}},
	}
	same := func(_ context.Context, p backtester.Prices, _ backtester.Combo) (series.Mask, series.Mask, error) {
		entries := series.NewMask(p.Index())
		entries.Values[0] = true
		return entries, series.NewMask(p.Index()), nil
	}

	for run := 0; run < 3; run++ {
		res, err := newAnalyzer().GridSearch(context.Background(), p, grid, same, "sharpe_ratio", types.DefaultSimConfig())
		if err != nil {
			t.Fatalf("GridSearch failed: %v", err)
		}
		if got := res.Best.String(); got != "a=x,b=1" {
			t.Errorf("run %d: best = %s, want first combination a=x,b=1", run, got)
		}
		if len(res.Table) != 6 {
			t.Errorf("table has %d rows, want 6", len(res.Table))
		}
		if res.Table[1].Params.String() != "a=x,b=2" {
			t.Errorf("enumeration order broken: row 1 = %s", res.Table[1].Params)
		}
	}
}

func TestGridSearchMinimizesDrawdown(t *testing.T) {
	p := weekdayPrices(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	grid := backtester.ParamGrid{{Name: "trade", Values: []any{true, false}}}
	fn := func(_ context.Context, p backtester.Prices, c backtester.Combo) (series.Mask, series.Mask, error) {
		entries := series.NewMask(p.Index())
		if v, _ := c.Get("trade"); v.(bool) {
			entries.Values[0] = true
		}
		return entries, series.NewMask(p.Index()), nil
	}

	res, err := newAnalyzer().GridSearch(context.Background(), p, grid, fn, "max_drawdown", types.DefaultSimConfig())
	if err != nil {
		t.Fatalf("GridSearch failed: %v", err)
	}
	if v, _ := res.Best.Get("trade"); v.(bool) {
		t.Errorf("expected the flat combination to win on drawdown, got %s (score %v)", res.Best, res.Score)
	}
	if res.Score != 0 {
		t.Errorf("flat drawdown should be 0, got %v", res.Score)
	}
}

func TestGridSearchPropagatesStrategyError(t *testing.T) {
	p := weekdayPrices(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC))
	boom := errors.New("boom")
	fn := func(context.Context, backtester.Prices, backtester.Combo) (series.Mask, series.Mask, error) {
		return series.Mask{}, series.Mask{}, boom
	}

	_, err := newAnalyzer().GridSearch(context.Background(), p, smaGrid(), fn, "sharpe_ratio", types.DefaultSimConfig())
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped strategy error, got %v", err)
	}
}

package backtester

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// completionSlack lets a test window count as complete when the data stops
// short of its boundary only by a weekend plus one holiday. The last bar a
// window actually holds is reported as LastTestBar.
const completionSlack = 4 * 24 * time.Hour

// Window is one train/test pair over a price index
type Window struct {
	Train       series.Mask
	Test        series.Mask
	TrainStart  time.Time
	TrainEnd    time.Time
	TestStart   time.Time
	TestEnd     time.Time
	LastTestBar time.Time // last index date inside the test range
}

// SplitIterator lazily yields contiguous, non-overlapping train/test windows.
// It is finite and can be restarted with Reset.
type SplitIterator struct {
	index       []time.Time
	trainMonths int
	testMonths  int
	first       time.Time
	cursor      time.Time
	done        bool
}

// Splits creates a window iterator over index. With startYear > 0 the first
// training window begins at the first index date on or after January 1 of
// that year.
func Splits(index []time.Time, trainMonths, testMonths, startYear int) (*SplitIterator, error) {
	if trainMonths <= 0 || testMonths <= 0 {
		return nil, fmt.Errorf("train and test months must be positive, got %d and %d", trainMonths, testMonths)
	}
	it := &SplitIterator{index: index, trainMonths: trainMonths, testMonths: testMonths}
	i := 0
	if startYear > 0 {
		i = series.IndexAtOrAfter(index, time.Date(startYear, time.January, 1, 0, 0, 0, 0, time.UTC))
	}
	if i >= len(index) {
		it.done = true
	} else {
		it.first = index[i]
	}
	it.Reset()
	return it, nil
}

// Reset restarts iteration from the first window
func (it *SplitIterator) Reset() {
	it.cursor = it.first
	it.done = len(it.index) == 0 || it.first.IsZero()
}

// Next returns the next window, or false when no full train+test pair remains
func (it *SplitIterator) Next() (Window, bool) {
	if it.done {
		return Window{}, false
	}
	start := it.cursor
	trainEnd := start.AddDate(0, it.trainMonths, 0)
	testEnd := trainEnd.AddDate(0, it.testMonths, 0)

	last := it.index[len(it.index)-1]
	if last.Before(testEnd.Add(-completionSlack)) {
		it.done = true
		return Window{}, false
	}

	w := Window{
		Train:      rangeMask(it.index, start, trainEnd),
		Test:       rangeMask(it.index, trainEnd, testEnd),
		TrainStart: start,
		TrainEnd:   trainEnd,
		TestStart:  trainEnd,
		TestEnd:    testEnd,
	}
	if w.Train.Count() == 0 || w.Test.Count() == 0 {
		it.done = true
		return Window{}, false
	}
	for i := len(w.Test.Values) - 1; i >= 0; i-- {
		if w.Test.Values[i] {
			w.LastTestBar = it.index[i]
			break
		}
	}
	it.cursor = testEnd
	return w, true
}

// Collect drains the iterator from its current position
func (it *SplitIterator) Collect() []Window {
	var out []Window
	for {
		w, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, w)
	}
}

// rangeMask marks index dates in [from, to)
func rangeMask(index []time.Time, from, to time.Time) series.Mask {
	m := series.NewMask(index)
	for i := series.IndexAtOrAfter(index, from); i < len(index) && index[i].Before(to); i++ {
		m.Values[i] = true
	}
	return m
}

// Param is one named grid dimension
type Param struct {
	Name   string
	Values []any
}

// ParamGrid is an ordered set of dimensions; enumeration follows declaration order
type ParamGrid []Param

// ParamValue is one parameter assignment
type ParamValue struct {
	Name  string
	Value any
}

// Combo is an ordered assignment of one value per grid dimension
type Combo []ParamValue

// Get returns the value assigned to name
func (c Combo) Get(name string) (any, bool) {
	for _, pv := range c {
		if pv.Name == name {
			return pv.Value, true
		}
	}
	return nil, false
}

func (c Combo) String() string {
	parts := make([]string, len(c))
	for i, pv := range c {
		parts[i] = fmt.Sprintf("%s=%v", pv.Name, pv.Value)
	}
	return strings.Join(parts, ",")
}

// Combinations enumerates the Cartesian product with the last dimension varying fastest
func (g ParamGrid) Combinations() []Combo {
	return cartesianProduct(g, 0, make(Combo, 0, len(g)))
}

// cartesianProduct generates all combinations recursively
func cartesianProduct(grid ParamGrid, idx int, current Combo) []Combo {
	if idx == len(grid) {
		result := make(Combo, len(current))
		copy(result, current)
		return []Combo{result}
	}

	var combinations []Combo
	for _, val := range grid[idx].Values {
		next := append(current, ParamValue{Name: grid[idx].Name, Value: val})
		combinations = append(combinations, cartesianProduct(grid, idx+1, next)...)
	}
	return combinations
}

// StrategyFunc turns prices and one parameter combination into raw entry/exit signals
type StrategyFunc func(ctx context.Context, p Prices, params Combo) (entries, exits series.Mask, err error)

// GridRow is one evaluated combination
type GridRow struct {
	Params Combo
	Score  float64
}

// GridResult is the outcome of a grid search
type GridResult struct {
	Best  Combo
	Score float64
	Table []GridRow
}

// WindowResult holds the diagnostics of one walk-forward window
type WindowResult struct {
	TrainStart  time.Time `json:"trainStart"`
	TrainEnd    time.Time `json:"trainEnd"`
	TestStart   time.Time `json:"testStart"`
	TestEnd     time.Time `json:"testEnd"`
	LastTestBar time.Time `json:"lastTestBar"`
	Params      Combo     `json:"params"`
	Score       float64   `json:"score"`
	OOSReturn   float64   `json:"oosReturn"`
	StartEquity float64   `json:"startEquity"`
	EndEquity   float64   `json:"endEquity"`
	Bars        int       `json:"bars"`
}

// WalkForwardResult is the stitched out-of-sample outcome
type WalkForwardResult struct {
	Equity  series.Series
	Windows []WindowResult
	Result  *Result
}

// WalkForwardAnalyzer performs grid search and walk-forward optimization
type WalkForwardAnalyzer struct {
	logger *zap.Logger
	guard  *LagGuard
}

// NewWalkForwardAnalyzer creates a new walk-forward analyzer
func NewWalkForwardAnalyzer(logger *zap.Logger, guard *LagGuard) *WalkForwardAnalyzer {
	return &WalkForwardAnalyzer{logger: logger, guard: guard}
}

// GridSearch scores every combination of grid on p. The metric is maximised
// unless it is a drawdown-style metric, which is minimised by magnitude.
// Ties keep the earliest combination and NaN scores never win.
func (wf *WalkForwardAnalyzer) GridSearch(
	ctx context.Context,
	p Prices,
	grid ParamGrid,
	strategy StrategyFunc,
	metric string,
	cfg types.SimConfig,
) (*GridResult, error) {
	combos := grid.Combinations()
	if len(combos) == 0 {
		return nil, fmt.Errorf("parameter grid has no combinations")
	}
	minimize := LowerIsBetter(metric)

	result := &GridResult{Score: math.NaN(), Table: make([]GridRow, 0, len(combos))}
	for _, combo := range combos {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entries, exits, err := strategy(ctx, p, combo)
		if err != nil {
			return nil, fmt.Errorf("strategy failed for %s: %w", combo, err)
		}
		res, err := wf.guard.FromSignals(p, entries, exits, cfg)
		if err != nil {
			return nil, fmt.Errorf("simulation failed for %s: %w", combo, err)
		}
		score, err := res.Metric(metric)
		if err != nil {
			return nil, err
		}
		if minimize {
			score = math.Abs(score)
		}
		result.Table = append(result.Table, GridRow{Params: combo, Score: score})

		if math.IsNaN(score) {
			continue
		}
		isBetter := math.IsNaN(result.Score) || score > result.Score
		if minimize {
			isBetter = math.IsNaN(result.Score) || score < result.Score
		}
		if isBetter {
			result.Best = combo
			result.Score = score
		}
	}

	if result.Best == nil {
		wf.logger.Warn("No combination produced a finite score, keeping the first",
			zap.String("metric", metric),
			zap.Int("combinations", len(combos)),
		)
		result.Best = combos[0]
	}
	return result, nil
}

// Run walks the windows of p: grid search on each train slice, then the
// winning parameters on the following test slice. Each test window starts
// with the previous window's ending equity, and the test curves are stitched
// into one out-of-sample curve.
func (wf *WalkForwardAnalyzer) Run(
	ctx context.Context,
	p Prices,
	grid ParamGrid,
	strategy StrategyFunc,
	cfg types.WalkForwardConfig,
) (*WalkForwardResult, error) {
	it, err := Splits(p.Index(), cfg.TrainMonths, cfg.TestMonths, cfg.StartYear)
	if err != nil {
		return nil, err
	}
	sim := cfg.Sim
	if sim.InitCash <= 0 {
		sim.InitCash = types.DefaultSimConfig().InitCash
	}
	metric := cfg.Metric
	if metric == "" {
		metric = "sharpe_ratio"
	}

	out := &WalkForwardResult{}
	var idx []time.Time
	var vals []float64
	var trades []Trade
	cash := sim.InitCash

	for n := 0; ; n++ {
		w, ok := it.Next()
		if !ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		train, err := p.Filter(w.Train)
		if err != nil {
			return nil, err
		}
		test, err := p.Filter(w.Test)
		if err != nil {
			return nil, err
		}

		trainCfg := sim
		trainCfg.InitCash = cash
		gs, err := wf.GridSearch(ctx, train, grid, strategy, metric, trainCfg)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", n, err)
		}

		entries, exits, err := strategy(ctx, test, gs.Best)
		if err != nil {
			return nil, fmt.Errorf("window %d: strategy failed: %w", n, err)
		}
		testCfg := sim
		testCfg.InitCash = cash
		res, err := wf.guard.FromSignals(test, entries, exits, testCfg)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", n, err)
		}

		end := res.EndValue()
		out.Windows = append(out.Windows, WindowResult{
			TrainStart:  w.TrainStart,
			TrainEnd:    w.TrainEnd,
			TestStart:   w.TestStart,
			TestEnd:     w.TestEnd,
			LastTestBar: w.LastTestBar,
			Params:      gs.Best,
			Score:       gs.Score,
			OOSReturn:   res.TotalReturn(),
			StartEquity: cash,
			EndEquity:   end,
			Bars:        test.Len(),
		})
		idx = append(idx, res.Equity.Index...)
		vals = append(vals, res.Equity.Values...)
		trades = append(trades, res.Trades...)

		wf.logger.Debug("Window completed",
			zap.Int("window", n),
			zap.String("params", gs.Best.String()),
			zap.Float64("score", gs.Score),
			zap.Float64("oosReturn", res.TotalReturn()),
		)
		cash = end
	}

	if len(out.Windows) == 0 {
		return nil, fmt.Errorf("no walk-forward windows fit %d train + %d test months", cfg.TrainMonths, cfg.TestMonths)
	}

	out.Equity = series.Series{Name: p.Close.Name, Index: idx, Values: vals}
	out.Result = &Result{
		Equity:         out.Equity,
		Trades:         trades,
		InitCash:       sim.InitCash,
		PeriodsPerYear: wf.guard.Simulator().PeriodsPerYear(),
	}

	wf.logger.Info("Walk-forward analysis complete",
		zap.Int("windowCount", len(out.Windows)),
		zap.Float64("oosReturn", out.Result.TotalReturn()),
		zap.Int("totalTrades", len(trades)),
	)
	return out, nil
}

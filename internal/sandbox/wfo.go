package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// splitsValue lazily yields (train_mask, test_mask) pairs. Each iteration
// starts a fresh SplitIterator, so the value can be walked more than once.
type splitsValue struct {
	index                  []time.Time
	train, test, startYear int
}

func (v *splitsValue) String() string {
	return fmt.Sprintf("<wfo_splits train=%dm test=%dm>", v.train, v.test)
}
func (v *splitsValue) Type() string          { return "wfo_splits" }
func (v *splitsValue) Freeze()               {}
func (v *splitsValue) Truth() starlark.Bool  { return true }
func (v *splitsValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: wfo_splits") }

func (v *splitsValue) Iterate() starlark.Iterator {
	it, _ := backtester.Splits(v.index, v.train, v.test, v.startYear)
	return &splitIterator{it: it}
}

type splitIterator struct {
	it *backtester.SplitIterator
}

func (s *splitIterator) Next(p *starlark.Value) bool {
	if s.it == nil {
		return false
	}
	w, ok := s.it.Next()
	if !ok {
		return false
	}
	*p = starlark.Tuple{&maskValue{m: w.Train}, &maskValue{m: w.Test}}
	return true
}

func (s *splitIterator) Done() {}

func (l *library) wfoSplits(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "wfo_splits"
	var data, startYear starlark.Value
	var train, test int
	if err := starlark.UnpackArgs(fn, args, kwargs, "data", &data, "train_months", &train, "test_months", &test, "start_year?", &startYear); err != nil {
		return nil, err
	}
	index, err := indexOf(fn, data)
	if err != nil {
		return nil, err
	}
	year, err := intArg(fn, "start_year", startYear, 0)
	if err != nil {
		return nil, err
	}
	// Validate the arguments up front so bad months fail here, not on iteration.
	if _, err := backtester.Splits(index, train, test, year); err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return &splitsValue{index: index, train: train, test: test, startYear: year}, nil
}

// paramGrid converts a dict of name -> iterable into an ordered grid
func paramGrid(fn string, v starlark.Value) (backtester.ParamGrid, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: param_grid must be a dict, got %s", fn, v.Type())
	}
	var grid backtester.ParamGrid
	for _, item := range d.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: param_grid keys must be strings, got %s", fn, item[0].Type())
		}
		iterable, ok := item[1].(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: values for %q must be a list, got %s", fn, name, item[1].Type())
		}
		p := backtester.Param{Name: name}
		iter := iterable.Iterate()
		var x starlark.Value
		for iter.Next(&x) {
			p.Values = append(p.Values, x)
		}
		iter.Done()
		if len(p.Values) == 0 {
			return nil, fmt.Errorf("%s: no values for %q", fn, name)
		}
		grid = append(grid, p)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("%s: param_grid is empty", fn)
	}
	return grid, nil
}

func comboDict(c backtester.Combo) *starlark.Dict {
	d := starlark.NewDict(len(c))
	for _, pv := range c {
		val, ok := pv.Value.(starlark.Value)
		if !ok {
			val = starlark.String(fmt.Sprint(pv.Value))
		}
		_ = d.SetKey(starlark.String(pv.Name), val)
	}
	return d
}

// strategyFunc adapts a Starlark callable, invoked as fn(close, **params) and
// returning (entries, exits), to a backtester.StrategyFunc. It runs on the
// calling thread so cancellation reaches it.
func strategyFunc(thread *starlark.Thread, fn starlark.Callable) backtester.StrategyFunc {
	return func(_ context.Context, p backtester.Prices, combo backtester.Combo) (series.Mask, series.Mask, error) {
		close := &seriesValue{s: p.Close, open: p.Open}
		kwargs := make([]starlark.Tuple, len(combo))
		for i, pv := range combo {
			kwargs[i] = starlark.Tuple{starlark.String(pv.Name), pv.Value.(starlark.Value)}
		}
		out, err := starlark.Call(thread, fn, starlark.Tuple{close}, kwargs)
		if err != nil {
			return series.Mask{}, series.Mask{}, err
		}
		return signalPair(fn.Name(), out, p.Index())
	}
}

// signalPair accepts a mask (entries only) or an (entries, exits) pair
func signalPair(fn string, out starlark.Value, index []time.Time) (series.Mask, series.Mask, error) {
	var entries, exits starlark.Value
	switch x := out.(type) {
	case *maskValue:
		entries = x
	case starlark.Tuple:
		if len(x) != 2 {
			return series.Mask{}, series.Mask{}, fmt.Errorf("%s must return (entries, exits), got %d values", fn, len(x))
		}
		entries, exits = x[0], x[1]
	case *starlark.List:
		if x.Len() != 2 {
			return series.Mask{}, series.Mask{}, fmt.Errorf("%s must return (entries, exits), got %d values", fn, x.Len())
		}
		entries, exits = x.Index(0), x.Index(1)
	default:
		return series.Mask{}, series.Mask{}, fmt.Errorf("%s must return (entries, exits), got %s", fn, out.Type())
	}
	en, err := toMask(fn, entries, index)
	if err != nil {
		return series.Mask{}, series.Mask{}, err
	}
	ex, err := toMask(fn, exits, index)
	if err != nil {
		return series.Mask{}, series.Mask{}, err
	}
	return en, ex, nil
}

func (l *library) wfoGridSearch(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "wfo_grid_search"
	var close, grid starlark.Value
	var strategy starlark.Callable
	metric := "sharpe_ratio"
	var sa simArgs
	pairs := append([]interface{}{"close", &close, "param_grid", &grid, "strategy", &strategy, "metric?", &metric}, sa.pairs()...)
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, nil)
	if err != nil {
		return nil, err
	}
	g, err := paramGrid(fn, grid)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	res, err := l.wfo.GridSearch(threadContext(thread), p, g, strategyFunc(thread, strategy), metric, cfg)
	if err != nil {
		return nil, err
	}

	table := make([]starlark.Value, len(res.Table))
	for i, row := range res.Table {
		d := comboDict(row.Params)
		_ = d.SetKey(starlark.String("score"), starlark.Float(row.Score))
		table[i] = d
	}
	return starlarkstruct.FromStringDict(starlark.String("grid_search"), starlark.StringDict{
		"best":  comboDict(res.Best),
		"score": starlark.Float(res.Score),
		"table": starlark.NewList(table),
	}), nil
}

func (l *library) wfoRun(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "wfo_run"
	var close, grid, startYear starlark.Value
	var strategy starlark.Callable
	train, test := 12, 3
	metric := "sharpe_ratio"
	var sa simArgs
	pairs := append([]interface{}{
		"close", &close, "param_grid", &grid, "strategy", &strategy,
		"train_months?", &train, "test_months?", &test, "metric?", &metric, "start_year?", &startYear,
	}, sa.pairs()...)
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, nil)
	if err != nil {
		return nil, err
	}
	g, err := paramGrid(fn, grid)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	year, err := intArg(fn, "start_year", startYear, 0)
	if err != nil {
		return nil, err
	}
	wf := types.WalkForwardConfig{TrainMonths: train, TestMonths: test, StartYear: year, Metric: metric, Sim: cfg}
	res, err := l.wfo.Run(threadContext(thread), p, g, strategyFunc(thread, strategy), wf)
	if err != nil {
		return nil, err
	}
	pf := &portfolioValue{res: res.Result, windows: res.Windows}
	return starlarkstruct.FromStringDict(starlark.String("walk_forward"), starlark.StringDict{
		"equity":    newSeries(res.Equity),
		"windows":   windowList(res.Windows),
		"portfolio": pf,
	}), nil
}

package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// seriesValue exposes a date-indexed float series. Values derived straight
// from bars carry the bar opens so simulations can fill at the next open.
type seriesValue struct {
	s    series.Series
	open []float64
}

var (
	_ starlark.Sequence  = (*seriesValue)(nil)
	_ starlark.Indexable = (*seriesValue)(nil)
	_ starlark.Sliceable = (*seriesValue)(nil)
	_ starlark.HasAttrs  = (*seriesValue)(nil)
	_ starlark.HasBinary = (*seriesValue)(nil)
	_ starlark.HasUnary  = (*seriesValue)(nil)
)

func newSeries(s series.Series) *seriesValue { return &seriesValue{s: s} }

func (v *seriesValue) String() string {
	return fmt.Sprintf("<series %s len=%d>", v.s.Name, v.s.Len())
}
func (v *seriesValue) Type() string          { return "series" }
func (v *seriesValue) Freeze()               {}
func (v *seriesValue) Truth() starlark.Bool  { return v.s.Len() > 0 }
func (v *seriesValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: series") }
func (v *seriesValue) Len() int              { return v.s.Len() }
func (v *seriesValue) Index(i int) starlark.Value {
	return starlark.Float(v.s.Values[i])
}

func (v *seriesValue) Iterate() starlark.Iterator {
	return &floatIterator{values: v.s.Values}
}

func (v *seriesValue) Slice(start, end, step int) starlark.Value {
	var idx []time.Time
	var vals, opens []float64
	withOpen := len(v.open) == v.s.Len()
	for i := start; (step > 0 && i < end) || (step < 0 && i > end); i += step {
		idx = append(idx, v.s.Index[i])
		vals = append(vals, v.s.Values[i])
		if withOpen {
			opens = append(opens, v.open[i])
		}
	}
	return &seriesValue{s: series.Series{Name: v.s.Name, Index: idx, Values: vals}, open: opens}
}

// prices converts v into simulator input, keeping the open column when present
func (v *seriesValue) prices() backtester.Prices {
	p := backtester.Prices{Close: v.s}
	if len(v.open) == v.s.Len() {
		p.Open = v.open
	}
	return p
}

var seriesAttrs = []string{
	"cumsum", "diff", "ema", "ffill", "fillna", "filter", "first", "ge", "gt", "index", "last",
	"le", "lt", "max", "mean", "min", "name", "pct_change", "rolling", "rsi", "shift",
	"std", "sum", "values",
}

func (v *seriesValue) AttrNames() []string { return seriesAttrs }

func (v *seriesValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(v.s.Name), nil
	case "index":
		return &indexValue{idx: v.s.Index}, nil
	case "values":
		out := make([]starlark.Value, v.s.Len())
		for i, f := range v.s.Values {
			out[i] = starlark.Float(f)
		}
		return starlark.NewList(out), nil
	case "shift", "diff", "pct_change":
		return v.periodMethod(name), nil
	case "filter":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var mask starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "mask", &mask); err != nil {
				return nil, err
			}
			m, err := toMask(name, mask, v.s.Index)
			if err != nil {
				return nil, err
			}
			p, err := v.prices().Filter(m)
			if err != nil {
				return nil, err
			}
			return &seriesValue{s: p.Close, open: p.Open}, nil
		}), nil
	case "rolling":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var window int
			if err := starlark.UnpackArgs("rolling", args, kwargs, "window", &window); err != nil {
				return nil, err
			}
			if window <= 0 {
				return nil, fmt.Errorf("rolling: window must be positive, got %d", window)
			}
			return &rollingValue{s: v.s, window: window}, nil
		}), nil
	case "ema", "rsi":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			period := 14
			if err := starlark.UnpackArgs(name, args, kwargs, "period?", &period); err != nil {
				return nil, err
			}
			if period <= 0 {
				return nil, fmt.Errorf("%s: period must be positive, got %d", name, period)
			}
			if name == "ema" {
				return newSeries(v.s.EMA(period)), nil
			}
			return newSeries(v.s.RSI(period)), nil
		}), nil
	case "cumsum", "ffill":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			if name == "cumsum" {
				return newSeries(v.s.CumSum()), nil
			}
			return newSeries(v.s.FFill()), nil
		}), nil
	case "fillna":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var fill starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "value", &fill); err != nil {
				return nil, err
			}
			f, err := floatArg(name, "value", fill, 0)
			if err != nil {
				return nil, err
			}
			return newSeries(v.s.FillNA(f)), nil
		}), nil
	case "mean", "std", "min", "max", "sum", "first", "last":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return starlark.Float(reduce(name, v.s)), nil
		}), nil
	case "gt", "ge", "lt", "le":
		return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var other starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "other", &other); err != nil {
				return nil, err
			}
			return compareSeries(name, v, other)
		}), nil
	}
	return nil, nil
}

func (v *seriesValue) periodMethod(name string) *starlark.Builtin {
	return method("series", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		n := 1
		if err := starlark.UnpackArgs(name, args, kwargs, "periods?", &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%s: periods must not be negative, got %d", name, n)
		}
		switch name {
		case "shift":
			return newSeries(v.s.Shift(n)), nil
		case "diff":
			return newSeries(v.s.Diff(n)), nil
		}
		return newSeries(v.s.PctChange(n)), nil
	})
}

func reduce(name string, s series.Series) float64 {
	switch name {
	case "mean":
		return series.Mean(s.Values)
	case "std":
		return series.StdDev(s.Values)
	case "first":
		return s.First()
	case "last":
		return s.Last()
	}
	valid := s.Valid()
	if len(valid) == 0 {
		if name == "sum" {
			return 0
		}
		return math.NaN()
	}
	out := valid[0]
	for _, f := range valid[1:] {
		switch name {
		case "min":
			out = math.Min(out, f)
		case "max":
			out = math.Max(out, f)
		case "sum":
			out += f
		}
	}
	return out
}

var predicates = map[string]func(x, y float64) bool{
	"gt": func(x, y float64) bool { return x > y },
	"ge": func(x, y float64) bool { return x >= y },
	"lt": func(x, y float64) bool { return x < y },
	"le": func(x, y float64) bool { return x <= y },
}

func compareSeries(name string, v *seriesValue, other starlark.Value) (starlark.Value, error) {
	rhs, err := operand(v.s, other)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if rhs == nil {
		return nil, fmt.Errorf("%s: cannot compare series with %s", name, other.Type())
	}
	m, err := series.Compare(v.s, *rhs, predicates[name])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &maskValue{m: m}, nil
}

// operand returns y as a series on s's index, or nil if y is not numeric
func operand(s series.Series, y starlark.Value) (*series.Series, error) {
	switch o := y.(type) {
	case *seriesValue:
		if o.s.Len() != s.Len() {
			return nil, fmt.Errorf("series length mismatch: %d vs %d", s.Len(), o.s.Len())
		}
		if !series.SameIndex(s.Index, o.s.Index) {
			return nil, fmt.Errorf("series have different dates; use align() first")
		}
		return &o.s, nil
	case starlark.Int, starlark.Float:
		f, _ := starlark.AsFloat(o)
		c := series.Constant(s.Index, f)
		return &c, nil
	}
	return nil, nil
}

var arithmetic = map[syntax.Token]func(x, y float64) float64{
	syntax.PLUS:  func(x, y float64) float64 { return x + y },
	syntax.MINUS: func(x, y float64) float64 { return x - y },
	syntax.STAR:  func(x, y float64) float64 { return x * y },
	syntax.SLASH: func(x, y float64) float64 { return x / y },
}

func (v *seriesValue) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	fn, ok := arithmetic[op]
	if !ok {
		return nil, nil
	}
	rhs, err := operand(v.s, y)
	if err != nil || rhs == nil {
		return nil, err
	}
	a, b := v.s, *rhs
	if side == starlark.Right {
		a, b = b, a
	}
	out, err := series.Combine(a, b, fn)
	if err != nil {
		return nil, err
	}
	out.Index = v.s.Index
	out.Name = v.s.Name
	return newSeries(out), nil
}

func (v *seriesValue) Unary(op syntax.Token) (starlark.Value, error) {
	switch op {
	case syntax.MINUS:
		return newSeries(v.s.Map(func(f float64) float64 { return -f })), nil
	case syntax.PLUS:
		return v, nil
	}
	return nil, nil
}

// rollingValue is the result of series.rolling(window)
type rollingValue struct {
	s      series.Series
	window int
}

func (r *rollingValue) String() string        { return fmt.Sprintf("<rolling window=%d>", r.window) }
func (r *rollingValue) Type() string          { return "rolling" }
func (r *rollingValue) Freeze()               {}
func (r *rollingValue) Truth() starlark.Bool  { return true }
func (r *rollingValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: rolling") }
func (r *rollingValue) AttrNames() []string   { return []string{"max", "mean", "min", "std"} }

func (r *rollingValue) Attr(name string) (starlark.Value, error) {
	var fn func(int) series.Series
	switch name {
	case "mean":
		fn = r.s.RollingMean
	case "std":
		fn = r.s.RollingStd
	case "min":
		fn = r.s.RollingMin
	case "max":
		fn = r.s.RollingMax
	default:
		return nil, nil
	}
	return method("rolling", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		return newSeries(fn(r.window)), nil
	}), nil
}

// maskValue exposes a boolean signal series
type maskValue struct {
	m series.Mask
}

var (
	_ starlark.Sequence  = (*maskValue)(nil)
	_ starlark.Indexable = (*maskValue)(nil)
	_ starlark.HasBinary = (*maskValue)(nil)
	_ starlark.HasUnary  = (*maskValue)(nil)
)

func (v *maskValue) String() string             { return fmt.Sprintf("<mask len=%d true=%d>", v.m.Len(), v.m.Count()) }
func (v *maskValue) Type() string               { return "mask" }
func (v *maskValue) Freeze()                    {}
func (v *maskValue) Truth() starlark.Bool       { return v.m.Count() > 0 }
func (v *maskValue) Hash() (uint32, error)      { return 0, fmt.Errorf("unhashable type: mask") }
func (v *maskValue) Len() int                   { return v.m.Len() }
func (v *maskValue) Index(i int) starlark.Value { return starlark.Bool(v.m.Values[i]) }

func (v *maskValue) Iterate() starlark.Iterator {
	return &boolIterator{values: v.m.Values}
}

func (v *maskValue) AttrNames() []string { return []string{"any", "count", "index", "shift"} }

func (v *maskValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "index":
		return &indexValue{idx: v.m.Index}, nil
	case "count", "any":
		return method("mask", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			if name == "any" {
				return starlark.Bool(v.m.Count() > 0), nil
			}
			return starlark.MakeInt(v.m.Count()), nil
		}), nil
	case "shift":
		return method("mask", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n := 1
			if err := starlark.UnpackArgs(name, args, kwargs, "periods?", &n); err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, fmt.Errorf("%s: periods must not be negative, got %d", name, n)
			}
			return &maskValue{m: v.m.Shift(n)}, nil
		}), nil
	}
	return nil, nil
}

func (v *maskValue) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	var other series.Mask
	switch o := y.(type) {
	case *maskValue:
		other = o.m
	case starlark.Bool:
		other = series.NewMask(v.m.Index)
		for i := range other.Values {
			other.Values[i] = bool(o)
		}
	default:
		return nil, nil
	}
	var (
		out series.Mask
		err error
	)
	switch op {
	case syntax.AMP:
		out, err = v.m.And(other)
	case syntax.PIPE:
		out, err = v.m.Or(other)
	case syntax.CIRCUMFLEX:
		out, err = v.m.Xor(other)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &maskValue{m: out}, nil
}

func (v *maskValue) Unary(op syntax.Token) (starlark.Value, error) {
	if op == syntax.TILDE {
		return &maskValue{m: v.m.Not()}, nil
	}
	return nil, nil
}

// indexValue exposes a date index as a sequence of "YYYY-MM-DD" strings
type indexValue struct {
	idx []time.Time
}

func (v *indexValue) String() string        { return fmt.Sprintf("<index len=%d>", len(v.idx)) }
func (v *indexValue) Type() string          { return "index" }
func (v *indexValue) Freeze()               {}
func (v *indexValue) Truth() starlark.Bool  { return len(v.idx) > 0 }
func (v *indexValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: index") }
func (v *indexValue) Len() int              { return len(v.idx) }
func (v *indexValue) Index(i int) starlark.Value {
	return dateString(v.idx[i])
}

func (v *indexValue) Iterate() starlark.Iterator {
	dates := make([]starlark.Value, len(v.idx))
	for i, t := range v.idx {
		dates[i] = dateString(t)
	}
	return starlark.Tuple(dates).Iterate()
}

type floatIterator struct {
	values []float64
	i      int
}

func (it *floatIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.values) {
		return false
	}
	*p = starlark.Float(it.values[it.i])
	it.i++
	return true
}

func (it *floatIterator) Done() {}

type boolIterator struct {
	values []bool
	i      int
}

func (it *boolIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.values) {
		return false
	}
	*p = starlark.Bool(it.values[it.i])
	it.i++
	return true
}

func (it *boolIterator) Done() {}

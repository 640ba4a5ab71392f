package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"go.starlark.net/starlark"
)

const (
	dateLayout    = "2006-01-02"
	compactLayout = "20060102"
	ctxKey        = "context"
)

// threadContext returns the evaluation context stored on the thread
func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func toFloat(v starlark.Value) (float64, bool) {
	if v == starlark.None {
		return math.NaN(), true
	}
	return starlark.AsFloat(v)
}

func floatArg(fn, name string, v starlark.Value, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: %s must be a number, got %s", fn, name, v.Type())
	}
	return f, nil
}

func intArg(fn, name string, v starlark.Value, def int) (int, error) {
	if v == nil || v == starlark.None {
		return def, nil
	}
	var i int
	if err := starlark.AsInt(v, &i); err != nil {
		return 0, fmt.Errorf("%s: %s must be an int, got %s", fn, name, v.Type())
	}
	return i, nil
}

// parseDate accepts "YYYY-MM-DD" or "YYYYMMDD" strings
func parseDate(fn string, v starlark.Value) (time.Time, error) {
	s, ok := starlark.AsString(v)
	if !ok {
		return time.Time{}, fmt.Errorf("%s: date must be a string like 2024-01-31, got %s", fn, v.Type())
	}
	s = strings.TrimSpace(s)
	layout := dateLayout
	if len(s) == len(compactLayout) {
		layout = compactLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid date %q", fn, s)
	}
	return t, nil
}

func optionalDate(fn string, v starlark.Value) (*time.Time, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	t, err := parseDate(fn, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func dateString(t time.Time) starlark.String {
	return starlark.String(t.Format(dateLayout))
}

func optionalFloat(p *float64) starlark.Value {
	if p == nil {
		return starlark.None
	}
	return starlark.Float(*p)
}

// toSeries converts a series value or a list of numbers on index into a series
func toSeries(fn string, v starlark.Value, index []time.Time) (*seriesValue, error) {
	switch x := v.(type) {
	case *seriesValue:
		return x, nil
	case starlark.Iterable:
		vals, err := floats(fn, x)
		if err != nil {
			return nil, err
		}
		if index != nil && len(vals) != len(index) {
			return nil, fmt.Errorf("%s: got %d values for an index of %d", fn, len(vals), len(index))
		}
		idx := index
		if idx == nil {
			idx = make([]time.Time, len(vals))
		}
		return &seriesValue{s: series.Series{Index: idx, Values: vals}}, nil
	}
	return nil, fmt.Errorf("%s: want series or list of numbers, got %s", fn, v.Type())
}

// toMask converts a mask value, a list of bools or None (all false) into a mask on index
func toMask(fn string, v starlark.Value, index []time.Time) (series.Mask, error) {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return series.NewMask(index), nil
	case *maskValue:
		if x.m.Len() != len(index) {
			return series.Mask{}, fmt.Errorf("%s: mask has %d values, close has %d", fn, x.m.Len(), len(index))
		}
		return x.m, nil
	case starlark.Iterable:
		m := series.NewMask(index)
		it := x.Iterate()
		defer it.Done()
		var item starlark.Value
		i := 0
		for it.Next(&item) {
			if i >= len(index) {
				return series.Mask{}, fmt.Errorf("%s: more signals than bars (%d)", fn, len(index))
			}
			m.Values[i] = bool(item.Truth())
			i++
		}
		if i != len(index) {
			return series.Mask{}, fmt.Errorf("%s: got %d signals for %d bars", fn, i, len(index))
		}
		return m, nil
	}
	return series.Mask{}, fmt.Errorf("%s: want mask or list of bools, got %s", fn, v.Type())
}

func floats(fn string, it starlark.Iterable) ([]float64, error) {
	iter := it.Iterate()
	defer iter.Done()
	var out []float64
	var item starlark.Value
	for iter.Next(&item) {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("%s: want numbers, got %s", fn, item.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// indexOf extracts a date index from an index, series or mask value
func indexOf(fn string, v starlark.Value) ([]time.Time, error) {
	switch x := v.(type) {
	case *indexValue:
		return x.idx, nil
	case *seriesValue:
		return x.s.Index, nil
	case *maskValue:
		return x.m.Index, nil
	case starlark.Iterable:
		var out []time.Time
		iter := x.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			t, err := parseDate(fn, item)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: want index, series or list of dates, got %s", fn, v.Type())
}

// floatDict converts a stats map into a frozen dict with sorted keys
func floatDict(m map[string]float64) *starlark.Dict {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := starlark.NewDict(len(keys))
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.Float(m[k]))
	}
	d.Freeze()
	return d
}

func method(recv, name string, fn func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(recv+"."+name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return fn(thread, args, kwargs)
	})
}

func builtin(name string, fn func(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return fn(thread, args, kwargs)
	})
}

package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/starlark"
)

// Fields are the OHLCV columns exposed on data frames, in display order
var Fields = []string{"open", "high", "low", "close", "volume"}

// Frame is one symbol's OHLCV columns on a shared date index
type Frame struct {
	Symbol string
	Index  []time.Time
	Cols   map[string][]float64
}

// NewFrame builds a frame from bars, normalizing timestamps to dates
func NewFrame(symbol string, bars []types.Bar) Frame {
	f := Frame{Symbol: symbol, Index: make([]time.Time, len(bars)), Cols: make(map[string][]float64, len(Fields))}
	for _, name := range Fields {
		f.Cols[name] = make([]float64, len(bars))
	}
	for i, b := range bars {
		f.Index[i] = series.Normalize(b.Timestamp)
		f.Cols["open"][i] = b.Open
		f.Cols["high"][i] = b.High
		f.Cols["low"][i] = b.Low
		f.Cols["close"][i] = b.Close
		f.Cols["volume"][i] = float64(b.Volume)
	}
	return f
}

// Align reindexes every column onto target with forward fill
func (f Frame) Align(target []time.Time) Frame {
	out := Frame{Symbol: f.Symbol, Index: target, Cols: make(map[string][]float64, len(f.Cols))}
	for name, vals := range f.Cols {
		out.Cols[name] = series.Align(series.Series{Index: f.Index, Values: vals}, target).Values
	}
	return out
}

// Len returns the number of bars
func (f Frame) Len() int { return len(f.Index) }

func (f Frame) column(name string) *seriesValue {
	vals, ok := f.Cols[name]
	if !ok {
		vals = make([]float64, len(f.Index))
		for i := range vals {
			vals[i] = math.NaN()
		}
	}
	v := &seriesValue{s: series.Series{Name: f.Symbol, Index: f.Index, Values: vals}}
	if name == "close" {
		v.open = f.Cols["open"]
	}
	return v
}

// frameValue is the data binding. A single-symbol frame resolves
// data.close to a series; a multi-symbol frame resolves it to a field
// keyed by symbol, as in data.close["SPY"].
type frameValue struct {
	symbols []string
	frames  map[string]Frame
	index   []time.Time
}

var (
	_ starlark.HasAttrs = (*frameValue)(nil)
	_ starlark.Mapping  = (*frameValue)(nil)
)

func newFrameValue(symbols []string, frames map[string]Frame) *frameValue {
	v := &frameValue{symbols: symbols, frames: frames}
	if len(symbols) > 0 {
		v.index = frames[symbols[0]].Index
	}
	return v
}

func (v *frameValue) String() string {
	return fmt.Sprintf("<frame symbols=%v len=%d>", v.symbols, len(v.index))
}
func (v *frameValue) Type() string          { return "frame" }
func (v *frameValue) Freeze()               {}
func (v *frameValue) Truth() starlark.Bool  { return len(v.index) > 0 }
func (v *frameValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: frame") }

func (v *frameValue) AttrNames() []string {
	return append([]string{"index", "symbols"}, Fields...)
}

func (v *frameValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "index":
		return &indexValue{idx: v.index}, nil
	case "symbols":
		return stringTuple(v.symbols), nil
	}
	if !isField(name) {
		return nil, nil
	}
	if len(v.symbols) == 1 {
		return v.frames[v.symbols[0]].column(name), nil
	}
	return &fieldValue{name: name, parent: v}, nil
}

func (v *frameValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("frame keys are field names, got %s", k.Type())
	}
	if !isField(s) {
		return nil, false, nil
	}
	val, err := v.Attr(s)
	return val, val != nil, err
}

func isField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// fieldValue is one OHLCV column across symbols
type fieldValue struct {
	name   string
	parent *frameValue
}

var _ starlark.Mapping = (*fieldValue)(nil)

func (v *fieldValue) String() string        { return fmt.Sprintf("<field %s symbols=%v>", v.name, v.parent.symbols) }
func (v *fieldValue) Type() string          { return "field" }
func (v *fieldValue) Freeze()               {}
func (v *fieldValue) Truth() starlark.Bool  { return len(v.parent.symbols) > 0 }
func (v *fieldValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: field") }
func (v *fieldValue) Len() int              { return len(v.parent.symbols) }

func (v *fieldValue) Iterate() starlark.Iterator {
	return stringTuple(v.parent.symbols).Iterate()
}

func (v *fieldValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	sym, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("%s: symbol must be a string, got %s", v.name, k.Type())
	}
	f, ok := v.parent.frames[sym]
	if !ok {
		return nil, false, nil
	}
	return f.column(v.name), true, nil
}

func (v *fieldValue) AttrNames() []string { return []string{"keys"} }

func (v *fieldValue) Attr(name string) (starlark.Value, error) {
	if name != "keys" {
		return nil, nil
	}
	return method("field", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		return stringList(v.parent.symbols), nil
	}), nil
}

func stringTuple(ss []string) starlark.Tuple {
	out := make(starlark.Tuple, len(ss))
	for i, s := range ss {
		out[i] = starlark.String(s)
	}
	return out
}

func stringList(ss []string) *starlark.List {
	return starlark.NewList(stringTuple(ss))
}

// bySymbol builds a frozen dict of single-symbol frames
func bySymbol(symbols []string, frames map[string]Frame) *starlark.Dict {
	d := starlark.NewDict(len(symbols))
	for _, sym := range symbols {
		_ = d.SetKey(starlark.String(sym), newFrameValue([]string{sym}, map[string]Frame{sym: frames[sym]}))
	}
	d.Freeze()
	return d
}

package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"
)

// FetchFunc loads the close series of a symbol that is not part of the request
type FetchFunc func(ctx context.Context, symbol string) (series.Series, error)

// Bindings is the market data and configuration a strategy runs against.
// Frames must already share the primary symbol's calendar.
type Bindings struct {
	Symbols   []string // symbols with data, primary first
	Requested []string // symbols as requested, including those without data
	Frames    map[string]Frame
	Fetch     FetchFunc

	Chain      *chain.Chain
	Underlying *series.Series

	Sim            types.SimConfig
	PeriodsPerYear float64
}

// primaryIndex is the calendar strategies align onto
func (b *Bindings) primaryIndex() []time.Time {
	if len(b.Symbols) > 0 {
		if f, ok := b.Frames[b.Symbols[0]]; ok {
			return f.Index
		}
	}
	if b.Underlying != nil {
		return b.Underlying.Index
	}
	return nil
}

// library holds the per-evaluation state behind the predeclared names.
// A new one is built for every evaluation.
type library struct {
	logger   *zap.Logger
	bindings *Bindings
	guard    *backtester.LagGuard
	wfo      *backtester.WalkForwardAnalyzer
	sim      types.SimConfig
	index    []time.Time
}

func newLibrary(logger *zap.Logger, b *Bindings) *library {
	sim := b.Sim
	def := types.DefaultSimConfig()
	if sim.InitCash <= 0 {
		sim.InitCash = def.InitCash
	}
	if sim.Size <= 0 {
		sim.Size = def.Size
	}
	guard := backtester.NewLagGuard(logger, backtester.NewSimulator(logger, b.PeriodsPerYear))
	return &library{
		logger:   logger,
		bindings: b,
		guard:    guard,
		wfo:      backtester.NewWalkForwardAnalyzer(logger, guard),
		sim:      sim,
		index:    b.primaryIndex(),
	}
}

// predeclared returns the whitelist of names visible to strategy code
func (l *library) predeclared() starlark.StringDict {
	d := starlark.StringDict{
		"vbt":             l.vbtModule(),
		"ta":              l.taModule(),
		"stats":           l.statsModule(),
		"math":            starlarkmath.Module,
		"align":           builtin("align", l.align),
		"series":          builtin("series", l.newSeries),
		"nan":             starlark.Float(math.NaN()),
		"wfo_splits":      builtin("wfo_splits", l.wfoSplits),
		"wfo_grid_search": builtin("wfo_grid_search", l.wfoGridSearch),
		"wfo_run":         builtin("wfo_run", l.wfoRun),
	}

	b := l.bindings
	d["symbols"] = stringTuple(b.Symbols)
	d["requested_symbols"] = stringTuple(b.Requested)
	if len(b.Frames) > 0 {
		d["data"] = newFrameValue(b.Symbols, b.Frames)
		d["by_symbol"] = bySymbol(b.Symbols, b.Frames)
	}
	if b.Fetch != nil {
		d["fetch"] = builtin("fetch", l.fetch)
	}
	if b.Chain != nil {
		d["chain"] = &chainValue{c: b.Chain}
		d["OptionsBook"] = optionsBookFactory(l.logger, b.Chain, l.sim.InitCash)
	}
	if b.Underlying != nil {
		d["underlying"] = newSeries(*b.Underlying)
	}
	return d
}

// fetch(symbol) loads another symbol's closes aligned to the primary calendar
func (l *library) fetch(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var symbol string
	if err := starlark.UnpackArgs("fetch", args, kwargs, "symbol", &symbol); err != nil {
		return nil, err
	}
	s, err := l.bindings.Fetch(threadContext(thread), symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	if l.index != nil {
		s = series.Align(s, l.index)
	}
	s.Name = symbol
	return newSeries(s), nil
}

// align(series, index) reindexes onto index with forward fill and no back fill
func (l *library) align(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, target starlark.Value
	if err := starlark.UnpackArgs("align", args, kwargs, "series", &src, "index", &target); err != nil {
		return nil, err
	}
	s, ok := src.(*seriesValue)
	if !ok {
		return nil, fmt.Errorf("align: want series, got %s", src.Type())
	}
	idx, err := indexOf("align", target)
	if err != nil {
		return nil, err
	}
	return newSeries(series.Align(s.s, series.NormalizeIndex(idx))), nil
}

// series(values, index=None) builds a series; without index it uses the primary calendar
func (l *library) newSeries(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values, index starlark.Value
	if err := starlark.UnpackArgs("series", args, kwargs, "values", &values, "index?", &index); err != nil {
		return nil, err
	}
	idx := l.index
	if index != nil && index != starlark.None {
		var err error
		if idx, err = indexOf("series", index); err != nil {
			return nil, err
		}
	}
	return toSeries("series", values, idx)
}

// taModule holds indicator helpers; each returns a series or mask on the input's index
func (l *library) taModule() *starlarkstruct.Module {
	windowed := func(name string, fn func(s series.Series, n int) series.Series, def int) *starlark.Builtin {
		return builtin("ta."+name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var src starlark.Value
			n := def
			if err := starlark.UnpackArgs(name, args, kwargs, "series", &src, "window?", &n); err != nil {
				return nil, err
			}
			s, err := toSeries(name, src, l.index)
			if err != nil {
				return nil, err
			}
			if n <= 0 {
				return nil, fmt.Errorf("%s: window must be positive, got %d", name, n)
			}
			return newSeries(fn(s.s, n)), nil
		})
	}
	cross := func(name string, up bool) *starlark.Builtin {
		return builtin("ta."+name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a, b starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "a", &a, "b", &b); err != nil {
				return nil, err
			}
			sa, err := toSeries(name, a, l.index)
			if err != nil {
				return nil, err
			}
			sb, err := operand(sa.s, b)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			if sb == nil {
				return nil, fmt.Errorf("%s: b must be a series or number, got %s", name, b.Type())
			}
			m, err := crossing(sa.s, *sb, up)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return &maskValue{m: m}, nil
		})
	}

	return &starlarkstruct.Module{Name: "ta", Members: starlark.StringDict{
		"sma":         windowed("sma", series.Series.RollingMean, 20),
		"ema":         windowed("ema", series.Series.EMA, 20),
		"rsi":         windowed("rsi", series.Series.RSI, 14),
		"rolling_std": windowed("rolling_std", series.Series.RollingStd, 20),
		"highest":     windowed("highest", series.Series.RollingMax, 20),
		"lowest":      windowed("lowest", series.Series.RollingMin, 20),
		"zscore":      windowed("zscore", zscore, 20),
		"crossover":   cross("crossover", true),
		"crossunder":  cross("crossunder", false),
		"bollinger":   builtin("ta.bollinger", l.bollinger),
	}}
}

// crossing marks bars where a moves from at-or-below b to above it (or the reverse when up is false)
func crossing(a, b series.Series, up bool) (series.Mask, error) {
	now, before := func(x, y float64) bool { return x > y }, func(x, y float64) bool { return x <= y }
	if !up {
		now, before = func(x, y float64) bool { return x < y }, func(x, y float64) bool { return x >= y }
	}
	cur, err := series.Compare(a, b, now)
	if err != nil {
		return series.Mask{}, err
	}
	prev, err := series.Compare(a.Shift(1), b.Shift(1), before)
	if err != nil {
		return series.Mask{}, err
	}
	return cur.And(prev)
}

func zscore(s series.Series, window int) series.Series {
	mean := s.RollingMean(window)
	std := s.RollingStd(window)
	out := make([]float64, s.Len())
	for i, v := range s.Values {
		out[i] = (v - mean.Values[i]) / std.Values[i]
		if std.Values[i] == 0 {
			out[i] = math.NaN()
		}
	}
	return s.WithValues(out)
}

// bollinger(series, window=20, k=2) returns (upper, middle, lower)
func (l *library) bollinger(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, k starlark.Value
	window := 20
	if err := starlark.UnpackArgs("bollinger", args, kwargs, "series", &src, "window?", &window, "k?", &k); err != nil {
		return nil, err
	}
	s, err := toSeries("bollinger", src, l.index)
	if err != nil {
		return nil, err
	}
	width, err := floatArg("bollinger", "k", k, 2)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, fmt.Errorf("bollinger: window must be positive, got %d", window)
	}
	mid := s.s.RollingMean(window)
	std := s.s.RollingStd(window)
	upper, _ := series.Combine(mid, std, func(m, sd float64) float64 { return m + width*sd })
	lower, _ := series.Combine(mid, std, func(m, sd float64) float64 { return m - width*sd })
	return starlark.Tuple{newSeries(upper), newSeries(mid), newSeries(lower)}, nil
}

// statsModule holds reductions over a series or a list of numbers; NaN is skipped
func (l *library) statsModule() *starlarkstruct.Module {
	unary := func(name string, fn func([]float64) float64) *starlark.Builtin {
		return builtin("stats."+name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "x", &x); err != nil {
				return nil, err
			}
			s, err := toSeries(name, x, nil)
			if err != nil {
				return nil, err
			}
			return starlark.Float(fn(s.s.Valid())), nil
		})
	}
	return &starlarkstruct.Module{Name: "stats", Members: starlark.StringDict{
		"mean":   unary("mean", series.Mean),
		"std":    unary("std", series.StdDev),
		"median": unary("median", func(v []float64) float64 { return quantile(v, 0.5) }),
		"sum": unary("sum", func(v []float64) float64 {
			total := 0.0
			for _, f := range v {
				total += f
			}
			return total
		}),
		"quantile": builtin("stats.quantile", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var x, q starlark.Value
			if err := starlark.UnpackArgs("quantile", args, kwargs, "x", &x, "q", &q); err != nil {
				return nil, err
			}
			s, err := toSeries("quantile", x, nil)
			if err != nil {
				return nil, err
			}
			p, err := floatArg("quantile", "q", q, 0.5)
			if err != nil {
				return nil, err
			}
			if p < 0 || p > 1 {
				return nil, fmt.Errorf("quantile: q must be in [0, 1], got %v", p)
			}
			return starlark.Float(quantile(s.s.Valid(), p)), nil
		}),
		"corr": builtin("stats.corr", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var a, b starlark.Value
			if err := starlark.UnpackArgs("corr", args, kwargs, "a", &a, "b", &b); err != nil {
				return nil, err
			}
			sa, err := toSeries("corr", a, nil)
			if err != nil {
				return nil, err
			}
			sb, err := toSeries("corr", b, nil)
			if err != nil {
				return nil, err
			}
			if sa.s.Len() != sb.s.Len() {
				return nil, fmt.Errorf("corr: length mismatch: %d vs %d", sa.s.Len(), sb.s.Len())
			}
			return starlark.Float(correlation(sa.s.Values, sb.s.Values)), nil
		}),
	}}
}

// quantile uses linear interpolation between closest ranks
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// correlation is Pearson's r over pairs where both sides are present
func correlation(a, b []float64) float64 {
	var xs, ys []float64
	for i := range a {
		if !math.IsNaN(a[i]) && !math.IsNaN(b[i]) {
			xs = append(xs, a[i])
			ys = append(ys, b[i])
		}
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	mx, my := series.Mean(xs), series.Mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return math.NaN()
	}
	return sxy / math.Sqrt(sxx*syy)
}

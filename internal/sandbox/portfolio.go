package sandbox

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-sandbox/internal/backtester"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// portfolioValue wraps a simulation result. It is the only type accepted
// for the pf output binding.
type portfolioValue struct {
	res     *backtester.Result
	windows []backtester.WindowResult
}

var _ starlark.HasAttrs = (*portfolioValue)(nil)

func (v *portfolioValue) String() string {
	return fmt.Sprintf("<portfolio bars=%d total_return=%.4f>", v.res.Equity.Len(), v.res.TotalReturn())
}
func (v *portfolioValue) Type() string          { return "portfolio" }
func (v *portfolioValue) Freeze()               {}
func (v *portfolioValue) Truth() starlark.Bool  { return true }
func (v *portfolioValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: portfolio") }

// metric methods resolve through Result.Metric, so aliases work too
var portfolioMetrics = []string{
	"annualized_return", "calmar_ratio", "max_drawdown", "sharpe_ratio", "sortino_ratio",
	"total_return", "volatility", "win_rate", "profit_factor", "expectancy",
}

func (v *portfolioValue) AttrNames() []string {
	names := []string{"cumulative_returns", "equity", "final_value", "init_cash", "monte_carlo", "returns", "stat", "stats", "total_trades", "trades", "value", "windows"}
	return append(names, portfolioMetrics...)
}

func (v *portfolioValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "init_cash":
		return starlark.Float(v.res.InitCash), nil
	case "equity":
		return newSeries(v.res.Equity), nil
	case "trades":
		return tradeList(v.res.Trades), nil
	case "windows":
		return windowList(v.windows), nil
	case "stats":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return floatDict(v.res.Stats()), nil
		}), nil
	case "stat":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var metric string
			if err := starlark.UnpackArgs(name, args, kwargs, "name", &metric); err != nil {
				return nil, err
			}
			f, err := v.res.Metric(metric)
			if err != nil {
				return nil, err
			}
			return starlark.Float(f), nil
		}), nil
	case "value", "returns", "cumulative_returns":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			switch name {
			case "returns":
				return newSeries(v.res.Returns()), nil
			case "cumulative_returns":
				return newSeries(v.res.CumulativeReturns()), nil
			}
			return newSeries(v.res.Equity), nil
		}), nil
	case "final_value":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return starlark.Float(v.res.EndValue()), nil
		}), nil
	case "monte_carlo":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			iterations, seed := 1000, 0
			if err := starlark.UnpackArgs(name, args, kwargs, "iterations?", &iterations, "seed?", &seed); err != nil {
				return nil, err
			}
			if iterations <= 0 || iterations > 100000 {
				return nil, fmt.Errorf("monte_carlo: iterations must be in [1, 100000], got %d", iterations)
			}
			return floatDict(backtester.MonteCarlo(v.res.Trades, iterations, int64(seed)).Stats()), nil
		}), nil
	case "total_trades":
		return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			return starlark.MakeInt(len(v.res.Trades)), nil
		}), nil
	}
	for _, m := range portfolioMetrics {
		if m == name {
			return method("portfolio", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
					return nil, err
				}
				f, err := v.res.Metric(name)
				if err != nil {
					return nil, err
				}
				return starlark.Float(f), nil
			}), nil
		}
	}
	return nil, nil
}

func tradeList(trades []backtester.Trade) *starlark.List {
	out := make([]starlark.Value, len(trades))
	for i, t := range trades {
		d := starlark.NewDict(8)
		_ = d.SetKey(starlark.String("entry_time"), dateString(t.EntryTime))
		exit := starlark.Value(starlark.None)
		if !t.Open {
			exit = dateString(t.ExitTime)
		}
		_ = d.SetKey(starlark.String("exit_time"), exit)
		_ = d.SetKey(starlark.String("entry_price"), starlark.Float(t.EntryPrice))
		_ = d.SetKey(starlark.String("exit_price"), starlark.Float(t.ExitPrice))
		_ = d.SetKey(starlark.String("quantity"), starlark.Float(t.Quantity))
		_ = d.SetKey(starlark.String("pnl"), starlark.Float(t.PnL))
		_ = d.SetKey(starlark.String("return"), starlark.Float(t.Return))
		_ = d.SetKey(starlark.String("open"), starlark.Bool(t.Open))
		out[i] = d
	}
	return starlark.NewList(out)
}

func windowList(windows []backtester.WindowResult) *starlark.List {
	out := make([]starlark.Value, len(windows))
	for i, w := range windows {
		d := starlark.NewDict(11)
		_ = d.SetKey(starlark.String("train_start"), dateString(w.TrainStart))
		_ = d.SetKey(starlark.String("train_end"), dateString(w.TrainEnd))
		_ = d.SetKey(starlark.String("test_start"), dateString(w.TestStart))
		_ = d.SetKey(starlark.String("test_end"), dateString(w.TestEnd))
		_ = d.SetKey(starlark.String("last_test_bar"), dateString(w.LastTestBar))
		_ = d.SetKey(starlark.String("params"), comboDict(w.Params))
		_ = d.SetKey(starlark.String("score"), starlark.Float(w.Score))
		_ = d.SetKey(starlark.String("oos_return"), starlark.Float(w.OOSReturn))
		_ = d.SetKey(starlark.String("start_equity"), starlark.Float(w.StartEquity))
		_ = d.SetKey(starlark.String("end_equity"), starlark.Float(w.EndEquity))
		_ = d.SetKey(starlark.String("bars"), starlark.MakeInt(w.Bars))
		out[i] = d
	}
	return starlark.NewList(out)
}

// simArgs are the simulator keyword arguments shared by the vbt constructors
type simArgs struct {
	initCash starlark.Value
	fees     starlark.Value
	slippage starlark.Value
	size     starlark.Value
}

func (a *simArgs) pairs() []interface{} {
	return []interface{}{"init_cash?", &a.initCash, "fees?", &a.fees, "slippage?", &a.slippage, "size?", &a.size}
}

// config overlays the call's keyword arguments on the session defaults.
// slippage is a fraction of price, as in vectorbt.
func (a *simArgs) config(fn string, base types.SimConfig) (types.SimConfig, error) {
	cfg := base
	var err error
	if cfg.InitCash, err = floatArg(fn, "init_cash", a.initCash, base.InitCash); err != nil {
		return cfg, err
	}
	if cfg.Fees, err = floatArg(fn, "fees", a.fees, base.Fees); err != nil {
		return cfg, err
	}
	slip, err := floatArg(fn, "slippage", a.slippage, base.SlippageBps/10000)
	if err != nil {
		return cfg, err
	}
	cfg.SlippageBps = slip * 10000
	if cfg.Size, err = floatArg(fn, "size", a.size, base.Size); err != nil {
		return cfg, err
	}
	switch {
	case cfg.InitCash <= 0 || math.IsNaN(cfg.InitCash):
		return cfg, fmt.Errorf("%s: init_cash must be positive", fn)
	case cfg.Fees < 0 || cfg.SlippageBps < 0:
		return cfg, fmt.Errorf("%s: fees and slippage must be non-negative", fn)
	case cfg.Size <= 0:
		return cfg, fmt.Errorf("%s: size must be positive", fn)
	}
	return cfg, nil
}

// pricesFor builds simulator input from close and an optional explicit open
func pricesFor(fn string, close starlark.Value, open starlark.Value) (backtester.Prices, error) {
	c, ok := close.(*seriesValue)
	if !ok {
		return backtester.Prices{}, fmt.Errorf("%s: close must be a series, got %s", fn, close.Type())
	}
	p := c.prices()
	if open != nil && open != starlark.None {
		o, err := toSeries(fn, open, c.s.Index)
		if err != nil {
			return backtester.Prices{}, err
		}
		if o.s.Len() != c.s.Len() {
			return backtester.Prices{}, fmt.Errorf("%s: open has %d values, close has %d", fn, o.s.Len(), c.s.Len())
		}
		p.Open = o.s.Values
	}
	return p, nil
}

// vbtModule builds the vectorbt-style portfolio constructors. Every
// constructor that acts on strategy output goes through the lag guard.
func (l *library) vbtModule() *starlarkstruct.Module {
	members := starlark.StringDict{
		"from_signals":        builtin("vbt.from_signals", l.fromSignals),
		"from_orders":         builtin("vbt.from_orders", l.fromOrders),
		"from_returns":        builtin("vbt.from_returns", l.fromReturns),
		"from_holding":        builtin("vbt.from_holding", l.fromHolding),
		"from_random_signals": builtin("vbt.from_random_signals", l.fromRandomSignals),
	}
	portfolio := &starlarkstruct.Module{Name: "Portfolio", Members: members}
	all := starlark.StringDict{"Portfolio": portfolio}
	for k, v := range members {
		all[k] = v
	}
	return &starlarkstruct.Module{Name: "vbt", Members: all}
}

func (l *library) fromSignals(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "from_signals"
	var close, entries, exits, open starlark.Value
	var sa simArgs
	pairs := append([]interface{}{"close", &close, "entries", &entries, "exits?", &exits}, sa.pairs()...)
	pairs = append(pairs, "open?", &open)
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, open)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	en, err := toMask(fn, entries, p.Index())
	if err != nil {
		return nil, err
	}
	ex, err := toMask(fn, exits, p.Index())
	if err != nil {
		return nil, err
	}
	res, err := l.guard.FromSignals(p, en, ex, cfg)
	if err != nil {
		return nil, err
	}
	return &portfolioValue{res: res}, nil
}

func (l *library) fromOrders(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "from_orders"
	var close, size, open starlark.Value
	var sa simArgs
	pairs := []interface{}{"close", &close, "size", &size, "init_cash?", &sa.initCash, "fees?", &sa.fees, "slippage?", &sa.slippage, "open?", &open}
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, open)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	sizes, err := toSeries(fn, size, p.Index())
	if err != nil {
		return nil, err
	}
	if sizes.s.Len() != p.Len() {
		return nil, fmt.Errorf("%s: size has %d values, close has %d", fn, sizes.s.Len(), p.Len())
	}
	res, err := l.guard.FromOrders(p, sizes.s, cfg)
	if err != nil {
		return nil, err
	}
	return &portfolioValue{res: res}, nil
}

func (l *library) fromReturns(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "from_returns"
	var returns starlark.Value
	var sa simArgs
	if err := starlark.UnpackArgs(fn, args, kwargs, "returns", &returns, "init_cash?", &sa.initCash); err != nil {
		return nil, err
	}
	r, ok := returns.(*seriesValue)
	if !ok {
		return nil, fmt.Errorf("%s: returns must be a series, got %s", fn, returns.Type())
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	res, err := l.guard.FromReturns(r.s, cfg)
	if err != nil {
		return nil, err
	}
	return &portfolioValue{res: res}, nil
}

func (l *library) fromHolding(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "from_holding"
	var close, open starlark.Value
	var sa simArgs
	pairs := append([]interface{}{"close", &close}, sa.pairs()...)
	pairs = append(pairs, "open?", &open)
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, open)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	res, err := l.guard.FromHolding(p, cfg)
	if err != nil {
		return nil, err
	}
	return &portfolioValue{res: res}, nil
}

func (l *library) fromRandomSignals(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "from_random_signals"
	var close, open starlark.Value
	var n, seed int
	var sa simArgs
	pairs := append([]interface{}{"close", &close, "n", &n, "seed?", &seed}, sa.pairs()...)
	pairs = append(pairs, "open?", &open)
	if err := starlark.UnpackArgs(fn, args, kwargs, pairs...); err != nil {
		return nil, err
	}
	p, err := pricesFor(fn, close, open)
	if err != nil {
		return nil, err
	}
	cfg, err := sa.config(fn, l.sim)
	if err != nil {
		return nil, err
	}
	res, err := l.guard.FromRandomSignals(p, n, int64(seed), cfg)
	if err != nil {
		return nil, err
	}
	return &portfolioValue{res: res}, nil
}

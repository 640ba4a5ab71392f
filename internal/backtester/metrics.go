package backtester

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

// Result is the outcome of one simulation
type Result struct {
	Equity         series.Series
	Trades         []Trade
	InitCash       float64
	PeriodsPerYear float64
}

// Returns returns per-bar simple returns; the first bar's return is measured from InitCash.
func (r *Result) Returns() series.Series {
	out := make([]float64, r.Equity.Len())
	prev := r.InitCash
	for i, v := range r.Equity.Values {
		if prev == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = v/prev - 1
		}
		prev = v
	}
	return r.Equity.WithValues(out)
}

// CumulativeReturns returns equity / InitCash - 1 at every bar.
func (r *Result) CumulativeReturns() series.Series {
	return r.Equity.Map(func(v float64) float64 {
		if r.InitCash == 0 {
			return math.NaN()
		}
		return v/r.InitCash - 1
	})
}

// TotalReturn returns the return over the whole curve
func (r *Result) TotalReturn() float64 {
	if r.InitCash == 0 || r.Equity.Len() == 0 {
		return math.NaN()
	}
	return r.Equity.Last()/r.InitCash - 1
}

// EndValue returns the final equity, or InitCash for an empty curve
func (r *Result) EndValue() float64 {
	if r.Equity.Len() == 0 {
		return r.InitCash
	}
	return r.Equity.Last()
}

// Stats calculates every statistic the result exposes
func (r *Result) Stats() map[string]float64 {
	return NewMetricsCalculator(r.PeriodsPerYear).Calculate(r)
}

// Metric looks up one statistic by name
func (r *Result) Metric(name string) (float64, error) {
	stats := r.Stats()
	v, ok := stats[strings.ToLower(name)]
	if !ok {
		if alias, ok := metricAliases[strings.ToLower(name)]; ok {
			return stats[alias], nil
		}
		return math.NaN(), fmt.Errorf("unknown metric %q", name)
	}
	return v, nil
}

// PortfolioResult converts the simulation into the serializable result shape.
// Benchmarks are cumulative return curves keyed by name.
func (r *Result) PortfolioResult(benchmarks map[string]series.Series) types.PortfolioResult {
	out := types.PortfolioResult{
		Stats:   r.Stats(),
		Equity:  points(r.Equity),
		Returns: points(r.CumulativeReturns()),
	}
	if len(benchmarks) > 0 {
		out.Benchmarks = make(map[string][]types.EquityPoint, len(benchmarks))
		for name, b := range benchmarks {
			out.Benchmarks[name] = points(b)
		}
	}
	return out
}

func points(s series.Series) []types.EquityPoint {
	out := make([]types.EquityPoint, s.Len())
	for i := range s.Values {
		out[i] = types.EquityPoint{Timestamp: s.Index[i], Value: s.Values[i]}
	}
	return out
}

var metricAliases = map[string]string{
	"sharpe":        "sharpe_ratio",
	"sortino":       "sortino_ratio",
	"calmar":        "calmar_ratio",
	"return":        "total_return",
	"drawdown":      "max_drawdown",
	"max_dd":        "max_drawdown",
	"annual_return": "annualized_return",
}

// LowerIsBetter reports whether a metric is minimised when optimizing
func LowerIsBetter(metric string) bool {
	m := strings.ToLower(metric)
	if alias, ok := metricAliases[m]; ok {
		m = alias
	}
	return strings.Contains(m, "drawdown") || m == "volatility"
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	periodsPerYear float64
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(periodsPerYear float64) *MetricsCalculator {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &MetricsCalculator{periodsPerYear: periodsPerYear}
}

// Calculate calculates all performance metrics. Values may be NaN or Inf when
// undefined; callers serializing them must normalize.
func (mc *MetricsCalculator) Calculate(r *Result) map[string]float64 {
	m := map[string]float64{
		"start_value": r.InitCash,
		"end_value":   r.EndValue(),
	}

	total := r.TotalReturn()
	m["total_return"] = total

	returns := r.Returns().Valid()
	n := float64(len(returns))
	if n > 0 && total > -1 {
		m["annualized_return"] = math.Pow(1+total, mc.periodsPerYear/n) - 1
	} else {
		m["annualized_return"] = math.NaN()
	}

	avg := series.Mean(returns)
	std := series.StdDev(returns)
	m["volatility"] = std * math.Sqrt(mc.periodsPerYear)
	m["sharpe_ratio"] = ratio(avg, std) * math.Sqrt(mc.periodsPerYear)
	m["sortino_ratio"] = ratio(avg, mc.downsideDeviation(returns)) * math.Sqrt(mc.periodsPerYear)

	maxDD := mc.maxDrawdown(r.Equity.Values)
	m["max_drawdown"] = maxDD
	m["calmar_ratio"] = ratio(m["annualized_return"], maxDD)

	var95, cvar95 := mc.valueAtRisk(returns)
	m["var_95"] = var95
	m["cvar_95"] = cvar95

	mc.tradeStats(r.Trades, m)
	return m
}

// tradeStats fills trade metrics. Win rate and friends use closed trades only;
// total_trades counts the open one too.
func (mc *MetricsCalculator) tradeStats(trades []Trade, m map[string]float64) {
	m["total_trades"] = float64(len(trades))

	var wins, closed int
	var grossWin, grossLoss, sum float64
	best, worst := math.NaN(), math.NaN()
	for _, t := range trades {
		if t.Open {
			continue
		}
		closed++
		sum += t.PnL
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else {
			grossLoss -= t.PnL
		}
		if math.IsNaN(best) || t.Return > best {
			best = t.Return
		}
		if math.IsNaN(worst) || t.Return < worst {
			worst = t.Return
		}
	}

	if closed == 0 {
		m["win_rate"] = math.NaN()
		m["profit_factor"] = math.NaN()
		m["expectancy"] = math.NaN()
	} else {
		m["win_rate"] = float64(wins) / float64(closed)
		m["profit_factor"] = ratio(grossWin, grossLoss)
		m["expectancy"] = sum / float64(closed)
	}
	m["best_trade"] = best
	m["worst_trade"] = worst
}

// maxDrawdown calculates the maximum peak-to-trough decline as a positive fraction
func (mc *MetricsCalculator) maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return math.NaN()
	}
	var maxDD float64
	peak := equity[0]
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// valueAtRisk returns historical 95% VaR and CVaR as positive losses
func (mc *MetricsCalculator) valueAtRisk(returns []float64) (float64, float64) {
	if len(returns) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	var95 := -sorted[idx95]

	if idx95 == 0 {
		return var95, var95
	}
	var sum float64
	for _, v := range sorted[:idx95] {
		sum += v
	}
	return var95, -sum / float64(idx95)
}

// downsideDeviation calculates downside deviation (only negative returns)
func (mc *MetricsCalculator) downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return series.StdDev(negative)
}

// ratio divides, yielding +/-Inf on a zero denominator and NaN on 0/0
func ratio(num, den float64) float64 {
	if math.IsNaN(num) || math.IsNaN(den) {
		return math.NaN()
	}
	if den == 0 {
		if num == 0 {
			return math.NaN()
		}
		return math.Inf(int(math.Copysign(1, num)))
	}
	return num / den
}

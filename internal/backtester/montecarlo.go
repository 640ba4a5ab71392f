package backtester

import (
	"math"
	"math/rand"
	"sort"
)

// ruinThreshold is the equity fraction at or below which a path counts as ruined
const ruinThreshold = 0.5

// MonteCarloResult summarises bootstrapped trade sequences
type MonteCarloResult struct {
	Iterations      int
	Trades          int
	MedianReturn    float64
	P5Return        float64
	P95Return       float64
	MaxDrawdownP95  float64
	ProbabilityRuin float64
}

// Stats returns the result keyed like other statistics
func (m MonteCarloResult) Stats() map[string]float64 {
	return map[string]float64{
		"iterations":       float64(m.Iterations),
		"trades":           float64(m.Trades),
		"median_return":    m.MedianReturn,
		"p5_return":        m.P5Return,
		"p95_return":       m.P95Return,
		"max_drawdown_p95": m.MaxDrawdownP95,
		"probability_ruin": m.ProbabilityRuin,
	}
}

// MonteCarlo resamples closed trades' returns with replacement and compounds
// each path. The seed makes runs reproducible.
func MonteCarlo(trades []Trade, iterations int, seed int64) MonteCarloResult {
	if iterations <= 0 {
		iterations = 1000
	}
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		if !t.Open && !math.IsNaN(t.Return) {
			returns = append(returns, t.Return)
		}
	}
	if len(returns) == 0 {
		nan := math.NaN()
		return MonteCarloResult{Iterations: 0, MedianReturn: nan, P5Return: nan, P95Return: nan, MaxDrawdownP95: nan, ProbabilityRuin: nan}
	}

	rng := rand.New(rand.NewSource(seed))
	totals := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	ruined := 0
	path := make([]float64, len(returns))

	for i := 0; i < iterations; i++ {
		for j := range path {
			path[j] = returns[rng.Intn(len(returns))]
		}

		total, dd, ruin := simulatePath(path)
		totals[i] = total
		drawdowns[i] = dd
		if ruin {
			ruined++
		}
	}

	sort.Float64s(totals)
	sort.Float64s(drawdowns)
	return MonteCarloResult{
		Iterations:      iterations,
		Trades:          len(returns),
		MedianReturn:    percentile(totals, 50),
		P5Return:        percentile(totals, 5),
		P95Return:       percentile(totals, 95),
		MaxDrawdownP95:  percentile(drawdowns, 95),
		ProbabilityRuin: float64(ruined) / float64(iterations),
	}
}

// simulatePath compounds returns from 1.0, stopping at ruin
func simulatePath(returns []float64) (totalReturn, maxDrawdown float64, ruined bool) {
	equity := 1.0
	peak := equity
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		if equity <= ruinThreshold {
			return equity - 1, maxDrawdown, true
		}
	}
	return equity - 1, maxDrawdown, false
}

// percentile interpolates linearly between the closest ranks of sorted
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

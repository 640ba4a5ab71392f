package backtester

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// signalLag is the number of bars between a signal and its execution.
const signalLag = 1

// LagMask shifts a signal mask forward by one bar. Bar 0 is always false.
func LagMask(m series.Mask) series.Mask {
	return m.Shift(signalLag)
}

// LagSeries shifts a numeric instruction series forward by one bar. Bar 0 is NaN.
func LagSeries(s series.Series) series.Series {
	return s.Shift(signalLag)
}

// LagGuard is the only way strategy code builds portfolios. Every signal-taking
// constructor lags its input before delegating to the Simulator, so a signal
// true on bar t fills at bar t+1's open.
type LagGuard struct {
	logger *zap.Logger
	sim    *Simulator
}

// NewLagGuard creates a lag guard around sim
func NewLagGuard(logger *zap.Logger, sim *Simulator) *LagGuard {
	return &LagGuard{logger: logger, sim: sim}
}

// Simulator returns the wrapped simulator
func (g *LagGuard) Simulator() *Simulator { return g.sim }

// FromSignals simulates entry/exit masks raised on the bar the condition became true.
func (g *LagGuard) FromSignals(p Prices, entries, exits series.Mask, cfg types.SimConfig) (*Result, error) {
	if err := checkMask("entries", entries, p); err != nil {
		return nil, err
	}
	if err := checkMask("exits", exits, p); err != nil {
		return nil, err
	}
	lagged := LagMask(entries)
	g.logger.Debug("Lagging signals",
		zap.Int("bars", p.Len()),
		zap.Int("entries", lagged.Count()),
	)
	return g.sim.Signals(p, lagged, LagMask(exits), cfg)
}

// FromOrders simulates a signed share quantity decided on each bar.
func (g *LagGuard) FromOrders(p Prices, sizes series.Series, cfg types.SimConfig) (*Result, error) {
	if sizes.Len() != p.Len() {
		return nil, fmt.Errorf("size series length %d does not match close length %d", sizes.Len(), p.Len())
	}
	return g.sim.Orders(p, LagSeries(sizes), cfg)
}

// FromHolding buys on the first bar's signal and holds to the end. The
// purchase therefore fills at bar 1's open.
func (g *LagGuard) FromHolding(p Prices, cfg types.SimConfig) (*Result, error) {
	entries := series.NewMask(p.Index())
	if entries.Len() > 0 {
		entries.Values[0] = true
	}
	return g.FromSignals(p, entries, series.NewMask(p.Index()), cfg)
}

// FromRandomSignals places n alternating entry/exit signals at random bars
// chosen deterministically from seed, then lags them like any other signal.
func (g *LagGuard) FromRandomSignals(p Prices, n int, seed int64, cfg types.SimConfig) (*Result, error) {
	entries, exits, err := RandomSignals(p.Index(), n, seed)
	if err != nil {
		return nil, err
	}
	return g.FromSignals(p, entries, exits, cfg)
}

// FromReturns compounds a precomputed return stream. No lag is applied; the
// caller owns the timing of the returns.
func (g *LagGuard) FromReturns(returns series.Series, cfg types.SimConfig) (*Result, error) {
	return g.sim.Returns(returns, cfg)
}

// RandomSignals generates n entry and n exit signals at distinct bars, each
// entry followed by its exit.
func RandomSignals(index []time.Time, n int, seed int64) (series.Mask, series.Mask, error) {
	entries := series.NewMask(index)
	exits := series.NewMask(index)
	if n < 0 || 2*n > len(index) {
		return entries, exits, fmt.Errorf("cannot place %d entry/exit pairs in %d bars", n, len(index))
	}

	rng := rand.New(rand.NewSource(seed))
	picks := rng.Perm(len(index))[:2*n]
	sort.Ints(picks)
	for i, bar := range picks {
		if i%2 == 0 {
			entries.Values[bar] = true
		} else {
			exits.Values[bar] = true
		}
	}
	return entries, exits, nil
}

func checkMask(name string, m series.Mask, p Prices) error {
	if m.Len() != p.Len() {
		return fmt.Errorf("%s mask length %d does not match close length %d", name, m.Len(), p.Len())
	}
	return nil
}

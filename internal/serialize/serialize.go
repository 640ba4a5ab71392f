// Package serialize converts simulation results into JSON-safe response data.
package serialize

import (
	"encoding/json"
	"errors"
	"math"
	"sort"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

// BenchmarkKey names the equal-weighted benchmark among a result's benchmarks
const BenchmarkKey = "benchmark"

const dateLayout = "2006-01-02"

// Float returns nil for NaN and ±Inf, else a pointer to v
func Float(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Stats normalizes every statistic with Float
func Stats(stats map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(stats))
	for k, v := range stats {
		out[k] = Float(v)
	}
	return out
}

// Curve converts points to {t, v} pairs with dates formatted as YYYY-MM-DD
func Curve(points []types.EquityPoint) []types.Point {
	out := make([]types.Point, len(points))
	for i, p := range points {
		out[i] = types.Point{T: p.Timestamp.Format(dateLayout), V: Float(p.Value)}
	}
	return out
}

// Payload is a serialized PortfolioResult
type Payload struct {
	Stats      map[string]*float64
	Equity     []types.Point
	Returns    []types.Point
	Benchmark  []types.Point
	Benchmarks map[string][]types.Point
}

// Result serializes r. The benchmark stored under BenchmarkKey becomes
// Benchmark; any others are returned by name in Benchmarks.
func Result(r types.PortfolioResult) Payload {
	p := Payload{
		Stats:   Stats(r.Stats),
		Equity:  Curve(r.Equity),
		Returns: Curve(r.Returns),
	}
	names := make([]string, 0, len(r.Benchmarks))
	for name := range r.Benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		curve := Curve(r.Benchmarks[name])
		if name == BenchmarkKey {
			p.Benchmark = curve
			continue
		}
		if p.Benchmarks == nil {
			p.Benchmarks = make(map[string][]types.Point)
		}
		p.Benchmarks[name] = curve
	}
	return p
}

// Apply copies the payload into a successful response
func (p Payload) Apply(resp *types.BacktestResponse) {
	resp.Success = true
	resp.Error = nil
	resp.Stats = p.Stats
	resp.Equity = p.Equity
	resp.Returns = p.Returns
	resp.Benchmark = p.Benchmark
	resp.Benchmarks = p.Benchmarks
}

// payloader is implemented by classified errors
type payloader interface {
	Payload() *types.ErrorPayload
}

// Error converts err into an error payload. Classified errors keep their
// kind; anything else is reported as a runtime error.
func Error(err error) *types.ErrorPayload {
	if err == nil {
		return nil
	}
	var p payloader
	if errors.As(err, &p) {
		return p.Payload()
	}
	return &types.ErrorPayload{Kind: types.ErrorKindRuntime, Message: err.Error()}
}

// Fail turns resp into a failed response, clearing any result fields
func Fail(resp *types.BacktestResponse, err error) {
	resp.Success = false
	resp.Error = Error(err)
	resp.Stats = nil
	resp.Equity = nil
	resp.Returns = nil
	resp.Benchmark = nil
	resp.Benchmarks = nil
}

// Marshal encodes a response as JSON
func Marshal(resp *types.BacktestResponse) ([]byte, error) {
	return json.Marshal(resp)
}

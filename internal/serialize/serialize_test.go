package serialize_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/serialize"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

func TestFloatNormalizesNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if serialize.Float(v) != nil {
			t.Errorf("Float(%v) should be nil", v)
		}
	}
	if p := serialize.Float(1.5); p == nil || *p != 1.5 {
		t.Errorf("Float(1.5) = %v", p)
	}
}

func TestResultSplitsBenchmarks(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := types.PortfolioResult{
		Stats:  map[string]float64{"sharpe_ratio": math.NaN(), "total_return": 0.1},
		Equity: []types.EquityPoint{{Timestamp: day, Value: 100}, {Timestamp: day.AddDate(0, 0, 1), Value: math.Inf(1)}},
		Benchmarks: map[string][]types.EquityPoint{
			serialize.BenchmarkKey: {{Timestamp: day, Value: 0}},
			"SPY":                  {{Timestamp: day, Value: 0.01}},
		},
	}
	p := serialize.Result(r)

	if p.Stats["sharpe_ratio"] != nil {
		t.Error("NaN stat should serialize as nil")
	}
	if v := p.Stats["total_return"]; v == nil || *v != 0.1 {
		t.Errorf("total_return = %v", v)
	}
	if p.Equity[0].T != "2024-03-01" || p.Equity[1].V != nil {
		t.Errorf("unexpected equity %+v", p.Equity)
	}
	if len(p.Benchmark) != 1 || len(p.Benchmarks["SPY"]) != 1 {
		t.Errorf("benchmarks not split: %+v / %+v", p.Benchmark, p.Benchmarks)
	}
}

type classified struct{}

func (classified) Error() string { return "boom" }
func (classified) Payload() *types.ErrorPayload {
	return &types.ErrorPayload{Kind: types.ErrorKindTimeout, Message: "slow", Line: 3}
}

func TestErrorKeepsKind(t *testing.T) {
	p := serialize.Error(classified{})
	if p.Kind != types.ErrorKindTimeout || p.Line != 3 {
		t.Errorf("unexpected payload %+v", p)
	}
	p = serialize.Error(errors.New("plain"))
	if p.Kind != types.ErrorKindRuntime || p.Message != "plain" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestFailClearsResult(t *testing.T) {
	resp := &types.BacktestResponse{}
	serialize.Result(types.PortfolioResult{Stats: map[string]float64{"x": 1}}).Apply(resp)
	if !resp.Success {
		t.Fatal("Apply should mark success")
	}
	serialize.Fail(resp, classified{})
	if resp.Success || resp.Stats != nil || resp.Error == nil {
		t.Errorf("failed response still carries results: %+v", resp)
	}
	b, err := serialize.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"kind":"Timeout"`) || strings.Contains(string(b), "NaN") {
		t.Errorf("unexpected JSON %s", b)
	}
}

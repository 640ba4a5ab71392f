package sandbox_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/internal/sandbox"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/internal/workers"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

func newEvaluator(t *testing.T) *sandbox.Evaluator {
	t.Helper()
	cfg := workers.DefaultPoolConfig("sandbox-test")
	cfg.MaxConcurrent = 2
	cfg.GracePeriod = 500 * time.Millisecond
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return sandbox.NewEvaluator(zap.NewNop(), pool, sandbox.DefaultConfig())
}

func bars(start time.Time, closes, opens []float64) []types.Bar {
	out := make([]types.Bar, len(closes))
	for i := range closes {
		out[i] = types.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      opens[i],
			High:      math.Max(opens[i], closes[i]),
			Low:       math.Min(opens[i], closes[i]),
			Close:     closes[i],
			Volume:    1000,
		}
	}
	return out
}

func fiveBarBindings() *sandbox.Bindings {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := sandbox.NewFrame("SPY", bars(start,
		[]float64{10, 11, 12, 11, 10},
		[]float64{9.5, 10.5, 11.5, 12.5, 10.5},
	))
	return &sandbox.Bindings{
		Symbols:   []string{"SPY"},
		Requested: []string{"SPY"},
		Frames:    map[string]sandbox.Frame{"SPY": f},
		Sim:       types.DefaultSimConfig(),
	}
}

func evalErr(t *testing.T, err error) *sandbox.Error {
	t.Helper()
	var se *sandbox.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *sandbox.Error, got %T: %v", err, err)
	}
	return se
}

func TestLoadIsRejectedBeforeExecution(t *testing.T) {
	e := newEvaluator(t)
	code := "print('side effect')\nload('os.star', 'system')\npf = None\n"

	out, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	if out != nil {
		t.Fatal("expected no outcome")
	}
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindSyntax {
		t.Errorf("Kind = %s, want %s", se.Kind, types.ErrorKindSyntax)
	}
	if se.Line != 2 {
		t.Errorf("Line = %d, want 2", se.Line)
	}
}

func TestImportIsASyntaxError(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Eval(context.Background(), "import os\npf = None\n", fiveBarBindings(), 0)
	if se := evalErr(t, err); se.Kind != types.ErrorKindSyntax {
		t.Errorf("Kind = %s, want %s", se.Kind, types.ErrorKindSyntax)
	}
}

func TestUndefinedNameIsASyntaxError(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Eval(context.Background(), "pf = open('/etc/passwd')\n", fiveBarBindings(), 0)
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindSyntax || se.Line != 1 {
		t.Errorf("got %s line %d, want syntax error on line 1", se.Kind, se.Line)
	}
}

func TestInfiniteLoopTimesOut(t *testing.T) {
	e := newEvaluator(t)
	start := time.Now()

	_, err := e.Eval(context.Background(), "while True:\n    pass\n", fiveBarBindings(), time.Second)
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindTimeout {
		t.Errorf("Kind = %s, want %s", se.Kind, types.ErrorKindTimeout)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestLoopsInsideFunctions(t *testing.T) {
	e := newEvaluator(t)
	code := `
def countdown(n):
    steps = 0
    while n > 0:
        n -= 1
        steps += 1
    return steps

def above_first(c):
    flags = []
    for i in range(len(c)):
        flags.append(c[i] > c[0])
    return flags

print(countdown(3), above_first(data.close))
pf = vbt.from_holding(data.close)
`
	out, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if out.Output != "3 [False, True, True, True, False]\n" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestUnboundedLoopInsideFunctionTimesOut(t *testing.T) {
	e := newEvaluator(t)
	code := "def spin():\n    while True:\n        pass\n\nspin()\npf = vbt.from_holding(data.close)\n"

	_, err := e.Eval(context.Background(), code, fiveBarBindings(), time.Second)
	if se := evalErr(t, err); se.Kind != types.ErrorKindTimeout {
		t.Errorf("Kind = %s, want %s", se.Kind, types.ErrorKindTimeout)
	}
}

func TestNestedLoadIsASyntaxError(t *testing.T) {
	e := newEvaluator(t)
	code := "def f():\n    load('os.star', 'system')\n\npf = None\n"

	_, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	if se := evalErr(t, err); se.Kind != types.ErrorKindSyntax {
		t.Errorf("Kind = %s, want %s", se.Kind, types.ErrorKindSyntax)
	}
}

func TestDeadlineClamp(t *testing.T) {
	e := newEvaluator(t)
	cases := []struct {
		in, want time.Duration
	}{
		{0, 30 * time.Second},
		{100 * time.Millisecond, time.Second},
		{10 * time.Minute, 300 * time.Second},
		{5 * time.Second, 5 * time.Second},
	}
	for _, c := range cases {
		if got := e.Deadline(c.in); got != c.want {
			t.Errorf("Deadline(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMissingOutputIsContractViolation(t *testing.T) {
	e := newEvaluator(t)

	_, err := e.Eval(context.Background(), "x = 1\n", fiveBarBindings(), 0)
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindContractViolation || !strings.Contains(se.Message, "pf") {
		t.Errorf("got %s %q", se.Kind, se.Message)
	}

	_, err = e.Eval(context.Background(), "pf = 42\n", fiveBarBindings(), 0)
	if se := evalErr(t, err); se.Kind != types.ErrorKindContractViolation {
		t.Errorf("wrong pf type: Kind = %s", se.Kind)
	}
}

func TestRuntimeErrorReportsLine(t *testing.T) {
	e := newEvaluator(t)
	code := "x = 1\ny = x / 0\npf = None\n"

	_, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindRuntime {
		t.Fatalf("Kind = %s, want %s", se.Kind, types.ErrorKindRuntime)
	}
	if se.Line != 2 {
		t.Errorf("Line = %d, want 2", se.Line)
	}
}

func TestFromSignalsIsLagged(t *testing.T) {
	e := newEvaluator(t)
	code := `
entries = [False, True, False, False, False]
exits = [False, False, False, True, False]
print("bars", len(data.close))
pf = vbt.Portfolio.from_signals(data.close, entries, exits, init_cash=10000)
`
	out, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	// Entry on bar 1 fills at bar 2's open, exit on bar 3 at bar 4's open.
	want := 10000 / 11.5 * 10.5
	if got := out.Result.EndValue(); math.Abs(got-want) > 0.01 {
		t.Errorf("end value = %.4f, want %.4f", got, want)
	}
	if len(out.Result.Trades) != 1 || out.Result.Trades[0].EntryPrice != 11.5 {
		t.Errorf("unexpected trades %+v", out.Result.Trades)
	}
	if out.Output != "bars 5\n" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestSeriesArithmeticAndIndicators(t *testing.T) {
	e := newEvaluator(t)
	code := `
c = data.close
spread = (c - c.shift(1)) * 2
fast = ta.sma(c, 2)
entries = c.gt(fast)
exits = c.lt(fast)
print(spread[1], fast[-1], entries.count())
pf = vbt.from_signals(c, entries, exits)
`
	out, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if out.Output != "2.0 10.5 2\n" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestNegativeShiftIsRejected(t *testing.T) {
	e := newEvaluator(t)
	for _, expr := range []string{
		"data.close.shift(-1)",
		"data.close.diff(-1)",
		"data.close.pct_change(periods=-1)",
		"data.close.gt(10).shift(-1)",
	} {
		code := "x = " + expr + "\npf = vbt.from_holding(data.close)\n"
		_, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
		se := evalErr(t, err)
		if se.Kind != types.ErrorKindRuntime || se.Line != 1 {
			t.Errorf("%s: got %s line %d, want runtime error on line 1", expr, se.Kind, se.Line)
		}
		if !strings.Contains(se.Message, "must not be negative") {
			t.Errorf("%s: Message = %q", expr, se.Message)
		}
	}
}

func TestMultiSymbolData(t *testing.T) {
	e := newEvaluator(t)
	b := fiveBarBindings()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Symbols = []string{"SPY", "QQQ"}
	b.Requested = []string{"SPY", "QQQ", "NOPE"}
	b.Frames["QQQ"] = sandbox.NewFrame("QQQ", bars(start,
		[]float64{20, 21, 22, 23, 24},
		[]float64{20, 21, 22, 23, 24},
	))
	code := `
spy = data.close["SPY"]
qqq = by_symbol["QQQ"].close
print(symbols, requested_symbols, qqq[-1], "NOPE" in data.close)
pf = vbt.from_holding(spy)
`
	out, err := e.Eval(context.Background(), code, b, 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	want := `("SPY", "QQQ") ("SPY", "QQQ", "NOPE") 24.0 False` + "\n"
	if out.Output != want {
		t.Errorf("Output = %q, want %q", out.Output, want)
	}
}

func TestFetchAlignsToPrimaryCalendar(t *testing.T) {
	e := newEvaluator(t)
	b := fiveBarBindings()
	b.Fetch = func(_ context.Context, symbol string) (series.Series, error) {
		if symbol != "VIX" {
			return series.Series{}, errors.New("unknown symbol")
		}
		idx := []time.Time{
			time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		}
		return series.Series{Index: idx, Values: []float64{15, 18}}, nil
	}
	code := `
vix = fetch("VIX")
print(len(vix), vix[0], vix[2], vix[4])
pf = vbt.from_holding(data.close)
`
	out, err := e.Eval(context.Background(), code, b, 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if out.Output != "5 nan 15.0 18.0\n" {
		t.Errorf("Output = %q", out.Output)
	}

	_, err = e.Eval(context.Background(), `x = fetch("ZZZ")`+"\npf = None\n", b, 0)
	if se := evalErr(t, err); se.Kind != types.ErrorKindRuntime {
		t.Errorf("fetch failure Kind = %s", se.Kind)
	}
}

func TestOptionsBookBindings(t *testing.T) {
	e := newEvaluator(t)
	d1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
	row := func(date time.Time, bid, ask float64) types.OptionContract {
		return types.OptionContract{
			Date: date, Expiration: exp, Strike: 100, Right: types.RightCall,
			Close: (bid + ask) / 2, Bid: bid, Ask: ask, UnderlyingClose: 100,
		}
	}
	c := chain.New([]types.OptionContract{row(d1, 1.9, 2.1), row(d2, 3.4, 3.6)})
	underlying := c.UnderlyingSeries("SPY")
	b := &sandbox.Bindings{
		Symbols:    []string{"SPY"},
		Requested:  []string{"SPY"},
		Chain:      c,
		Underlying: &underlying,
		Sim:        types.SimConfig{InitCash: 100000, Size: 1},
	}
	code := `
book = OptionsBook(initial_cash=10000)
exp = chain.nearest_expiry("2024-05-01", 0, 30)
atm = chain.atm("2024-05-01", exp, "C")
pos = book.open("2024-05-01", expiration=exp, strike=atm["strike"], right="CALL", quantity=1)
book.update("2024-05-01")
t = book.close(pos, "2024-05-02")
book.update("2024-05-02")
print(exp, pos.entry_price, t["exit_price"], t["pnl"], book.num_positions)
pf = book.to_portfolio()
`
	out, err := e.Eval(context.Background(), code, b, 0)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	// Buy at the ask (2.1), sell at the bid (3.4): (3.4 - 2.1) x 100.
	if out.Output != "2024-05-17 2.1 3.4 130.0 0\n" {
		t.Errorf("Output = %q", out.Output)
	}
	if got := out.Result.EndValue(); math.Abs(got-10130) > 1e-6 {
		t.Errorf("end value = %v, want 10130", got)
	}
}

func TestWalkForwardBindings(t *testing.T) {
	e := newEvaluator(t)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var closes []float64
	for i := 0; i < 3*365; i++ {
		closes = append(closes, 100+10*math.Sin(float64(i)/15))
	}
	f := sandbox.NewFrame("SPY", bars(start, closes, closes))
	b := &sandbox.Bindings{
		Symbols:   []string{"SPY"},
		Requested: []string{"SPY"},
		Frames:    map[string]sandbox.Frame{"SPY": f},
		Sim:       types.DefaultSimConfig(),
	}
	code := `
def strategy(close, fast, slow):
    f = ta.sma(close, fast)
    s = ta.sma(close, slow)
    return ta.crossover(f, s), ta.crossunder(f, s)

n = 0
for train, test in wfo_splits(data.close, 12, 6):
    n += 1
print(n)

res = wfo_run(data.close, {"fast": [5, 10], "slow": [20, 40]}, strategy, train_months=12, test_months=6)
print(len(res.windows))
pf = res
`
	out, err := e.Eval(context.Background(), code, b, 10*time.Second)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.Output), "\n")
	if len(lines) != 2 || lines[0] != lines[1] || lines[0] == "0" {
		t.Errorf("splits and windows should agree and be non-empty, got %q", out.Output)
	}
	if len(out.Windows) == 0 {
		t.Error("expected window diagnostics on the outcome")
	}
}

func TestStrategyErrorInsideGridSearch(t *testing.T) {
	e := newEvaluator(t)
	code := `
def strategy(close, n):
    fail("bad params", n)

pf = wfo_grid_search(data.close, {"n": [1]}, strategy)
`
	_, err := e.Eval(context.Background(), code, fiveBarBindings(), 0)
	se := evalErr(t, err)
	if se.Kind != types.ErrorKindRuntime || !strings.Contains(se.Message, "bad params") {
		t.Errorf("got %s %q", se.Kind, se.Message)
	}
}

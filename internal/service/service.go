// Package service runs backtest requests end to end: data loading through
// the fingerprint cache, sandboxed evaluation, serialization and run history.
package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/internal/data"
	"github.com/atlas-desktop/strategy-sandbox/internal/metrics"
	"github.com/atlas-desktop/strategy-sandbox/internal/sandbox"
	"github.com/atlas-desktop/strategy-sandbox/internal/serialize"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run kinds, used for metrics and run history
const (
	KindBars    = "bars"
	KindOptions = "options"
)

// BarSource loads historical bars
type BarSource interface {
	LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
}

// ChainSource loads option chains
type ChainSource interface {
	LoadChain(ctx context.Context, symbol string, start, end time.Time, maxDTE int) ([]types.OptionContract, error)
}

// RunRecorder stores finished runs
type RunRecorder interface {
	Record(ctx context.Context, kind string, resp *types.BacktestResponse) error
}

// Publisher is notified of every finished run
type Publisher interface {
	PublishRun(kind string, resp *types.BacktestResponse)
}

// Config holds request defaults
type Config struct {
	Sim    types.SimConfig
	MaxDTE int
}

// Service executes backtests
type Service struct {
	logger    *zap.Logger
	bars      BarSource
	chains    ChainSource
	cache     *data.FingerprintCache
	evaluator *sandbox.Evaluator
	runs      RunRecorder
	events    Publisher
	config    Config
}

// Option configures optional collaborators
type Option func(*Service)

// WithRunRecorder records every run
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Service) { s.runs = r }
}

// WithPublisher publishes every run
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// New creates a service. chains may be nil when option backtests are not served.
func New(logger *zap.Logger, bars BarSource, chains ChainSource, cache *data.FingerprintCache, evaluator *sandbox.Evaluator, config Config, opts ...Option) *Service {
	if config.Sim.InitCash <= 0 {
		config.Sim.InitCash = types.DefaultSimConfig().InitCash
	}
	if config.Sim.Size <= 0 {
		config.Sim.Size = types.DefaultSimConfig().Size
	}
	if config.MaxDTE <= 0 {
		config.MaxDTE = data.DefaultMaxDTE
	}
	s := &Service{
		logger:    logger,
		bars:      bars,
		chains:    chains,
		cache:     cache,
		evaluator: evaluator,
		config:    config,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Error is a classified failure outside the sandbox
type Error struct {
	Kind    types.ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Payload converts the error to its response form
func (e *Error) Payload() *types.ErrorPayload {
	return &types.ErrorPayload{Kind: e.Kind, Message: e.Message}
}

func invalid(format string, args ...interface{}) *Error {
	return &Error{Kind: types.ErrorKindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// RunBacktest evaluates req.Code against bars for req.Symbols. It never
// returns nil; failures are reported in the response.
func (s *Service) RunBacktest(ctx context.Context, req types.BacktestRequest) *types.BacktestResponse {
	start := time.Now()
	resp := &types.BacktestResponse{ID: uuid.NewString(), RequestedSymbols: req.Symbols}

	symbols, err := s.validateBars(&req)
	if err != nil {
		return s.finish(ctx, KindBars, resp, start, err)
	}
	resp.RequestedSymbols = symbols

	fetchStart := time.Now()
	ds, hit, err := s.loadBars(ctx, data.Fingerprint{
		Kind:      KindBars,
		Symbols:   symbols,
		Timeframe: req.Timeframe,
		Start:     req.Start,
		End:       req.End,
		Limit:     req.Limit,
	})
	resp.Timing.FetchMs = time.Since(fetchStart).Milliseconds()
	resp.CacheHit = hit
	metrics.ObserveStage(KindBars, "fetch", time.Since(fetchStart))
	if err != nil {
		return s.finish(ctx, KindBars, resp, start, err)
	}

	withData := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if len(ds.Bars[sym]) > 0 {
			withData = append(withData, sym)
		}
	}

	frames := make(map[string]sandbox.Frame, len(withData))
	primary := sandbox.NewFrame(withData[0], ds.Bars[withData[0]])
	frames[withData[0]] = primary
	for _, sym := range withData[1:] {
		frames[sym] = sandbox.NewFrame(sym, ds.Bars[sym]).Align(primary.Index)
	}
	resp.Symbols = withData
	resp.MultiSymbol = len(withData) > 1
	resp.Bars = primary.Len()

	bindings := &sandbox.Bindings{
		Symbols:        withData,
		Requested:      symbols,
		Frames:         frames,
		Fetch:          s.fetcher(req.Timeframe, req.Start, req.End),
		Sim:            s.config.Sim,
		PeriodsPerYear: req.Timeframe.PeriodsPerYear(),
	}
	bench := map[string]series.Series{
		serialize.BenchmarkKey: EqualWeightBenchmark(withData, frames, primary.Index),
	}
	return s.evaluate(ctx, KindBars, resp, start, req.Code, bindings, req.MaxSeconds, bench)
}

// RunOptionsBacktest evaluates req.Code against the option chain of req.Symbol
func (s *Service) RunOptionsBacktest(ctx context.Context, req types.OptionsBacktestRequest) *types.BacktestResponse {
	start := time.Now()
	resp := &types.BacktestResponse{ID: uuid.NewString()}
	if req.Symbol != "" {
		resp.RequestedSymbols = []string{req.Symbol}
	}

	if err := s.validateOptions(&req); err != nil {
		return s.finish(ctx, KindOptions, resp, start, err)
	}
	resp.RequestedSymbols = []string{req.Symbol}

	fetchStart := time.Now()
	ds, hit, err := s.cached(ctx, data.Fingerprint{
		Kind:    KindOptions,
		Symbols: []string{req.Symbol},
		Start:   req.Start,
		End:     req.End,
		MaxDTE:  req.MaxDTE,
	}, func(ctx context.Context) (*data.Dataset, error) {
		return s.loadChain(ctx, req)
	})
	resp.Timing.FetchMs = time.Since(fetchStart).Milliseconds()
	resp.CacheHit = hit
	metrics.ObserveStage(KindOptions, "fetch", time.Since(fetchStart))
	if err != nil {
		return s.finish(ctx, KindOptions, resp, start, err)
	}

	c := chain.New(ds.Chain)
	underlying := c.UnderlyingSeries(req.Symbol)
	bindings := &sandbox.Bindings{
		Symbols:        []string{req.Symbol},
		Requested:      []string{req.Symbol},
		Chain:          c,
		Underlying:     &underlying,
		Sim:            s.config.Sim,
		PeriodsPerYear: types.Timeframe1d.PeriodsPerYear(),
	}
	if req.InitialCash > 0 {
		bindings.Sim.InitCash = req.InitialCash
	}
	if bars := ds.Bars[req.Symbol]; len(bars) > 0 {
		bindings.Frames = map[string]sandbox.Frame{
			req.Symbol: sandbox.NewFrame(req.Symbol, bars).Align(c.Dates()),
		}
	}
	resp.Symbols = []string{req.Symbol}
	resp.Bars = len(c.Dates())

	bench := map[string]series.Series{
		serialize.BenchmarkKey: BuyAndHold(underlying),
	}
	return s.evaluate(ctx, KindOptions, resp, start, req.Code, bindings, req.MaxSeconds, bench)
}

func (s *Service) evaluate(ctx context.Context, kind string, resp *types.BacktestResponse, start time.Time, code string, b *sandbox.Bindings, maxSeconds float64, bench map[string]series.Series) *types.BacktestResponse {
	metrics.SandboxInFlight.Inc()
	execStart := time.Now()
	outcome, err := s.evaluator.Eval(ctx, code, b, seconds(maxSeconds))
	execTime := time.Since(execStart)
	metrics.SandboxInFlight.Dec()
	resp.Timing.ExecMs = execTime.Milliseconds()
	metrics.ObserveStage(kind, "exec", execTime)
	if err != nil {
		return s.finish(ctx, kind, resp, start, err)
	}
	resp.Output = outcome.Output

	serStart := time.Now()
	serialize.Result(outcome.Result.PortfolioResult(bench)).Apply(resp)
	resp.Timing.SerializeMs = time.Since(serStart).Milliseconds()
	metrics.ObserveStage(kind, "serialize", time.Since(serStart))

	return s.finish(ctx, kind, resp, start, nil)
}

// finish fills in failure details and totals, then records and publishes the run
func (s *Service) finish(ctx context.Context, kind string, resp *types.BacktestResponse, start time.Time, err error) *types.BacktestResponse {
	outcome := "ok"
	if err != nil {
		serialize.Fail(resp, err)
		outcome = string(resp.Error.Kind)
	}
	resp.Timing.TotalMs = time.Since(start).Milliseconds()
	metrics.RunsTotal.WithLabelValues(kind, outcome).Inc()

	if err != nil {
		s.logger.Info("Backtest failed",
			zap.String("id", resp.ID),
			zap.String("kind", kind),
			zap.String("error_kind", outcome),
			zap.String("message", resp.Error.Message),
			zap.Int("line", resp.Error.Line),
		)
	} else {
		s.logger.Info("Backtest completed",
			zap.String("id", resp.ID),
			zap.String("kind", kind),
			zap.Strings("symbols", resp.Symbols),
			zap.Int("bars", resp.Bars),
			zap.Bool("cache_hit", resp.CacheHit),
			zap.Int64("total_ms", resp.Timing.TotalMs),
		)
	}

	if s.runs != nil {
		// Run history must not fail a finished run.
		recordCtx := context.WithoutCancel(ctx)
		if rerr := s.runs.Record(recordCtx, kind, resp); rerr != nil {
			s.logger.Warn("Failed to record run", zap.String("id", resp.ID), zap.Error(rerr))
		}
	}
	if s.events != nil {
		s.events.PublishRun(kind, resp)
	}
	return resp
}

func (s *Service) validateBars(req *types.BacktestRequest) ([]string, error) {
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, invalid("at least one symbol is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, invalid("code is required")
	}
	if req.Timeframe == "" {
		req.Timeframe = types.Timeframe1d
	}
	if !req.Timeframe.Valid() {
		return nil, invalid("unsupported timeframe %q: bars are one per session, use %q or %q", req.Timeframe, types.Timeframe1d, types.Timeframe1w)
	}
	if req.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	if err := validateWindow(req.Start, req.End, req.MaxSeconds); err != nil {
		return nil, err
	}
	return symbols, nil
}

func (s *Service) validateOptions(req *types.OptionsBacktestRequest) error {
	if s.chains == nil {
		return invalid("option backtests are not enabled")
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return invalid("symbol is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return invalid("code is required")
	}
	if req.MaxDTE < 0 {
		return invalid("maxDte must not be negative")
	}
	if req.MaxDTE == 0 {
		req.MaxDTE = s.config.MaxDTE
	}
	if req.InitialCash < 0 || math.IsNaN(req.InitialCash) || math.IsInf(req.InitialCash, 0) {
		return invalid("initialCash must be a positive number")
	}
	return validateWindow(req.Start, req.End, req.MaxSeconds)
}

func validateWindow(start, end time.Time, maxSeconds float64) error {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return invalid("end %s is before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if maxSeconds < 0 || math.IsNaN(maxSeconds) || math.IsInf(maxSeconds, 0) {
		return invalid("maxSeconds must not be negative")
	}
	return nil
}

// normalizeSymbols upper-cases, trims and de-duplicates, keeping order
func normalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Package types provides request and response types for the strategy sandbox.
package types

import (
	"time"
)

// BacktestRequest is the input of the bar-based entry point
type BacktestRequest struct {
	Symbols    []string  `json:"symbols"`
	Code       string    `json:"code"`
	Timeframe  Timeframe `json:"timeframe"`
	Start      time.Time `json:"start,omitempty"`
	End        time.Time `json:"end,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	MaxSeconds float64   `json:"maxSeconds,omitempty"`
}

// OptionsBacktestRequest is the input of the option-chain entry point
type OptionsBacktestRequest struct {
	Symbol      string    `json:"symbol"`
	Code        string    `json:"code"`
	Start       time.Time `json:"start,omitempty"`
	End         time.Time `json:"end,omitempty"`
	MaxDTE      int       `json:"maxDte,omitempty"`
	InitialCash float64   `json:"initialCash,omitempty"`
	MaxSeconds  float64   `json:"maxSeconds,omitempty"`
}

// ErrorPayload describes why a run failed
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
}

// Point is a serialized curve point; V is nil for non-finite values
type Point struct {
	T string   `json:"t"`
	V *float64 `json:"v"`
}

// Timing breaks a run down by stage
type Timing struct {
	FetchMs     int64 `json:"fetchMs"`
	ExecMs      int64 `json:"execMs"`
	SerializeMs int64 `json:"serializeMs"`
	TotalMs     int64 `json:"totalMs"`
}

// BacktestResponse is returned by both entry points. Exactly one of Error or
// the result fields is populated.
type BacktestResponse struct {
	ID               string              `json:"id"`
	Success          bool                `json:"success"`
	Error            *ErrorPayload       `json:"error,omitempty"`
	Stats            map[string]*float64 `json:"stats,omitempty"`
	Equity           []Point             `json:"equity,omitempty"`
	Returns          []Point             `json:"returns,omitempty"`
	Benchmark        []Point             `json:"benchmark,omitempty"`
	Benchmarks       map[string][]Point  `json:"benchmarks,omitempty"`
	Timing           Timing              `json:"timing"`
	Bars             int                 `json:"bars"`
	CacheHit         bool                `json:"cacheHit"`
	MultiSymbol      bool                `json:"multiSymbol"`
	Symbols          []string            `json:"symbols,omitempty"`
	RequestedSymbols []string            `json:"requestedSymbols,omitempty"`
	Output           string              `json:"output,omitempty"`
}

// SimConfig holds defaults for the portfolio simulator
type SimConfig struct {
	InitCash    float64 `json:"initCash"`
	Fees        float64 `json:"fees"`        // fraction of traded value
	SlippageBps float64 `json:"slippageBps"` // basis points against the fill
	Size        float64 `json:"size"`        // fraction of equity per entry
}

// DefaultSimConfig returns the simulator defaults.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		InitCash: 10000,
		Size:     1,
	}
}

// WalkForwardConfig represents walk-forward optimization configuration
type WalkForwardConfig struct {
	TrainMonths int       `json:"trainMonths"`
	TestMonths  int       `json:"testMonths"`
	StartYear   int       `json:"startYear,omitempty"`
	Metric      string    `json:"metric"`
	Sim         SimConfig `json:"sim"`
}

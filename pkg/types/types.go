// Package types provides shared type definitions for the strategy sandbox.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe represents bar intervals. Every timeframe yields at most one
// bar per session date.
type Timeframe string

const (
	Timeframe1d Timeframe = "1d"
	Timeframe1w Timeframe = "1w"
)

// PeriodsPerYear returns the annualization factor for the timeframe.
func (tf Timeframe) PeriodsPerYear() float64 {
	if tf == Timeframe1w {
		return 52
	}
	return 252
}

// Valid reports whether tf is a known timeframe.
func (tf Timeframe) Valid() bool {
	return tf == Timeframe1d || tf == Timeframe1w
}

// Bar represents a single OHLCV record
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Right is the option right
type Right string

const (
	RightCall Right = "CALL"
	RightPut  Right = "PUT"
)

// ParseRight accepts CALL/PUT in any of the usual spellings (C, P, Call, put).
func ParseRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return RightCall, nil
	case "P", "PUT":
		return RightPut, nil
	}
	return "", fmt.Errorf("invalid option right %q: want CALL or PUT", s)
}

// Greeks holds option risk sensitivities
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
	IV    float64 `json:"iv"`
}

// Add returns g + o*scale.
func (g Greeks) Add(o Greeks, scale float64) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta*scale,
		Gamma: g.Gamma + o.Gamma*scale,
		Theta: g.Theta + o.Theta*scale,
		Vega:  g.Vega + o.Vega*scale,
		Rho:   g.Rho + o.Rho*scale,
		IV:    g.IV + o.IV*scale,
	}
}

// OptionContract is one row of an option chain snapshot
type OptionContract struct {
	Date            time.Time `json:"date"`
	Expiration      time.Time `json:"expiration"`
	Strike          float64   `json:"strike"`
	Right           Right     `json:"right"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Bid             float64   `json:"bid"`
	Ask             float64   `json:"ask"`
	Volume          int64     `json:"volume"`
	Delta           *float64  `json:"delta,omitempty"`
	Gamma           *float64  `json:"gamma,omitempty"`
	Theta           *float64  `json:"theta,omitempty"`
	Vega            *float64  `json:"vega,omitempty"`
	Rho             *float64  `json:"rho,omitempty"`
	IV              *float64  `json:"iv,omitempty"`
	DTE             int       `json:"dte"`
	UnderlyingClose float64   `json:"underlyingClose"`
}

// Mid returns the bid/ask midpoint, or the close when either side is missing.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Close
}

// Greeks returns the contract's Greeks with missing values as zero.
func (c OptionContract) Greeks() Greeks {
	deref := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return Greeks{
		Delta: deref(c.Delta),
		Gamma: deref(c.Gamma),
		Theta: deref(c.Theta),
		Vega:  deref(c.Vega),
		Rho:   deref(c.Rho),
		IV:    deref(c.IV),
	}
}

// EquityPoint represents a point on an equity or return curve
type EquityPoint struct {
	Timestamp time.Time `json:"t"`
	Value     float64   `json:"v"`
}

// PortfolioResult is the outcome of a simulation, before serialization
type PortfolioResult struct {
	Stats      map[string]float64       `json:"stats"`
	Equity     []EquityPoint            `json:"equity"`
	Returns    []EquityPoint            `json:"returns"`
	Benchmarks map[string][]EquityPoint `json:"benchmarks,omitempty"`
}

// ErrorKind classifies a failed run
type ErrorKind string

const (
	ErrorKindSyntax            ErrorKind = "SandboxSyntaxError"
	ErrorKindRuntime           ErrorKind = "SandboxRuntimeError"
	ErrorKindContractViolation ErrorKind = "ContractViolation"
	ErrorKindTimeout           ErrorKind = "Timeout"
	ErrorKindDataUnavailable   ErrorKind = "DataUnavailable"
	ErrorKindDataSource        ErrorKind = "DataSourceError"
	ErrorKindInvalidRequest    ErrorKind = "InvalidRequest"
)

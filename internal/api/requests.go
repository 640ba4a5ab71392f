package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

// backtestBody is the wire form of types.BacktestRequest. Dates may be
// YYYY-MM-DD or RFC 3339.
type backtestBody struct {
	Symbols    []string        `json:"symbols"`
	Symbol     string          `json:"symbol"`
	Code       string          `json:"code"`
	Timeframe  types.Timeframe `json:"timeframe"`
	Start      string          `json:"start"`
	End        string          `json:"end"`
	Limit      int             `json:"limit"`
	MaxSeconds float64         `json:"maxSeconds"`
}

func (b backtestBody) request() (types.BacktestRequest, error) {
	start, end, err := window(b.Start, b.End)
	if err != nil {
		return types.BacktestRequest{}, err
	}
	symbols := b.Symbols
	if b.Symbol != "" {
		symbols = append([]string{b.Symbol}, symbols...)
	}
	return types.BacktestRequest{
		Symbols:    symbols,
		Code:       b.Code,
		Timeframe:  b.Timeframe,
		Start:      start,
		End:        end,
		Limit:      b.Limit,
		MaxSeconds: b.MaxSeconds,
	}, nil
}

// optionsBody is the wire form of types.OptionsBacktestRequest
type optionsBody struct {
	Symbol      string  `json:"symbol"`
	Code        string  `json:"code"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	MaxDTE      int     `json:"maxDte"`
	InitialCash float64 `json:"initialCash"`
	MaxSeconds  float64 `json:"maxSeconds"`
}

func (b optionsBody) request() (types.OptionsBacktestRequest, error) {
	start, end, err := window(b.Start, b.End)
	if err != nil {
		return types.OptionsBacktestRequest{}, err
	}
	return types.OptionsBacktestRequest{
		Symbol:      b.Symbol,
		Code:        b.Code,
		Start:       start,
		End:         end,
		MaxDTE:      b.MaxDTE,
		InitialCash: b.InitialCash,
		MaxSeconds:  b.MaxSeconds,
	}, nil
}

func window(start, end string) (time.Time, time.Time, error) {
	s, err := parseDate("start", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := parseDate("end", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	// A bare end date covers that whole day.
	if !e.IsZero() && len(strings.TrimSpace(end)) == len("2006-01-02") {
		e = e.Add(24*time.Hour - time.Nanosecond)
	}
	return s, e, nil
}

func parseDate(field, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: want YYYY-MM-DD or RFC 3339, got %q", field, v)
	}
	return t, nil
}

// decodeBody decodes a strict JSON object
func decodeBody(dec *json.Decoder, v interface{}) error {
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/data"
	"github.com/atlas-desktop/strategy-sandbox/internal/metrics"
	"github.com/atlas-desktop/strategy-sandbox/internal/sandbox"
	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// cached routes a load through the fingerprint cache when one is configured
func (s *Service) cached(ctx context.Context, fp data.Fingerprint, load data.LoadFunc) (*data.Dataset, bool, error) {
	if s.cache == nil {
		ds, err := load(ctx)
		return ds, false, err
	}
	ds, hit, err := s.cache.Get(ctx, fp, load)
	if err == nil {
		metrics.CacheResult(hit)
	}
	return ds, hit, err
}

// loadBars loads every symbol in fp. Symbols without data are left out;
// if none have data the load fails with DataUnavailable and is not cached.
func (s *Service) loadBars(ctx context.Context, fp data.Fingerprint) (*data.Dataset, bool, error) {
	return s.cached(ctx, fp, func(ctx context.Context) (*data.Dataset, error) {
		ds := &data.Dataset{Bars: make(map[string][]types.Bar, len(fp.Symbols))}
		for _, sym := range fp.Symbols {
			bars, err := s.bars.LoadBars(ctx, sym, fp.Timeframe, fp.Start, fp.End)
			if errors.Is(err, data.ErrNoData) {
				s.logger.Debug("No bars for symbol", zap.String("symbol", sym), zap.Error(err))
				continue
			}
			if err != nil {
				return nil, sourceError(sym, err)
			}
			if err := checkSessions(sym, bars); err != nil {
				return nil, err
			}
			if fp.Limit > 0 && len(bars) > fp.Limit {
				bars = bars[len(bars)-fp.Limit:]
			}
			ds.Bars[sym] = bars
		}
		if len(ds.Bars) == 0 {
			return nil, &Error{
				Kind:    types.ErrorKindDataUnavailable,
				Message: fmt.Sprintf("no bars for %s", strings.Join(fp.Symbols, ", ")),
			}
		}
		return ds, nil
	})
}

// loadChain loads the option chain and joins the underlying's daily closes
func (s *Service) loadChain(ctx context.Context, req types.OptionsBacktestRequest) (*data.Dataset, error) {
	rows, err := s.chains.LoadChain(ctx, req.Symbol, req.Start, req.End, req.MaxDTE)
	if errors.Is(err, data.ErrNoData) {
		return nil, &Error{Kind: types.ErrorKindDataUnavailable, Message: err.Error()}
	}
	if err != nil {
		return nil, sourceError(req.Symbol, err)
	}

	ds := &data.Dataset{Chain: rows}
	bars, err := s.bars.LoadBars(ctx, req.Symbol, types.Timeframe1d, req.Start, req.End)
	switch {
	case errors.Is(err, data.ErrNoData):
		s.logger.Debug("No underlying bars, using chain prices", zap.String("symbol", req.Symbol))
	case err != nil:
		return nil, sourceError(req.Symbol, err)
	default:
		if err := checkSessions(req.Symbol, bars); err != nil {
			return nil, err
		}
		data.JoinUnderlying(rows, bars)
		ds.Bars = map[string][]types.Bar{req.Symbol: bars}
	}
	return ds, nil
}

// fetcher serves the sandbox fetch() helper from the same cache
func (s *Service) fetcher(timeframe types.Timeframe, start, end time.Time) sandbox.FetchFunc {
	return func(ctx context.Context, symbol string) (series.Series, error) {
		sym := strings.ToUpper(strings.TrimSpace(symbol))
		if sym == "" {
			return series.Series{}, errors.New("symbol is required")
		}
		ds, _, err := s.loadBars(ctx, data.Fingerprint{
			Kind:      KindBars,
			Symbols:   []string{sym},
			Timeframe: timeframe,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return series.Series{}, err
		}
		bars := ds.Bars[sym]
		out := series.Series{Name: sym, Index: make([]time.Time, len(bars)), Values: make([]float64, len(bars))}
		for i, b := range bars {
			out.Index[i] = b.Timestamp
			out.Values[i] = b.Close
		}
		return out, nil
	}
}

// checkSessions requires one bar per session date in increasing order.
// Several bars on one date would be collapsed by alignment, exposing later
// prices to earlier bars.
func checkSessions(symbol string, bars []types.Bar) error {
	for i := 1; i < len(bars); i++ {
		prev, cur := series.Normalize(bars[i-1].Timestamp), series.Normalize(bars[i].Timestamp)
		if !cur.After(prev) {
			return &Error{
				Kind:    types.ErrorKindDataSource,
				Message: fmt.Sprintf("bars for %s are not one per session: %s follows %s", symbol, cur.Format("2006-01-02"), prev.Format("2006-01-02")),
			}
		}
	}
	return nil
}

func sourceError(symbol string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: types.ErrorKindTimeout, Message: fmt.Sprintf("loading %s: %v", symbol, err)}
	}
	return &Error{Kind: types.ErrorKindDataSource, Message: fmt.Sprintf("loading %s: %v", symbol, err)}
}

// EqualWeightBenchmark is the cumulative return of holding every symbol in
// equal weight from its first valid close. Bars where no symbol has a price are NaN.
func EqualWeightBenchmark(symbols []string, frames map[string]sandbox.Frame, index []time.Time) series.Series {
	closes := make([][]float64, 0, len(symbols))
	for _, sym := range symbols {
		if f, ok := frames[sym]; ok {
			closes = append(closes, f.Cols["close"])
		}
	}
	return series.Series{Name: "benchmark", Index: index, Values: equalWeight(closes, len(index))}
}

// BuyAndHold is the cumulative return of holding s from its first valid value
func BuyAndHold(s series.Series) series.Series {
	return series.Series{Name: "benchmark", Index: s.Index, Values: equalWeight([][]float64{s.Values}, s.Len())}
}

func equalWeight(closes [][]float64, n int) []float64 {
	out := make([]float64, n)
	bases := make([]float64, len(closes))
	for i := range out {
		sum, count := 0.0, 0
		for k, col := range closes {
			if i >= len(col) {
				continue
			}
			c := col[i]
			if math.IsNaN(c) || c <= 0 {
				continue
			}
			if bases[k] == 0 {
				bases[k] = c
			}
			sum += c/bases[k] - 1
			count++
		}
		if count == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(count)
	}
	return out
}

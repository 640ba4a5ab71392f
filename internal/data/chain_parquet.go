package data

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

// DefaultMaxDTE is the widest days-to-expiry kept when loading a chain
const DefaultMaxDTE = 90

// ChainRecord is the Parquet schema of an end-of-day option chain row.
// Dates are YYYYMMDD integers and Right is "C" or "P".
type ChainRecord struct {
	Date       int64    `parquet:"date"`
	Expiration int64    `parquet:"expiration"`
	Strike     float64  `parquet:"strike"`
	Right      string   `parquet:"right"`
	Bid        float64  `parquet:"bid"`
	Ask        float64  `parquet:"ask"`
	Close      float64  `parquet:"close"`
	Open       float64  `parquet:"open"`
	High       float64  `parquet:"high"`
	Low        float64  `parquet:"low"`
	Volume     int64    `parquet:"volume"`
	DTE        int64    `parquet:"dte"`
	IV         *float64 `parquet:"iv,optional"`
	Delta      *float64 `parquet:"delta,optional"`
	Gamma      *float64 `parquet:"gamma,optional"`
	Theta      *float64 `parquet:"theta,optional"`
	Vega       *float64 `parquet:"vega,optional"`
	Rho        *float64 `parquet:"rho,optional"`
}

// Quote is a raw end-of-day option quote before normalization
type Quote struct {
	Date       time.Time
	Expiration time.Time
	Strike     float64
	CallPut    string // Call, Put, C or P
	Bid        float64
	Ask        float64
	IV         *float64
	Delta      *float64
	Gamma      *float64
	Theta      *float64
	Vega       *float64
	Rho        *float64
}

// NormalizeQuote converts q to a chain row. The mid is rounded to four
// places and used for open and close; high is the ask and low the bid,
// falling back to the mid when a side is missing.
func NormalizeQuote(q Quote) ChainRecord {
	right := "P"
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(q.CallPut)), "c") {
		right = "C"
	}

	mid := 0.0
	if q.Bid > 0 || q.Ask > 0 {
		mid = math.Round((q.Bid+q.Ask)/2*1e4) / 1e4
	}
	high, low := mid, mid
	if q.Ask > 0 {
		high = q.Ask
	}
	if q.Bid > 0 {
		low = q.Bid
	}

	return ChainRecord{
		Date:       dateInt(q.Date),
		Expiration: dateInt(q.Expiration),
		Strike:     q.Strike,
		Right:      right,
		Bid:        q.Bid,
		Ask:        q.Ask,
		Close:      mid,
		Open:       mid,
		High:       high,
		Low:        low,
		DTE:        int64(daysBetween(q.Date, q.Expiration)),
		IV:         q.IV,
		Delta:      q.Delta,
		Gamma:      q.Gamma,
		Theta:      q.Theta,
		Vega:       q.Vega,
		Rho:        q.Rho,
	}
}

// Contract converts the record to an OptionContract
func (r ChainRecord) Contract() (types.OptionContract, error) {
	date, err := parseDateInt(r.Date)
	if err != nil {
		return types.OptionContract{}, err
	}
	exp, err := parseDateInt(r.Expiration)
	if err != nil {
		return types.OptionContract{}, err
	}
	right, err := types.ParseRight(r.Right)
	if err != nil {
		return types.OptionContract{}, err
	}
	return types.OptionContract{
		Date:       date,
		Expiration: exp,
		Strike:     r.Strike,
		Right:      right,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Bid:        r.Bid,
		Ask:        r.Ask,
		Volume:     r.Volume,
		Delta:      r.Delta,
		Gamma:      r.Gamma,
		Theta:      r.Theta,
		Vega:       r.Vega,
		Rho:        r.Rho,
		IV:         r.IV,
		DTE:        daysBetween(date, exp),
	}, nil
}

func recordFromContract(c types.OptionContract) ChainRecord {
	right := "C"
	if c.Right == types.RightPut {
		right = "P"
	}
	return ChainRecord{
		Date:       dateInt(c.Date),
		Expiration: dateInt(c.Expiration),
		Strike:     c.Strike,
		Right:      right,
		Bid:        c.Bid,
		Ask:        c.Ask,
		Close:      c.Close,
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Volume:     c.Volume,
		DTE:        int64(daysBetween(c.Date, c.Expiration)),
		IV:         c.IV,
		Delta:      c.Delta,
		Gamma:      c.Gamma,
		Theta:      c.Theta,
		Vega:       c.Vega,
		Rho:        c.Rho,
	}
}

// ParquetChainStore reads and writes option chains as one Parquet file per
// underlying at <dir>/<SYMBOL>_eod.parquet
type ParquetChainStore struct {
	mu     sync.Mutex
	logger *zap.Logger
	dir    string
}

// NewParquetChainStore creates a chain store rooted at dir
func NewParquetChainStore(logger *zap.Logger, dir string) *ParquetChainStore {
	return &ParquetChainStore{logger: logger, dir: dir}
}

// Path returns the chain file for symbol
func (s *ParquetChainStore) Path(symbol string) string {
	return filepath.Join(s.dir, fileSymbol(symbol)+"_eod.parquet")
}

// LoadChain reads the chain for symbol, keeps rows within [start, end] and
// with DTE <= maxDTE, drops duplicate contracts keeping the last row and
// sorts by date, expiration, strike and right. maxDTE <= 0 means DefaultMaxDTE.
func (s *ParquetChainStore) LoadChain(ctx context.Context, symbol string, start, end time.Time, maxDTE int) ([]types.OptionContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxDTE <= 0 {
		maxDTE = DefaultMaxDTE
	}

	s.mu.Lock()
	records, err := readParquetFile[ChainRecord](s.Path(symbol))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no option chain for %s", ErrNoData, symbol)
		}
		return nil, fmt.Errorf("reading option chain for %s: %w", symbol, err)
	}

	rows := make([]types.OptionContract, 0, len(records))
	skipped := 0
	for _, r := range records {
		c, err := r.Contract()
		if err != nil {
			skipped++
			continue
		}
		if c.DTE > maxDTE {
			continue
		}
		if !start.IsZero() && c.Date.Before(series.Normalize(start)) {
			continue
		}
		if !end.IsZero() && c.Date.After(series.Normalize(end)) {
			continue
		}
		rows = append(rows, c)
	}
	if skipped > 0 {
		s.logger.Warn("Skipped malformed chain rows",
			zap.String("symbol", symbol),
			zap.Int("skipped", skipped),
		)
	}

	rows = dedupeContracts(rows)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: option chain for %s is empty in range", ErrNoData, symbol)
	}
	return rows, nil
}

// WriteChain merges rows into the symbol's chain file. Incoming rows replace
// existing rows for the same contract and date.
func (s *ParquetChainStore) WriteChain(symbol string, rows []types.OptionContract) error {
	records := make([]ChainRecord, len(rows))
	for i, c := range rows {
		records[i] = recordFromContract(c)
	}
	return s.writeRecords(symbol, records)
}

// ImportQuotes normalizes raw quotes, drops quotes beyond maxDTE and merges
// them into the symbol's chain file.
func (s *ParquetChainStore) ImportQuotes(symbol string, quotes []Quote, maxDTE int) (int, error) {
	if maxDTE <= 0 {
		maxDTE = DefaultMaxDTE
	}
	records := make([]ChainRecord, 0, len(quotes))
	for _, q := range quotes {
		r := NormalizeQuote(q)
		if r.DTE > int64(maxDTE) {
			continue
		}
		records = append(records, r)
	}
	if err := s.writeRecords(symbol, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *ParquetChainStore) writeRecords(symbol string, records []ChainRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(symbol)
	existing, _ := readParquetFile[ChainRecord](path)
	merged := mergeChainRecords(existing, records)

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing option chain for %s: %w", symbol, err)
	}
	s.logger.Debug("Wrote option chain",
		zap.String("symbol", symbol),
		zap.Int("rows", len(merged)),
	)
	return nil
}

// JoinUnderlying sets UnderlyingClose on every row from the most recent bar
// close on or before the row's date. Rows before the first bar keep zero.
func JoinUnderlying(rows []types.OptionContract, bars []types.Bar) {
	if len(rows) == 0 || len(bars) == 0 {
		return
	}
	closes := series.Series{Name: "underlying", Index: make([]time.Time, len(bars)), Values: make([]float64, len(bars))}
	for i, b := range bars {
		closes.Index[i] = b.Timestamp
		closes.Values[i] = b.Close
	}
	dates := make([]time.Time, len(rows))
	for i, r := range rows {
		dates[i] = r.Date
	}
	aligned := series.Align(closes, dates)
	for i := range rows {
		if v := aligned.Values[i]; !math.IsNaN(v) {
			rows[i].UnderlyingClose = v
		}
	}
}

type chainKey struct {
	date       int64
	expiration int64
	strike     float64
	right      string
}

// mergeChainRecords deduplicates by contract and date, preferring incoming
// records, and sorts the result.
func mergeChainRecords(existing, incoming []ChainRecord) []ChainRecord {
	seen := make(map[chainKey]int, len(existing)+len(incoming))
	merged := make([]ChainRecord, 0, len(existing)+len(incoming))
	for _, group := range [][]ChainRecord{existing, incoming} {
		for _, r := range group {
			k := chainKey{r.Date, r.Expiration, r.Strike, r.Right}
			if i, ok := seen[k]; ok {
				merged[i] = r
				continue
			}
			seen[k] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})
	return merged
}

// dedupeContracts keeps the last row per contract and date, then sorts
func dedupeContracts(rows []types.OptionContract) []types.OptionContract {
	records := make([]ChainRecord, len(rows))
	byKey := make(map[chainKey]types.OptionContract, len(rows))
	for i, c := range rows {
		records[i] = recordFromContract(c)
		r := records[i]
		byKey[chainKey{r.Date, r.Expiration, r.Strike, r.Right}] = c
	}
	merged := mergeChainRecords(nil, records)
	out := make([]types.OptionContract, len(merged))
	for i, r := range merged {
		out[i] = byKey[chainKey{r.Date, r.Expiration, r.Strike, r.Right}]
	}
	return out
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func dateInt(t time.Time) int64 {
	y, m, d := t.Date()
	return int64(y*10000 + int(m)*100 + d)
}

func parseDateInt(v int64) (time.Time, error) {
	if v < 10000101 || v > 99991231 {
		return time.Time{}, fmt.Errorf("invalid date %d", v)
	}
	y, m, d := int(v/10000), time.Month(v/100%100), int(v%100)
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if t.Month() != m || t.Day() != d {
		return time.Time{}, fmt.Errorf("invalid date %d", v)
	}
	return t, nil
}

func daysBetween(from, to time.Time) int {
	return int(series.Normalize(to).Sub(series.Normalize(from)).Hours() / 24)
}

// Package data provides bar and option-chain storage and the request cache.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when a store has nothing for the requested symbol or range
var ErrNoData = errors.New("no data available")

// Store provides access to historical bars kept as JSON files
type Store struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	dataDir   string
	validator *Validator
	cache     map[string][]types.Bar
	symbols   []string
	metadata  map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewStore creates a new data store rooted at dataDir
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:    logger,
		dataDir:   dataDir,
		validator: NewValidator(logger),
		cache:     make(map[string][]types.Bar),
		symbols:   make([]string, 0),
		metadata:  make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads bars for a symbol within [start, end]. A zero start or end
// leaves that side unbounded. Missing files and empty ranges return ErrNoData.
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, timeframe)
	bars, ok := s.cache[key]
	if !ok {
		var err error
		bars, err = s.readFile(symbol, timeframe)
		if err != nil {
			return nil, err
		}
		s.cache[key] = bars
	}

	filtered := filterByTimeRange(bars, start, end)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: %s %s in range", ErrNoData, symbol, timeframe)
	}
	return filtered, nil
}

func (s *Store) readFile(symbol string, timeframe types.Timeframe) ([]types.Bar, error) {
	raw, err := os.ReadFile(s.barPath(symbol, timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, timeframe)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", symbol, err)
	}

	report := s.validator.Validate(symbol, bars)
	if !report.IsUsable || len(report.Issues) > 0 {
		s.logger.Warn("Bar data has quality issues",
			zap.String("symbol", symbol),
			zap.Int("issues", len(report.Issues)),
			zap.Int("score", report.QualityScore),
		)
	}
	return s.validator.Clean(bars), nil
}

// GetAvailableSymbols returns all symbols with saved data
func (s *Store) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, len(s.symbols))
	copy(symbols, s.symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *Store) GetDataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrNoData, symbol)
}

// SaveBars writes bars to disk, replacing any existing file for the symbol and timeframe
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := os.WriteFile(s.barPath(symbol, timeframe), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[cacheKey(symbol, timeframe)] = sorted

	if len(sorted) > 0 {
		if _, known := s.metadata[symbol]; !known {
			s.symbols = append(s.symbols, symbol)
			sort.Strings(s.symbols)
		}
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
			Timeframe: string(timeframe),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}

	return nil
}

func (s *Store) barPath(symbol string, timeframe types.Timeframe) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", fileSymbol(symbol), timeframe))
}

// fileSymbol makes a symbol safe to use in a file name
func fileSymbol(symbol string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(strings.ToUpper(symbol))
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(symbol), timeframe)
}

// filterByTimeRange keeps bars within [start, end]
func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	var filtered []types.Bar

	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, bar)
	}

	return filtered
}

// loadMetadata loads symbol metadata from disk
func (s *Store) loadMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}

	s.metadata = metadata

	s.symbols = make([]string, 0, len(metadata))
	for symbol := range metadata {
		s.symbols = append(s.symbols, symbol)
	}
	sort.Strings(s.symbols)

	return nil
}

// saveMetadata saves symbol metadata to disk
func (s *Store) saveMetadata() error {
	filename := filepath.Join(s.dataDir, "metadata.json")

	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Bar)
}

// GetCacheSize returns the number of cached datasets
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

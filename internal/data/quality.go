package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.uber.org/zap"
)

// DataIssue represents a detected data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // critical, high, medium, low
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes the quality of a bar set
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"` // 0-100
	IsUsable     bool        `json:"isUsable"`
}

// Validator checks bars for ordering, price and duplicate problems
type Validator struct {
	logger *zap.Logger

	// MaxGapMove flags an open that moves more than this fraction from the previous close
	MaxGapMove float64
}

// NewValidator creates a validator with default thresholds
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{
		logger:     logger,
		MaxGapMove: 0.5,
	}
}

// Validate runs every check over bars
func (v *Validator) Validate(symbol string, bars []types.Bar) QualityReport {
	if len(bars) == 0 {
		return QualityReport{Symbol: symbol}
	}

	var issues []DataIssue
	issues = append(issues, v.checkPrices(bars, symbol)...)
	issues = append(issues, v.checkOHLCConsistency(bars, symbol)...)
	issues = append(issues, v.checkDuplicates(bars, symbol)...)
	issues = append(issues, v.checkChronologicalOrder(bars, symbol)...)

	score := calculateQualityScore(len(bars), issues)
	return QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && !hasCriticalIssues(issues),
	}
}

// checkPrices finds non-positive prices, negative volume and extreme gaps
func (v *Validator) checkPrices(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	for i, bar := range bars {
		if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
			issues = append(issues, DataIssue{
				Type:      "NON_POSITIVE_PRICE",
				Severity:  "critical",
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Zero or negative price",
				BarIndex:  i,
			})
			continue
		}
		if bar.Volume < 0 {
			issues = append(issues, DataIssue{
				Type:      "NEGATIVE_VOLUME",
				Severity:  "high",
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Negative volume %d", bar.Volume),
				BarIndex:  i,
			})
		}

		if i > 0 && bars[i-1].Close > 0 {
			move := math.Abs(bar.Open-bars[i-1].Close) / bars[i-1].Close
			if move > v.MaxGapMove {
				issues = append(issues, DataIssue{
					Type:      "GAP_MOVE",
					Severity:  "medium",
					Timestamp: bar.Timestamp,
					Symbol:    symbol,
					Message:   fmt.Sprintf("Large price gap: %.2f%%", move*100),
					BarIndex:  i,
				})
			}
		}
	}

	return issues
}

// checkOHLCConsistency verifies High >= Open, Close, Low and Low <= Open, Close, High
func (v *Validator) checkOHLCConsistency(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	for i, bar := range bars {
		if bar.High < bar.Open || bar.High < bar.Close || bar.High < bar.Low ||
			bar.Low > bar.Open || bar.Low > bar.Close {
			issues = append(issues, DataIssue{
				Type:      "OHLC_INCONSISTENT",
				Severity:  "high",
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Inconsistent bar (O:%g H:%g L:%g C:%g)", bar.Open, bar.High, bar.Low, bar.Close),
				BarIndex:  i,
			})
		}
	}

	return issues
}

// checkDuplicates finds duplicate timestamps
func (v *Validator) checkDuplicates(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	seen := make(map[int64]int)

	for i, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		if first, exists := seen[ts]; exists {
			issues = append(issues, DataIssue{
				Type:      "DUPLICATE_TIMESTAMP",
				Severity:  "high",
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   fmt.Sprintf("Duplicate timestamp (also at index %d)", first),
				BarIndex:  i,
			})
		} else {
			seen[ts] = i
		}
	}

	return issues
}

// checkChronologicalOrder ensures bars are in ascending time order
func (v *Validator) checkChronologicalOrder(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type:      "OUT_OF_ORDER",
				Severity:  "critical",
				Timestamp: bars[i].Timestamp,
				Symbol:    symbol,
				Message:   "Bar is out of chronological order",
				BarIndex:  i,
			})
		}
	}

	return issues
}

// calculateQualityScore returns a 0-100 score
func calculateQualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}

	// Larger sets tolerate more small issues
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)

	return int(math.Max(0, math.Min(100, score)))
}

func hasCriticalIssues(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

// Clean sorts bars, drops non-positive prices and keeps the last bar of any
// duplicate timestamp. High and Low are widened to cover Open and Close.
// Bars sharing a session date are merged into one bar stamped with that date,
// so every returned timestamp is a distinct session.
func (v *Validator) Clean(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	deduped := make([]types.Bar, 0, len(sorted))
	for _, bar := range sorted {
		if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
			continue
		}
		bar.High = math.Max(bar.High, math.Max(bar.Open, bar.Close))
		bar.Low = math.Min(bar.Low, math.Min(bar.Open, bar.Close))
		if bar.Volume < 0 {
			bar.Volume = 0
		}

		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(bar.Timestamp) {
			deduped[n-1] = bar
			continue
		}
		deduped = append(deduped, bar)
	}

	cleaned := make([]types.Bar, 0, len(deduped))
	merged := 0
	for _, bar := range deduped {
		bar.Timestamp = series.Normalize(bar.Timestamp)
		n := len(cleaned)
		if n == 0 || !cleaned[n-1].Timestamp.Equal(bar.Timestamp) {
			cleaned = append(cleaned, bar)
			continue
		}
		session := &cleaned[n-1]
		session.High = math.Max(session.High, bar.High)
		session.Low = math.Min(session.Low, bar.Low)
		session.Close = bar.Close
		session.Volume += bar.Volume
		merged++
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		v.logger.Debug("Data cleaning complete",
			zap.Int("original_bars", len(bars)),
			zap.Int("cleaned_bars", len(cleaned)),
			zap.Int("removed", removed),
			zap.Int("merged_into_sessions", merged),
		)
	}

	return cleaned
}

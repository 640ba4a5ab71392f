// Package chain indexes option-chain snapshots for point-in-time queries.
package chain

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/series"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
)

type contractKey struct {
	date       int64
	expiration int64
	strike     float64
	right      types.Right
}

func dayKey(t time.Time) int64 {
	return series.Normalize(t).Unix()
}

// Chain is a read-only index over option rows. Safe for concurrent reads.
type Chain struct {
	rows       []types.OptionContract
	byDate     map[int64][]int
	byContract map[contractKey]int
	dates      []time.Time
	underlying map[int64]float64
}

// New indexes rows. Rows are expected to be sorted by date, expiration,
// strike and right; duplicates keep the last row.
func New(rows []types.OptionContract) *Chain {
	c := &Chain{
		rows:       rows,
		byDate:     make(map[int64][]int),
		byContract: make(map[contractKey]int, len(rows)),
		underlying: make(map[int64]float64),
	}
	for i, r := range rows {
		d := dayKey(r.Date)
		key := contractKey{date: d, expiration: dayKey(r.Expiration), strike: r.Strike, right: r.Right}
		if prev, ok := c.byContract[key]; ok {
			c.replace(d, prev, i)
		} else {
			if _, seen := c.byDate[d]; !seen {
				c.dates = append(c.dates, series.Normalize(r.Date))
			}
			c.byDate[d] = append(c.byDate[d], i)
		}
		c.byContract[key] = i
		if r.UnderlyingClose > 0 {
			c.underlying[d] = r.UnderlyingClose
		}
	}
	sort.Slice(c.dates, func(i, j int) bool { return c.dates[i].Before(c.dates[j]) })
	return c
}

func (c *Chain) replace(d int64, prev, next int) {
	for j, idx := range c.byDate[d] {
		if idx == prev {
			c.byDate[d][j] = next
			return
		}
	}
}

// Len returns the number of indexed rows
func (c *Chain) Len() int {
	n := 0
	for _, idx := range c.byDate {
		n += len(idx)
	}
	return n
}

// Rows returns the indexed rows in date order
func (c *Chain) Rows() []types.OptionContract {
	out := make([]types.OptionContract, 0, len(c.rows))
	for _, d := range c.dates {
		out = append(out, c.Snapshot(d)...)
	}
	return out
}

// Dates returns the trade dates in ascending order
func (c *Chain) Dates() []time.Time {
	out := make([]time.Time, len(c.dates))
	copy(out, c.dates)
	return out
}

// Snapshot returns every row quoted on date
func (c *Chain) Snapshot(date time.Time) []types.OptionContract {
	idx := c.byDate[dayKey(date)]
	out := make([]types.OptionContract, len(idx))
	for i, j := range idx {
		out[i] = c.rows[j]
	}
	return out
}

// Underlying returns the underlying close joined onto date's rows
func (c *Chain) Underlying(date time.Time) (float64, bool) {
	v, ok := c.underlying[dayKey(date)]
	return v, ok
}

// UnderlyingPrice satisfies ledger.QuoteSource
func (c *Chain) UnderlyingPrice(date time.Time) (float64, bool) {
	return c.Underlying(date)
}

// Contract returns the row for one contract on date
func (c *Chain) Contract(date, expiration time.Time, strike float64, right types.Right) (types.OptionContract, bool) {
	i, ok := c.byContract[contractKey{date: dayKey(date), expiration: dayKey(expiration), strike: strike, right: right}]
	if !ok {
		return types.OptionContract{}, false
	}
	return c.rows[i], true
}

// Quote satisfies ledger.QuoteSource
func (c *Chain) Quote(date, expiration time.Time, strike float64, right types.Right) (types.OptionContract, bool) {
	return c.Contract(date, expiration, strike, right)
}

// Expirations returns the distinct expirations quoted on date, ascending
func (c *Chain) Expirations(date time.Time) []time.Time {
	seen := make(map[int64]bool)
	var out []time.Time
	for _, r := range c.Snapshot(date) {
		k := dayKey(r.Expiration)
		if !seen[k] {
			seen[k] = true
			out = append(out, series.Normalize(r.Expiration))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NearestExpiry returns the earliest expiration on date whose DTE lies in
// [minDTE, maxDTE].
func (c *Chain) NearestExpiry(date time.Time, minDTE, maxDTE int) (time.Time, bool) {
	d := series.Normalize(date)
	for _, exp := range c.Expirations(date) {
		dte := int(exp.Sub(d).Hours() / 24)
		if dte >= minDTE && dte <= maxDTE {
			return exp, true
		}
	}
	return time.Time{}, false
}

// ATM returns the contract whose strike is closest to the underlying close.
// On a tie the lower strike wins.
func (c *Chain) ATM(date, expiration time.Time, right types.Right) (types.OptionContract, bool) {
	spot, ok := c.Underlying(date)
	if !ok {
		return types.OptionContract{}, false
	}
	exp := dayKey(expiration)
	var best types.OptionContract
	bestDist := math.Inf(1)
	found := false
	for _, r := range c.Snapshot(date) {
		if r.Right != right || dayKey(r.Expiration) != exp {
			continue
		}
		dist := math.Abs(r.Strike - spot)
		if dist < bestDist || (dist == bestDist && r.Strike < best.Strike) {
			best, bestDist, found = r, dist, true
		}
	}
	return best, found
}

// ContractSeries returns one contract's rows up to and including asOf. Rows
// after asOf are never returned.
func (c *Chain) ContractSeries(expiration time.Time, strike float64, right types.Right, asOf time.Time) []types.OptionContract {
	cutoff := series.Normalize(asOf)
	var out []types.OptionContract
	for _, d := range c.dates {
		if d.After(cutoff) {
			break
		}
		if r, ok := c.Contract(d, expiration, strike, right); ok {
			out = append(out, r)
		}
	}
	return out
}

// UnderlyingSeries returns the underlying close on every chain date
func (c *Chain) UnderlyingSeries(name string) series.Series {
	vals := make([]float64, len(c.dates))
	for i, d := range c.dates {
		v, ok := c.Underlying(d)
		if !ok {
			v = math.NaN()
		}
		vals[i] = v
	}
	return series.Series{Name: name, Index: c.Dates(), Values: vals}
}

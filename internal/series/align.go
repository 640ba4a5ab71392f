package series

import (
	"math"
	"time"
)

// Normalize strips the zone from t and truncates it to midnight UTC. The
// calendar date is read in t's own location, so 2024-03-01T23:00-05:00
// becomes 2024-03-01, not 2024-03-02.
func Normalize(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeIndex applies Normalize to every timestamp.
func NormalizeIndex(index []time.Time) []time.Time {
	out := make([]time.Time, len(index))
	for i, t := range index {
		out[i] = Normalize(t)
	}
	return out
}

// Align reindexes s onto target after normalizing both calendars to dates.
// Gaps are forward-filled; dates before the first source observation stay
// NaN. Values are never taken from a later date.
func Align(s Series, target []time.Time) Series {
	tgt := NormalizeIndex(target)
	out := make([]float64, len(tgt))

	// Collapse duplicate dates (intraday bars) to the last observation.
	dates := make([]time.Time, 0, len(s.Index))
	vals := make([]float64, 0, len(s.Values))
	for i, t := range s.Index {
		d := Normalize(t)
		if n := len(dates); n > 0 && dates[n-1].Equal(d) {
			vals[n-1] = s.Values[i]
			continue
		}
		dates = append(dates, d)
		vals = append(vals, s.Values[i])
	}

	j := 0
	last := math.NaN()
	for i, t := range tgt {
		for j < len(dates) && !dates[j].After(t) {
			if !math.IsNaN(vals[j]) {
				last = vals[j]
			}
			j++
		}
		out[i] = last
	}
	return Series{Name: s.Name, Index: tgt, Values: out}
}

// AlignFrame aligns every series in frame onto target.
func AlignFrame(frame map[string]Series, target []time.Time) map[string]Series {
	out := make(map[string]Series, len(frame))
	for k, s := range frame {
		out[k] = Align(s, target)
	}
	return out
}

// Package series provides date-indexed float and boolean series.
package series

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Series is a date-indexed float series. NaN marks a missing value.
type Series struct {
	Name   string
	Index  []time.Time
	Values []float64
}

// Mask is a date-indexed boolean series
type Mask struct {
	Index  []time.Time
	Values []bool
}

// New creates a series, copying neither slice. Index and values must have the same length.
func New(name string, index []time.Time, values []float64) (Series, error) {
	if len(index) != len(values) {
		return Series{}, fmt.Errorf("series %q: index length %d does not match values length %d", name, len(index), len(values))
	}
	return Series{Name: name, Index: index, Values: values}, nil
}

// Len returns the number of observations
func (s Series) Len() int { return len(s.Values) }

// Last returns the last value, or NaN for an empty series
func (s Series) Last() float64 {
	if len(s.Values) == 0 {
		return math.NaN()
	}
	return s.Values[len(s.Values)-1]
}

// First returns the first value, or NaN for an empty series
func (s Series) First() float64 {
	if len(s.Values) == 0 {
		return math.NaN()
	}
	return s.Values[0]
}

// WithValues returns a series sharing s's index with new values.
func (s Series) WithValues(values []float64) Series {
	return Series{Name: s.Name, Index: s.Index, Values: values}
}

// SameIndex reports whether two indexes are identical.
func SameIndex(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Map applies fn to every value.
func (s Series) Map(fn func(float64) float64) Series {
	out := make([]float64, len(s.Values))
	for i, v := range s.Values {
		out[i] = fn(v)
	}
	return s.WithValues(out)
}

// Combine applies fn element-wise to two series with the same index.
func Combine(a, b Series, fn func(x, y float64) float64) (Series, error) {
	if len(a.Values) != len(b.Values) {
		return Series{}, fmt.Errorf("series length mismatch: %d vs %d", len(a.Values), len(b.Values))
	}
	out := make([]float64, len(a.Values))
	for i := range a.Values {
		out[i] = fn(a.Values[i], b.Values[i])
	}
	return a.WithValues(out), nil
}

// Compare builds a mask from an element-wise predicate. NaN on either side is false.
func Compare(a, b Series, pred func(x, y float64) bool) (Mask, error) {
	if len(a.Values) != len(b.Values) {
		return Mask{}, fmt.Errorf("series length mismatch: %d vs %d", len(a.Values), len(b.Values))
	}
	out := make([]bool, len(a.Values))
	for i := range a.Values {
		x, y := a.Values[i], b.Values[i]
		out[i] = !math.IsNaN(x) && !math.IsNaN(y) && pred(x, y)
	}
	return Mask{Index: a.Index, Values: out}, nil
}

// Constant returns a series of v over index.
func Constant(index []time.Time, v float64) Series {
	out := make([]float64, len(index))
	for i := range out {
		out[i] = v
	}
	return Series{Index: index, Values: out}
}

// Shift moves values forward by n bars (backward for negative n), filling with NaN.
func (s Series) Shift(n int) Series {
	out := make([]float64, len(s.Values))
	for i := range out {
		j := i - n
		if j < 0 || j >= len(s.Values) {
			out[i] = math.NaN()
			continue
		}
		out[i] = s.Values[j]
	}
	return s.WithValues(out)
}

// Diff returns s - s.Shift(n).
func (s Series) Diff(n int) Series {
	prev := s.Shift(n)
	out := make([]float64, len(s.Values))
	for i := range out {
		out[i] = s.Values[i] - prev.Values[i]
	}
	return s.WithValues(out)
}

// PctChange returns s / s.Shift(n) - 1.
func (s Series) PctChange(n int) Series {
	prev := s.Shift(n)
	out := make([]float64, len(s.Values))
	for i := range out {
		if prev.Values[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = s.Values[i]/prev.Values[i] - 1
	}
	return s.WithValues(out)
}

// CumSum returns the running sum, skipping NaN.
func (s Series) CumSum() Series {
	out := make([]float64, len(s.Values))
	var acc float64
	for i, v := range s.Values {
		if !math.IsNaN(v) {
			acc += v
		}
		out[i] = acc
	}
	return s.WithValues(out)
}

// FillNA replaces NaN with v.
func (s Series) FillNA(v float64) Series {
	return s.Map(func(x float64) float64 {
		if math.IsNaN(x) {
			return v
		}
		return x
	})
}

// FFill forward-fills NaN with the last observed value.
func (s Series) FFill() Series {
	out := make([]float64, len(s.Values))
	last := math.NaN()
	for i, v := range s.Values {
		if !math.IsNaN(v) {
			last = v
		}
		out[i] = last
	}
	return s.WithValues(out)
}

// Filter keeps the observations where m is true.
func (s Series) Filter(m Mask) (Series, error) {
	if len(m.Values) != len(s.Values) {
		return Series{}, fmt.Errorf("mask length %d does not match series length %d", len(m.Values), len(s.Values))
	}
	idx := make([]time.Time, 0, len(s.Values))
	vals := make([]float64, 0, len(s.Values))
	for i, keep := range m.Values {
		if keep {
			idx = append(idx, s.Index[i])
			vals = append(vals, s.Values[i])
		}
	}
	return Series{Name: s.Name, Index: idx, Values: vals}, nil
}

// Slice returns observations [i, j).
func (s Series) Slice(i, j int) Series {
	return Series{Name: s.Name, Index: s.Index[i:j], Values: s.Values[i:j]}
}

// Between returns the observations with start <= t <= end; zero bounds are open.
func (s Series) Between(start, end time.Time) Series {
	i := 0
	if !start.IsZero() {
		i = IndexAtOrAfter(s.Index, start)
	}
	j := len(s.Index)
	if !end.IsZero() {
		j = IndexAtOrAfter(s.Index, end.Add(time.Nanosecond))
	}
	if i > j {
		i = j
	}
	return s.Slice(i, j)
}

// Valid returns the non-NaN values.
func (s Series) Valid() []float64 {
	out := make([]float64, 0, len(s.Values))
	for _, v := range s.Values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// IndexAtOrAfter finds the first i where index[i] >= t.
func IndexAtOrAfter(index []time.Time, t time.Time) int {
	return sort.Search(len(index), func(i int) bool { return !index[i].Before(t) })
}

// NewMask creates an all-false mask over index.
func NewMask(index []time.Time) Mask {
	return Mask{Index: index, Values: make([]bool, len(index))}
}

// Len returns the number of observations
func (m Mask) Len() int { return len(m.Values) }

// Count returns the number of true values
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Values {
		if v {
			n++
		}
	}
	return n
}

// And combines two masks element-wise.
func (m Mask) And(o Mask) (Mask, error) { return m.zip(o, func(a, b bool) bool { return a && b }) }

// Or combines two masks element-wise.
func (m Mask) Or(o Mask) (Mask, error) { return m.zip(o, func(a, b bool) bool { return a || b }) }

// Xor combines two masks element-wise.
func (m Mask) Xor(o Mask) (Mask, error) { return m.zip(o, func(a, b bool) bool { return a != b }) }

// Not inverts the mask.
func (m Mask) Not() Mask {
	out := make([]bool, len(m.Values))
	for i, v := range m.Values {
		out[i] = !v
	}
	return Mask{Index: m.Index, Values: out}
}

// Shift moves values forward by n bars, filling with false.
func (m Mask) Shift(n int) Mask {
	out := make([]bool, len(m.Values))
	for i := range out {
		j := i - n
		if j >= 0 && j < len(m.Values) {
			out[i] = m.Values[j]
		}
	}
	return Mask{Index: m.Index, Values: out}
}

// Filter keeps the observations where keep is true.
func (m Mask) Filter(keep Mask) (Mask, error) {
	if len(keep.Values) != len(m.Values) {
		return Mask{}, fmt.Errorf("mask length %d does not match mask length %d", len(keep.Values), len(m.Values))
	}
	idx := make([]time.Time, 0, len(m.Values))
	vals := make([]bool, 0, len(m.Values))
	for i, k := range keep.Values {
		if k {
			idx = append(idx, m.Index[i])
			vals = append(vals, m.Values[i])
		}
	}
	return Mask{Index: idx, Values: vals}, nil
}

func (m Mask) zip(o Mask, fn func(a, b bool) bool) (Mask, error) {
	if len(m.Values) != len(o.Values) {
		return Mask{}, fmt.Errorf("mask length mismatch: %d vs %d", len(m.Values), len(o.Values))
	}
	out := make([]bool, len(m.Values))
	for i := range m.Values {
		out[i] = fn(m.Values[i], o.Values[i])
	}
	return Mask{Index: m.Index, Values: out}, nil
}

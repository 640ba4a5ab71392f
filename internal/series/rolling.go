package series

import (
	"math"
)

// RollingMean returns the trailing mean over window bars. The first window-1 values are NaN.
func (s Series) RollingMean(window int) Series {
	return s.rolling(window, func(w []float64) float64 {
		var sum float64
		for _, v := range w {
			sum += v
		}
		return sum / float64(len(w))
	})
}

// RollingStd returns the trailing sample standard deviation.
func (s Series) RollingStd(window int) Series {
	return s.rolling(window, func(w []float64) float64 {
		return StdDev(w)
	})
}

// RollingMin returns the trailing minimum.
func (s Series) RollingMin(window int) Series {
	return s.rolling(window, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			m = math.Min(m, v)
		}
		return m
	})
}

// RollingMax returns the trailing maximum.
func (s Series) RollingMax(window int) Series {
	return s.rolling(window, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			m = math.Max(m, v)
		}
		return m
	})
}

// rolling applies fn to each full trailing window. Windows containing NaN yield NaN.
func (s Series) rolling(window int, fn func([]float64) float64) Series {
	out := make([]float64, len(s.Values))
	for i := range out {
		out[i] = math.NaN()
		if window <= 0 || i+1 < window {
			continue
		}
		w := s.Values[i+1-window : i+1]
		if hasNaN(w) {
			continue
		}
		out[i] = fn(w)
	}
	return s.WithValues(out)
}

// EMA returns the exponential moving average with alpha = 2/(span+1), seeded
// with the first valid value.
func (s Series) EMA(span int) Series {
	out := make([]float64, len(s.Values))
	alpha := 2 / (float64(span) + 1)
	prev := math.NaN()
	for i, v := range s.Values {
		switch {
		case math.IsNaN(v):
			out[i] = prev
			continue
		case math.IsNaN(prev):
			prev = v
		default:
			prev = alpha*v + (1-alpha)*prev
		}
		out[i] = prev
	}
	return s.WithValues(out)
}

// RSI returns Wilder's relative strength index over period bars.
func (s Series) RSI(period int) Series {
	out := make([]float64, len(s.Values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(s.Values) <= period {
		return s.WithValues(out)
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := s.Values[i] - s.Values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)

	for i := period + 1; i < len(s.Values); i++ {
		d := s.Values[i] - s.Values[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(period-1) + up) / float64(period)
		loss = (loss*float64(period-1) + down) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return s.WithValues(out)
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// Mean calculates the arithmetic mean, ignoring NaN.
func Mean(values []float64) float64 {
	var sum float64
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// StdDev calculates the sample standard deviation, ignoring NaN.
func StdDev(values []float64) float64 {
	mean := Mean(values)
	var sumSquares float64
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		sumSquares += d * d
		n++
	}
	if n < 2 {
		return math.NaN()
	}
	return math.Sqrt(sumSquares / float64(n-1))
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

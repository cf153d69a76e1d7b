package features

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// SMA computes the simple moving average of values over window.
// Entries before index window-1 are NaN.
func SMA(values []float64, window int) []float64 {
	out := nanSlice(len(values))
	if window <= 0 || len(values) < window {
		return out
	}
	raw := talib.Sma(values, window)
	copy(out[window-1:], raw[window-1:])
	return out
}

// RSI computes the relative strength index over period using Wilder smoothing
// of average gains and losses. Entries before index period are NaN; defined
// entries are in [0, 100].
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 2 || len(values) <= period {
		return out
	}
	raw := talib.Rsi(values, period)
	copy(out[period:], raw[period:])
	return out
}

// EMA computes a recursive exponential moving average seeded with the first
// value, alpha = 2/(span+1). Every entry is defined.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACD returns EMA(fast) - EMA(slow).
func MACD(values []float64, fast, slow int) []float64 {
	f := EMA(values, fast)
	s := EMA(values, slow)
	out := make([]float64, len(values))
	for i := range values {
		out[i] = f[i] - s[i]
	}
	return out
}

// Lag shifts values back by k positions; the first k entries are NaN.
func Lag(values []float64, k int) []float64 {
	out := nanSlice(len(values))
	for i := k; i < len(values); i++ {
		out[i] = values[i-k]
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

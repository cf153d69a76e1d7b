package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"FinCast/internal/domain/models"
)

var (
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrMissingColumn       = errors.New("missing column")
	ErrUnorderedBars       = errors.New("bars not strictly increasing by date")
)

// Base column names.
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
	ColMACD   = "macd"
)

// MAColumn names the moving average over window rows.
func MAColumn(window int) string { return fmt.Sprintf("ma_%d", window) }

// RSIColumn names the momentum oscillator over period rows.
func RSIColumn(period int) string { return fmt.Sprintf("rsi_%d", period) }

// LagColumn names the close lagged by k rows.
func LagColumn(k int) string { return fmt.Sprintf("close_lag_%d", k) }

// DefaultSpec returns the production feature configuration.
func DefaultSpec() models.FeatureSpec {
	return models.FeatureSpec{
		MAWindows: []int{5, 10, 20},
		RSIPeriod: 14,
		MACDFast:  12,
		MACDSlow:  26,
		Lags:      3,
		StartDate: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		MinRows:   100,
	}
}

// Row is one engineered trading day.
type Row struct {
	Date   time.Time
	Values []float64
}

// Frame is an engineered series with an ordered schema.
type Frame struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Index returns the position of column name, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Matrix returns the row values. Rows are shared, not copied.
func (f *Frame) Matrix() [][]float64 {
	out := make([][]float64, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Values
	}
	return out
}

// Dates returns the row dates.
func (f *Frame) Dates() []time.Time {
	out := make([]time.Time, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r.Date
	}
	return out
}

// Select projects the frame onto the named columns.
func (f *Frame) Select(cols []string) ([][]float64, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = f.Index(c)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}
	out := make([][]float64, len(f.Rows))
	for i, r := range f.Rows {
		v := make([]float64, len(idx))
		for j, k := range idx {
			v[j] = r.Values[k]
		}
		out[i] = v
	}
	return out, nil
}

// Engineer derives indicator columns from raw daily bars.
type Engineer struct {
	spec    models.FeatureSpec
	columns []string
	warmup  int
}

// NewEngineer validates spec and builds the schema.
func NewEngineer(spec models.FeatureSpec) (*Engineer, error) {
	if len(spec.MAWindows) == 0 {
		return nil, fmt.Errorf("feature spec: at least one moving average window is required")
	}
	warmup := 0
	for _, w := range spec.MAWindows {
		if w < 1 {
			return nil, fmt.Errorf("feature spec: invalid moving average window %d", w)
		}
		warmup = max(warmup, w)
	}
	if spec.RSIPeriod < 2 {
		return nil, fmt.Errorf("feature spec: rsi period must be >= 2, got %d", spec.RSIPeriod)
	}
	if spec.MACDFast < 1 || spec.MACDSlow <= spec.MACDFast {
		return nil, fmt.Errorf("feature spec: macd spans must satisfy 0 < fast < slow, got %d/%d", spec.MACDFast, spec.MACDSlow)
	}
	if spec.Lags < 0 {
		return nil, fmt.Errorf("feature spec: lags must be >= 0, got %d", spec.Lags)
	}
	warmup = max(warmup, spec.RSIPeriod, spec.Lags)

	cols := []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}
	for _, w := range spec.MAWindows {
		cols = append(cols, MAColumn(w))
	}
	cols = append(cols, RSIColumn(spec.RSIPeriod), ColMACD)
	for k := 1; k <= spec.Lags; k++ {
		cols = append(cols, LagColumn(k))
	}
	return &Engineer{spec: spec, columns: cols, warmup: warmup}, nil
}

// Spec returns the configuration the engineer was built with.
func (e *Engineer) Spec() models.FeatureSpec { return e.spec }

// Columns returns a copy of the output schema.
func (e *Engineer) Columns() []string { return append([]string(nil), e.columns...) }

// Warmup is the number of leading rows dropped because a derived column is
// undefined there: the longest of the moving average windows, the RSI period
// and the lag count.
func (e *Engineer) Warmup() int { return e.warmup }

// Engineer filters bars to the start date, forward-fills gaps, derives the
// indicator columns and drops the warmup rows. It fails with
// ErrInsufficientHistory when fewer than MinRows rows remain.
func (e *Engineer) Engineer(bars []models.RawBar) (*Frame, error) {
	if !e.spec.StartDate.IsZero() {
		bars = FilterFrom(bars, e.spec.StartDate)
	}
	filled, err := ForwardFill(bars)
	if err != nil {
		return nil, err
	}
	frame, err := e.Compute(filled)
	if err != nil {
		return nil, err
	}
	if frame.Len() < e.spec.MinRows || frame.Len() == 0 {
		return nil, fmt.Errorf("%w: %d rows after warmup, need %d", ErrInsufficientHistory, frame.Len(), e.spec.MinRows)
	}
	return frame, nil
}

// Compute derives the indicator columns over complete bars and drops the
// warmup rows. It applies neither the start date nor the minimum row check.
func (e *Engineer) Compute(bars []models.RawBar) (*Frame, error) {
	if err := checkOrder(bars); err != nil {
		return nil, err
	}
	n := len(bars)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	vol := make([]float64, n)
	for i, b := range bars {
		if b.HasMissing() {
			return nil, fmt.Errorf("%w: unfilled value at %s", ErrMissingColumn, b.Date.Format(time.DateOnly))
		}
		open[i], high[i], low[i], closes[i], vol[i] = b.Open, b.High, b.Low, b.Close, b.Volume
	}

	series := [][]float64{open, high, low, closes, vol}
	for _, w := range e.spec.MAWindows {
		series = append(series, SMA(closes, w))
	}
	series = append(series, RSI(closes, e.spec.RSIPeriod), MACD(closes, e.spec.MACDFast, e.spec.MACDSlow))
	for k := 1; k <= e.spec.Lags; k++ {
		series = append(series, Lag(closes, k))
	}

	frame := &Frame{Columns: e.Columns()}
	if n <= e.warmup {
		return frame, nil
	}
	frame.Rows = make([]Row, 0, n-e.warmup)
	for i := e.warmup; i < n; i++ {
		vals := make([]float64, len(series))
		for j, s := range series {
			vals[j] = s[i]
		}
		frame.Rows = append(frame.Rows, Row{Date: bars[i].Date, Values: vals})
	}
	return frame, nil
}

// FilterFrom keeps bars dated on or after from.
func FilterFrom(bars []models.RawBar, from time.Time) []models.RawBar {
	for i, b := range bars {
		if !b.Date.Before(from) {
			return bars[i:]
		}
	}
	return nil
}

// ForwardFill carries the last known value of each field forward. Leading
// bars with nothing to fill from are trimmed. A field that is never present
// fails with ErrMissingColumn. The input is not modified.
func ForwardFill(bars []models.RawBar) ([]models.RawBar, error) {
	if err := checkOrder(bars); err != nil {
		return nil, err
	}
	out := make([]models.RawBar, len(bars))
	copy(out, bars)

	names := []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}
	first := 0
	for f := range names {
		seen := -1
		last := math.NaN()
		for i := range out {
			p := field(&out[i], f)
			if math.IsNaN(*p) {
				*p = last
				continue
			}
			if seen < 0 {
				seen = i
			}
			last = *p
		}
		if seen < 0 && len(out) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, names[f])
		}
		first = max(first, seen)
	}
	return out[first:], nil
}

func field(b *models.RawBar, f int) *float64 {
	switch f {
	case 0:
		return &b.Open
	case 1:
		return &b.High
	case 2:
		return &b.Low
	case 3:
		return &b.Close
	default:
		return &b.Volume
	}
}

func checkOrder(bars []models.RawBar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(bars[i-1].Date) {
			return fmt.Errorf("%w: %s after %s", ErrUnorderedBars,
				bars[i].Date.Format(time.DateOnly), bars[i-1].Date.Format(time.DateOnly))
		}
	}
	return nil
}

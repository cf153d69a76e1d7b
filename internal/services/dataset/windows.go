package dataset

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MinWindows is the smallest window count a split is built from.
const MinWindows = 10

var ErrInsufficientWindows = errors.New("insufficient windows")

// Proportions are the train/validation/test shares of the window count.
type Proportions struct {
	Train float64 `yaml:"train" default:"0.70"`
	Val   float64 `yaml:"val" default:"0.15"`
	Test  float64 `yaml:"test" default:"0.15"`
}

// DefaultProportions is the 70/15/15 split.
func DefaultProportions() Proportions {
	return Proportions{Train: 0.70, Val: 0.15, Test: 0.15}
}

func (p Proportions) Validate() error {
	if p.Train <= 0 || p.Val < 0 || p.Test < 0 {
		return fmt.Errorf("split proportions must be positive: %+v", p)
	}
	if math.Abs(p.Train+p.Val+p.Test-1) > 1e-6 {
		return fmt.Errorf("split proportions must sum to 1: %+v", p)
	}
	return nil
}

// Window is lookback contiguous scaled rows and the scaled targets of the
// row that follows them.
type Window struct {
	Inputs [][]float64
	Target []float64
	// Date of the target row.
	Date time.Time
}

// Split is the chronologically ordered partition of the windows.
type Split struct {
	Train    []Window
	Val      []Window
	Test     []Window
	Lookback int
	Features int
	Outputs  int
}

// Len returns the total window count.
func (s *Split) Len() int { return len(s.Train) + len(s.Val) + len(s.Test) }

// Windows slides a lookback-row window over inputs one row at a time.
// Window i covers rows i..i+lookback-1 and targets row i+lookback. Rows are
// shared with the caller, not copied.
func Windows(dates []time.Time, inputs, targets [][]float64, lookback int) ([]Window, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("lookback must be >= 1, got %d", lookback)
	}
	if len(inputs) != len(targets) || len(dates) != len(inputs) {
		return nil, fmt.Errorf("dates, inputs and targets differ in length: %d/%d/%d", len(dates), len(inputs), len(targets))
	}
	n := len(inputs) - lookback
	if n <= 0 {
		return nil, nil
	}
	out := make([]Window, n)
	for i := 0; i < n; i++ {
		out[i] = Window{
			Inputs: inputs[i : i+lookback],
			Target: targets[i+lookback],
			Date:   dates[i+lookback],
		}
	}
	return out, nil
}

// Sizes partitions n windows. The holdout is rounded up so that validation
// and test are never empty when their share is positive.
func Sizes(n int, p Proportions) (train, val, test int) {
	holdShare := p.Val + p.Test
	if holdShare <= 0 {
		return n, 0, 0
	}
	holdout := int(math.Ceil(holdShare*float64(n) - 1e-9))
	test = int(math.Ceil(float64(holdout)*p.Test/holdShare - 1e-9))
	val = holdout - test
	train = n - holdout
	return train, val, test
}

// Build forms the windows and cuts them by position into train, validation
// and test. Nothing is shuffled.
func Build(dates []time.Time, inputs, targets [][]float64, lookback int, p Proportions) (*Split, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	windows, err := Windows(dates, inputs, targets, lookback)
	if err != nil {
		return nil, err
	}
	if len(windows) < MinWindows {
		return nil, fmt.Errorf("%w: %d rows give %d windows of %d, need %d",
			ErrInsufficientWindows, len(inputs), len(windows), lookback, MinWindows)
	}

	train, val, _ := Sizes(len(windows), p)
	if train < 1 {
		return nil, fmt.Errorf("%w: no training windows", ErrInsufficientWindows)
	}
	return &Split{
		Train:    windows[:train],
		Val:      windows[train : train+val],
		Test:     windows[train+val:],
		Lookback: lookback,
		Features: len(inputs[0]),
		Outputs:  len(targets[0]),
	}, nil
}

// Last returns the final lookback rows of inputs, the window a forecast
// starts from.
func Last(inputs [][]float64, lookback int) ([][]float64, error) {
	if len(inputs) < lookback {
		return nil, fmt.Errorf("%w: %d rows, lookback %d", ErrInsufficientWindows, len(inputs), lookback)
	}
	out := make([][]float64, lookback)
	for i, row := range inputs[len(inputs)-lookback:] {
		out[i] = append([]float64(nil), row...)
	}
	return out, nil
}

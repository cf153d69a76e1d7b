package scaler

import (
	"errors"
	"fmt"
	"math"
	"time"

	"FinCast/internal/domain/models"
)

var (
	ErrUnknownGroup        = errors.New("unknown scaler group")
	ErrScalerStateMismatch = errors.New("scaler state mismatch")
	ErrScalerStateMissing  = errors.New("scaler state missing")
)

// Fit builds one min-max normalizer per group over the rows of matrix, whose
// columns are named by columns. groups maps a group name to the ordered
// subset of columns it covers.
func Fit(inst models.Instrument, runID string, columns []string, matrix [][]float64, groups map[string][]string) (*models.ScalerState, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("fit scaler for %s: no rows", inst)
	}
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}

	state := &models.ScalerState{
		Instrument: inst,
		RunID:      runID,
		FittedAt:   time.Now().UTC(),
		Groups:     make(map[string]*models.ScalerGroup, len(groups)),
	}
	for name, cols := range groups {
		if len(cols) == 0 {
			return nil, fmt.Errorf("fit scaler group %s: no columns", name)
		}
		g := &models.ScalerGroup{
			Columns: append([]string(nil), cols...),
			Min:     make([]float64, len(cols)),
			Range:   make([]float64, len(cols)),
		}
		for j, c := range cols {
			k, ok := index[c]
			if !ok {
				return nil, fmt.Errorf("fit scaler group %s: unknown column %s", name, c)
			}
			lo, hi := math.Inf(1), math.Inf(-1)
			for r, row := range matrix {
				if len(row) != len(columns) {
					return nil, fmt.Errorf("%w: row %d has %d values, schema has %d", ErrScalerStateMismatch, r, len(row), len(columns))
				}
				v := row[k]
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, fmt.Errorf("fit scaler group %s: non-finite %s at row %d", name, c, r)
				}
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			g.Min[j] = lo
			g.Range[j] = hi - lo
			if g.Range[j] == 0 {
				g.Range[j] = 1
			}
		}
		state.Groups[name] = g
	}
	return state, nil
}

// Group returns the named group or ErrUnknownGroup. A nil state yields
// ErrScalerStateMissing.
func Group(state *models.ScalerState, name string) (*models.ScalerGroup, error) {
	if state == nil {
		return nil, ErrScalerStateMissing
	}
	g, ok := state.Groups[name]
	if !ok || g == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g, nil
}

// Transform maps each row into [0,1] space with (x - min) / range.
func Transform(state *models.ScalerState, matrix [][]float64, group string) ([][]float64, error) {
	return apply(state, matrix, group, func(x, min, rng float64) float64 { return (x - min) / rng })
}

// InverseTransform maps scaled rows back to real units with x*range + min.
func InverseTransform(state *models.ScalerState, matrix [][]float64, group string) ([][]float64, error) {
	return apply(state, matrix, group, func(x, min, rng float64) float64 { return x*rng + min })
}

// TransformRow scales a single row.
func TransformRow(state *models.ScalerState, row []float64, group string) ([]float64, error) {
	out, err := Transform(state, [][]float64{row}, group)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// InverseRow unscales a single row.
func InverseRow(state *models.ScalerState, row []float64, group string) ([]float64, error) {
	out, err := InverseTransform(state, [][]float64{row}, group)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func apply(state *models.ScalerState, matrix [][]float64, group string, fn func(x, min, rng float64) float64) ([][]float64, error) {
	g, err := Group(state, group)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		if len(row) != len(g.Columns) {
			return nil, fmt.Errorf("%w: group %s expects %d columns, got %d", ErrScalerStateMismatch, group, len(g.Columns), len(row))
		}
		v := make([]float64, len(row))
		for j, x := range row {
			v[j] = fn(x, g.Min[j], g.Range[j])
		}
		out[i] = v
	}
	return out, nil
}

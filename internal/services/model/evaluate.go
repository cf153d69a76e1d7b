package model

import (
	"fmt"
	"math"

	"FinCast/internal/domain/models"
	"FinCast/internal/services/dataset"
)

// TargetInverter maps scaled target rows back to real units.
type TargetInverter func(scaled [][]float64) ([][]float64, error)

// Evaluate predicts every window, inverts predictions and targets through
// invert and scores the column at closeIdx.
func Evaluate(n *Network, windows []dataset.Window, invert TargetInverter, closeIdx int) (models.EvalMetrics, error) {
	if len(windows) == 0 {
		return models.EvalMetrics{}, ErrEvaluationDataEmpty
	}
	if closeIdx < 0 || closeIdx >= n.outputs {
		return models.EvalMetrics{}, fmt.Errorf("%w: close index %d with %d outputs", ErrInputShape, closeIdx, n.outputs)
	}
	in, targets := unzip(windows)
	pred, err := n.PredictBatch(in)
	if err != nil {
		return models.EvalMetrics{}, err
	}
	if invert != nil {
		if pred, err = invert(pred); err != nil {
			return models.EvalMetrics{}, fmt.Errorf("invert predictions: %w", err)
		}
		if targets, err = invert(targets); err != nil {
			return models.EvalMetrics{}, fmt.Errorf("invert targets: %w", err)
		}
	}

	p := make([]float64, len(pred))
	a := make([]float64, len(pred))
	for i := range pred {
		p[i] = pred[i][closeIdx]
		a[i] = targets[i][closeIdx]
	}
	return Score(p, a)
}

// Score computes MAE, RMSE and MAPE (percent). MAPE skips zero actuals.
func Score(pred, actual []float64) (models.EvalMetrics, error) {
	if len(pred) == 0 {
		return models.EvalMetrics{}, ErrEvaluationDataEmpty
	}
	if len(pred) != len(actual) {
		return models.EvalMetrics{}, fmt.Errorf("%w: %d predictions, %d actuals", ErrInputShape, len(pred), len(actual))
	}
	var abs, sq, pct float64
	pctN := 0
	for i := range pred {
		d := pred[i] - actual[i]
		abs += math.Abs(d)
		sq += d * d
		if actual[i] != 0 {
			pct += math.Abs(d / actual[i])
			pctN++
		}
	}
	n := float64(len(pred))
	m := models.EvalMetrics{
		MAE:   abs / n,
		RMSE:  math.Sqrt(sq / n),
		Count: len(pred),
	}
	if pctN > 0 {
		m.MAPE = pct / float64(pctN) * 100
	}
	return m, nil
}

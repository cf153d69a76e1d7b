package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"FinCast/internal/domain/models"
)

var ErrInputShape = errors.New("input shape mismatch")

type layer struct {
	w *mat.Dense // in x out
	b []float64
}

// Network is a feed-forward regressor over a flattened lookback window:
// ReLU hidden layers followed by a linear output layer.
type Network struct {
	lookback int
	features int
	outputs  int
	layers   []*layer
}

// NewNetwork initialises weights from rng with He scaling.
func NewNetwork(lookback, features, outputs int, hidden []int, rng *rand.Rand) (*Network, error) {
	if lookback < 1 || features < 1 || outputs < 1 {
		return nil, fmt.Errorf("%w: lookback %d features %d outputs %d", ErrInputShape, lookback, features, outputs)
	}
	sizes := append([]int{lookback * features}, hidden...)
	sizes = append(sizes, outputs)

	n := &Network{lookback: lookback, features: features, outputs: outputs}
	for i := 0; i+1 < len(sizes); i++ {
		in, out := sizes[i], sizes[i+1]
		if out < 1 {
			return nil, fmt.Errorf("hidden layer %d has %d units", i, out)
		}
		scale := math.Sqrt(2 / float64(in))
		data := make([]float64, in*out)
		for k := range data {
			data[k] = rng.NormFloat64() * scale
		}
		n.layers = append(n.layers, &layer{w: mat.NewDense(in, out, data), b: make([]float64, out)})
	}
	return n, nil
}

func (n *Network) Lookback() int { return n.lookback }
func (n *Network) Features() int { return n.features }
func (n *Network) Outputs() int  { return n.outputs }

func relu(_, _ int, v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func addBias(m *mat.Dense, b []float64) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		floats.Add(raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols], b)
	}
}

// forward returns the activations of every layer; acts[0] is the input.
func (n *Network) forward(x mat.Matrix) []mat.Matrix {
	acts := make([]mat.Matrix, len(n.layers)+1)
	acts[0] = x
	for i, l := range n.layers {
		z := new(mat.Dense)
		z.Mul(acts[i], l.w)
		addBias(z, l.b)
		if i < len(n.layers)-1 {
			z.Apply(relu, z)
		}
		acts[i+1] = z
	}
	return acts
}

// backward returns the per-layer gradients of the mean squared error and the
// loss itself.
func (n *Network) backward(acts []mat.Matrix, y mat.Matrix) ([]*mat.Dense, [][]float64, float64) {
	out := acts[len(acts)-1]
	r, c := out.Dims()

	delta := new(mat.Dense)
	delta.Sub(out, y)
	loss := 0.0
	for _, v := range delta.RawMatrix().Data {
		loss += v * v
	}
	loss /= float64(r * c)
	delta.Scale(2/float64(r*c), delta)

	gw := make([]*mat.Dense, len(n.layers))
	gb := make([][]float64, len(n.layers))
	for i := len(n.layers) - 1; i >= 0; i-- {
		if i < len(n.layers)-1 {
			a := acts[i+1]
			delta.Apply(func(r, c int, v float64) float64 {
				if a.At(r, c) > 0 {
					return v
				}
				return 0
			}, delta)
		}
		g := new(mat.Dense)
		g.Mul(acts[i].T(), delta)
		gw[i] = g

		raw := delta.RawMatrix()
		b := make([]float64, raw.Cols)
		for k := 0; k < raw.Rows; k++ {
			floats.Add(b, raw.Data[k*raw.Stride:k*raw.Stride+raw.Cols])
		}
		gb[i] = b

		if i > 0 {
			next := new(mat.Dense)
			next.Mul(delta, n.layers[i].w.T())
			delta = next
		}
	}
	return gw, gb, loss
}

// loss is the mean squared error over x in chunks.
func (n *Network) loss(x, y *mat.Dense) float64 {
	rows, cols := x.Dims()
	_, outs := y.Dims()
	if rows == 0 {
		return 0
	}
	const chunk = 256
	total := 0.0
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		acts := n.forward(x.Slice(start, end, 0, cols))
		pred := acts[len(acts)-1]
		for i := start; i < end; i++ {
			for j := 0; j < outs; j++ {
				d := pred.At(i-start, j) - y.At(i, j)
				total += d * d
			}
		}
	}
	return total / float64(rows*outs)
}

// flatten turns windows into an input matrix of rows (lookback*features)
// and a target matrix.
func (n *Network) flatten(windows [][][]float64, targets [][]float64) (*mat.Dense, *mat.Dense, error) {
	if len(windows) == 0 {
		return nil, nil, fmt.Errorf("%w: no windows", ErrInputShape)
	}
	x := mat.NewDense(len(windows), n.lookback*n.features, nil)
	for i, w := range windows {
		if len(w) != n.lookback {
			return nil, nil, fmt.Errorf("%w: window %d has %d rows, want %d", ErrInputShape, i, len(w), n.lookback)
		}
		row := x.RawRowView(i)
		for r, vals := range w {
			if len(vals) != n.features {
				return nil, nil, fmt.Errorf("%w: window %d row %d has %d features, want %d", ErrInputShape, i, r, len(vals), n.features)
			}
			copy(row[r*n.features:], vals)
		}
	}
	if targets == nil {
		return x, nil, nil
	}
	y := mat.NewDense(len(targets), n.outputs, nil)
	for i, t := range targets {
		if len(t) != n.outputs {
			return nil, nil, fmt.Errorf("%w: target %d has %d values, want %d", ErrInputShape, i, len(t), n.outputs)
		}
		y.SetRow(i, t)
	}
	return x, y, nil
}

// Predict returns the scaled outputs for one window.
func (n *Network) Predict(window [][]float64) ([]float64, error) {
	out, err := n.PredictBatch([][][]float64{window})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// PredictBatch returns the scaled outputs for each window.
func (n *Network) PredictBatch(windows [][][]float64) ([][]float64, error) {
	x, _, err := n.flatten(windows, nil)
	if err != nil {
		return nil, err
	}
	acts := n.forward(x)
	pred := acts[len(acts)-1]
	out := make([][]float64, len(windows))
	for i := range out {
		out[i] = mat.Row(nil, i, pred)
	}
	return out, nil
}

func (n *Network) cloneLayers() []*layer {
	out := make([]*layer, len(n.layers))
	for i, l := range n.layers {
		out[i] = &layer{w: mat.DenseCopyOf(l.w), b: append([]float64(nil), l.b...)}
	}
	return out
}

// Weights exports the network for persistence.
func (n *Network) Weights(runID string) *models.ModelWeights {
	mw := &models.ModelWeights{
		RunID:     runID,
		Lookback:  n.lookback,
		Features:  n.features,
		Outputs:   n.outputs,
		TrainedAt: time.Now().UTC(),
	}
	for _, l := range n.layers {
		in, out := l.w.Dims()
		data := make([]float64, 0, in*out)
		for i := 0; i < in; i++ {
			data = append(data, l.w.RawRowView(i)...)
		}
		mw.Layers = append(mw.Layers, models.LayerWeights{
			In:      in,
			Out:     out,
			Weights: data,
			Bias:    append([]float64(nil), l.b...),
		})
	}
	return mw
}

// FromWeights rebuilds a network from persisted weights.
func FromWeights(mw *models.ModelWeights) (*Network, error) {
	if mw == nil || len(mw.Layers) == 0 {
		return nil, fmt.Errorf("%w: empty model weights", ErrInputShape)
	}
	n := &Network{lookback: mw.Lookback, features: mw.Features, outputs: mw.Outputs}
	prev := mw.Lookback * mw.Features
	for i, lw := range mw.Layers {
		if lw.In < 1 || lw.Out < 1 || lw.In != prev || len(lw.Weights) != lw.In*lw.Out || len(lw.Bias) != lw.Out {
			return nil, fmt.Errorf("%w: layer %d is %dx%d with %d weights and %d biases", ErrInputShape, i, lw.In, lw.Out, len(lw.Weights), len(lw.Bias))
		}
		n.layers = append(n.layers, &layer{
			w: mat.NewDense(lw.In, lw.Out, append([]float64(nil), lw.Weights...)),
			b: append([]float64(nil), lw.Bias...),
		})
		prev = lw.Out
	}
	if prev != mw.Outputs {
		return nil, fmt.Errorf("%w: output layer has %d units, want %d", ErrInputShape, prev, mw.Outputs)
	}
	return n, nil
}

package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"FinCast/internal/services/dataset"
)

var (
	ErrTrainingDiverged    = errors.New("training diverged")
	ErrTrainingCancelled   = errors.New("training cancelled")
	ErrEvaluationDataEmpty = errors.New("evaluation data empty")
)

// Stop reasons.
const (
	StopMaxEpochs     = "max_epochs"
	StopEarlyStopping = "early_stopping"
)

// Config controls the network shape and the optimiser.
type Config struct {
	Hidden       []int   `yaml:"hidden" default:"[64,32]"`
	Epochs       int     `yaml:"epochs" default:"100" validate:"gte=1"`
	BatchSize    int     `yaml:"batch_size" default:"32" validate:"gte=1"`
	LearningRate float64 `yaml:"learning_rate" default:"0.001" validate:"gt=0"`
	Patience     int     `yaml:"patience" default:"10" validate:"gte=0"`
	MinDelta     float64 `yaml:"min_delta" default:"0.000001" validate:"gte=0"`
	LRFactor     float64 `yaml:"lr_factor" default:"0.5" validate:"gt=0,lt=1"`
	LRPatience   int     `yaml:"lr_patience" default:"5" validate:"gte=0"`
	MinLR        float64 `yaml:"min_lr" default:"0.00001" validate:"gte=0"`
	Seed         int64   `yaml:"seed" default:"42"`
}

func DefaultConfig() Config {
	return Config{
		Hidden:       []int{64, 32},
		Epochs:       100,
		BatchSize:    32,
		LearningRate: 0.001,
		Patience:     10,
		MinDelta:     1e-6,
		LRFactor:     0.5,
		LRPatience:   5,
		MinLR:        1e-5,
		Seed:         42,
	}
}

// EpochStats is passed to the progress callback after every epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	LR        float64
	Improved  bool
}

// Result summarises a completed training.
type Result struct {
	Epochs      int
	BestEpoch   int
	BestValLoss float64
	FinalLR     float64
	StopReason  string
}

// Train fits a new network on split.Train, monitoring split.Val (or the
// training loss when there is no validation data). Batches are taken in
// chronological order. The best weights seen are restored before returning.
// ctx is checked at epoch boundaries only.
func Train(ctx context.Context, split *dataset.Split, cfg Config, onEpoch func(EpochStats)) (*Network, *Result, error) {
	if split == nil || len(split.Train) == 0 {
		return nil, nil, fmt.Errorf("%w: no training windows", ErrEvaluationDataEmpty)
	}
	if cfg.BatchSize < 1 || cfg.Epochs < 1 || cfg.LearningRate <= 0 {
		return nil, nil, fmt.Errorf("invalid training config: %+v", cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net, err := NewNetwork(split.Lookback, split.Features, split.Outputs, cfg.Hidden, rng)
	if err != nil {
		return nil, nil, err
	}
	xTrain, yTrain, err := net.flatten(unzip(split.Train))
	if err != nil {
		return nil, nil, err
	}
	xVal, yVal := xTrain, yTrain
	if len(split.Val) > 0 {
		if xVal, yVal, err = net.flatten(unzip(split.Val)); err != nil {
			return nil, nil, err
		}
	}

	opt := newAdam(net)
	lr := cfg.LearningRate
	res := &Result{StopReason: StopMaxEpochs, BestValLoss: math.Inf(1)}
	var best []*layer
	wait, plateau := 0, 0
	rows, cols := xTrain.Dims()

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, res, fmt.Errorf("%w after %d epochs: %v", ErrTrainingCancelled, res.Epochs, err)
		}

		trainLoss := 0.0
		for start := 0; start < rows; start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, rows)
			acts := net.forward(xTrain.Slice(start, end, 0, cols))
			gw, gb, l := net.backward(acts, yTrain.Slice(start, end, 0, split.Outputs))
			trainLoss += l * float64(end-start)
			opt.step(net, gw, gb, lr)
		}
		trainLoss /= float64(rows)
		valLoss := net.loss(xVal, yVal)
		res.Epochs = epoch

		if !finite(trainLoss) || !finite(valLoss) {
			return nil, res, fmt.Errorf("%w at epoch %d: train %v val %v", ErrTrainingDiverged, epoch, trainLoss, valLoss)
		}

		improved := valLoss < res.BestValLoss-cfg.MinDelta
		if improved {
			res.BestValLoss = valLoss
			res.BestEpoch = epoch
			best = net.cloneLayers()
			wait, plateau = 0, 0
		} else {
			wait++
			plateau++
		}
		if onEpoch != nil {
			onEpoch(EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, LR: lr, Improved: improved})
		}

		if !improved && cfg.Patience > 0 && wait >= cfg.Patience {
			res.StopReason = StopEarlyStopping
			break
		}
		if !improved && cfg.LRPatience > 0 && plateau >= cfg.LRPatience && lr > cfg.MinLR {
			lr = math.Max(lr*cfg.LRFactor, cfg.MinLR)
			plateau = 0
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, res, fmt.Errorf("%w after %d epochs: %v", ErrTrainingCancelled, res.Epochs, err)
	}

	if best != nil {
		net.layers = best
	}
	res.FinalLR = lr
	return net, res, nil
}

func unzip(ws []dataset.Window) ([][][]float64, [][]float64) {
	in := make([][][]float64, len(ws))
	out := make([][]float64, len(ws))
	for i, w := range ws {
		in[i] = w.Inputs
		out[i] = w.Target
	}
	return in, out
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// adam keeps first and second moment estimates for every weight and bias.
type adam struct {
	beta1, beta2, eps float64
	t                 int
	mw, vw            [][]float64
	mb, vb            [][]float64
}

func newAdam(n *Network) *adam {
	a := &adam{beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, l := range n.layers {
		in, out := l.w.Dims()
		a.mw = append(a.mw, make([]float64, in*out))
		a.vw = append(a.vw, make([]float64, in*out))
		a.mb = append(a.mb, make([]float64, out))
		a.vb = append(a.vb, make([]float64, out))
	}
	return a
}

func (a *adam) step(n *Network, gw []*mat.Dense, gb [][]float64, lr float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, l := range n.layers {
		a.update(l.w.RawMatrix().Data, gw[i].RawMatrix().Data, a.mw[i], a.vw[i], lr, c1, c2)
		a.update(l.b, gb[i], a.mb[i], a.vb[i], lr, c1, c2)
	}
}

func (a *adam) update(p, g, m, v []float64, lr, c1, c2 float64) {
	for k := range p {
		m[k] = a.beta1*m[k] + (1-a.beta1)*g[k]
		v[k] = a.beta2*v[k] + (1-a.beta2)*g[k]*g[k]
		p[k] -= lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.eps)
	}
}

package model

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"FinCast/internal/services/dataset"
)

func sineSplit(t *testing.T, n, lookback int) *dataset.Split {
	t.Helper()
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, n)
	inputs := make([][]float64, n)
	targets := make([][]float64, n)
	for i := 0; i < n; i++ {
		v := 0.5 + 0.4*math.Sin(float64(i)/6)
		dates[i] = start.AddDate(0, 0, i)
		inputs[i] = []float64{v, 0.5 + 0.4*math.Cos(float64(i)/6)}
		targets[i] = []float64{v}
	}
	split, err := dataset.Build(dates, inputs, targets, lookback, dataset.DefaultProportions())
	if err != nil {
		t.Fatalf("build split: %v", err)
	}
	return split
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.Hidden = []int{8}
	cfg.Epochs = 30
	cfg.LearningRate = 0.01
	cfg.Patience = 0
	cfg.LRPatience = 0
	return cfg
}

func TestTrainReducesValidationLoss(t *testing.T) {
	split := sineSplit(t, 200, 5)
	var first float64
	net, res, err := Train(context.Background(), split, quickConfig(), func(s EpochStats) {
		if s.Epoch == 1 {
			first = s.ValLoss
		}
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Epochs != 30 || res.StopReason != StopMaxEpochs {
		t.Fatalf("unexpected result %+v", res)
	}
	if !(res.BestValLoss < first) {
		t.Fatalf("best val loss %v not below first epoch %v", res.BestValLoss, first)
	}
	if net.Lookback() != 5 || net.Features() != 2 || net.Outputs() != 1 {
		t.Fatalf("unexpected network shape")
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	split := sineSplit(t, 150, 4)
	a, _, err := Train(context.Background(), split, quickConfig(), nil)
	if err != nil {
		t.Fatalf("train a: %v", err)
	}
	b, _, err := Train(context.Background(), split, quickConfig(), nil)
	if err != nil {
		t.Fatalf("train b: %v", err)
	}
	wa, wb := a.Weights("a"), b.Weights("b")
	for i := range wa.Layers {
		for k := range wa.Layers[i].Weights {
			if wa.Layers[i].Weights[k] != wb.Layers[i].Weights[k] {
				t.Fatalf("layer %d weight %d differs between identical runs", i, k)
			}
		}
	}
}

func TestTrainDivergesOnNonFiniteLoss(t *testing.T) {
	split := sineSplit(t, 120, 4)
	split.Train[3].Target = []float64{math.NaN()}
	_, _, err := Train(context.Background(), split, quickConfig(), nil)
	if !errors.Is(err, ErrTrainingDiverged) {
		t.Fatalf("expected ErrTrainingDiverged, got %v", err)
	}
}

func TestTrainCancelledAtEpochBoundary(t *testing.T) {
	split := sineSplit(t, 120, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net, res, err := Train(ctx, split, quickConfig(), func(s EpochStats) {
		if s.Epoch == 2 {
			cancel()
		}
	})
	if !errors.Is(err, ErrTrainingCancelled) {
		t.Fatalf("expected ErrTrainingCancelled, got %v", err)
	}
	if net != nil {
		t.Fatalf("cancelled training must not return a model")
	}
	if res.Epochs != 2 {
		t.Fatalf("epoch in progress should finish, got %d epochs", res.Epochs)
	}
}

func TestEarlyStoppingRestoresBestWeights(t *testing.T) {
	split := sineSplit(t, 120, 4)
	cfg := quickConfig()
	cfg.MinDelta = 1e9
	cfg.Patience = 3

	net, res, err := Train(context.Background(), split, cfg, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.StopReason != StopEarlyStopping || res.Epochs != 4 || res.BestEpoch != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	x, y, err := net.flatten(unzip(split.Val))
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if got := net.loss(x, y); got != res.BestValLoss {
		t.Fatalf("restored weights give val loss %v, best was %v", got, res.BestValLoss)
	}
}

func TestLearningRateReducedOnPlateau(t *testing.T) {
	split := sineSplit(t, 120, 4)
	cfg := quickConfig()
	cfg.Epochs = 5
	cfg.MinDelta = 1e9
	cfg.LRPatience = 1
	cfg.LRFactor = 0.5
	cfg.MinLR = 0.004

	var lrs []float64
	_, res, err := Train(context.Background(), split, cfg, func(s EpochStats) { lrs = append(lrs, s.LR) })
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	want := []float64{0.01, 0.01, 0.005, 0.004, 0.004}
	for i := range want {
		if math.Abs(lrs[i]-want[i]) > 1e-12 {
			t.Fatalf("epoch %d lr: want %v got %v", i+1, want[i], lrs[i])
		}
	}
	if math.Abs(res.FinalLR-0.004) > 1e-12 {
		t.Fatalf("final lr %v", res.FinalLR)
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	split := sineSplit(t, 100, 3)
	cfg := quickConfig()
	cfg.Epochs = 3
	net, _, err := Train(context.Background(), split, cfg, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	clone, err := FromWeights(net.Weights("run"))
	if err != nil {
		t.Fatalf("from weights: %v", err)
	}
	w := split.Test[0].Inputs
	a, _ := net.Predict(w)
	b, _ := clone.Predict(w)
	if a[0] != b[0] {
		t.Fatalf("restored network predicts %v, original %v", b[0], a[0])
	}
	if _, err := clone.Predict(w[:2]); !errors.Is(err, ErrInputShape) {
		t.Fatalf("expected ErrInputShape, got %v", err)
	}
}

func TestScore(t *testing.T) {
	m, err := Score([]float64{2, 4}, []float64{1, 5})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.MAE != 1 || m.RMSE != 1 || math.Abs(m.MAPE-60) > 1e-9 || m.Count != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestEvaluateInvertsBeforeScoring(t *testing.T) {
	split := sineSplit(t, 100, 3)
	cfg := quickConfig()
	cfg.Epochs = 2
	net, _, err := Train(context.Background(), split, cfg, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, err := Evaluate(net, nil, nil, 0); !errors.Is(err, ErrEvaluationDataEmpty) {
		t.Fatalf("expected ErrEvaluationDataEmpty, got %v", err)
	}
	scaled, err := Evaluate(net, split.Test, nil, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	times10 := func(rows [][]float64) ([][]float64, error) {
		out := make([][]float64, len(rows))
		for i, r := range rows {
			out[i] = []float64{r[0] * 10}
		}
		return out, nil
	}
	real, err := Evaluate(net, split.Test, times10, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if math.Abs(real.MAE-10*scaled.MAE) > 1e-9 || math.Abs(real.MAPE-scaled.MAPE) > 1e-9 {
		t.Fatalf("inverted metrics %+v inconsistent with scaled %+v", real, scaled)
	}
}

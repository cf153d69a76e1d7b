package models

import "time"

// Scaler group names.
const (
	GroupInputs  = "inputs"
	GroupTargets = "targets"
)

// Resynthesis policies for indicator columns of synthetic forecast rows.
const (
	PolicyCarry     = "carry"
	PolicyRecompute = "recompute"
)

// Target modes.
const (
	TargetClose = "close"
	TargetOHLC  = "ohlc"
)

// FeatureSpec is the feature configuration frozen into an artifact so
// inference derives exactly the columns the model was trained on.
type FeatureSpec struct {
	MAWindows []int     `json:"ma_windows" yaml:"ma_windows"`
	RSIPeriod int       `json:"rsi_period" yaml:"rsi_period"`
	MACDFast  int       `json:"macd_fast" yaml:"macd_fast"`
	MACDSlow  int       `json:"macd_slow" yaml:"macd_slow"`
	Lags      int       `json:"lags" yaml:"lags"`
	StartDate time.Time `json:"start_date" yaml:"start_date"`
	MinRows   int       `json:"min_rows" yaml:"min_rows"`
}

// ScalerGroup is a fitted min-max normalizer over an ordered column set.
// Range entries are never zero; a constant column is stored with range 1.
type ScalerGroup struct {
	Columns []string  `json:"columns"`
	Min     []float64 `json:"min"`
	Range   []float64 `json:"range"`
}

// ScalerState holds every fitted group of one instrument for one training run.
type ScalerState struct {
	Instrument Instrument              `json:"instrument"`
	RunID      string                  `json:"run_id"`
	FittedAt   time.Time               `json:"fitted_at"`
	Groups     map[string]*ScalerGroup `json:"groups"`
}

// LayerWeights is a dense layer in row-major (in x out) order.
type LayerWeights struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// ModelWeights is the serialized form of a trained regressor.
type ModelWeights struct {
	RunID     string         `json:"run_id"`
	Lookback  int            `json:"lookback"`
	Features  int            `json:"features"`
	Outputs   int            `json:"outputs"`
	Layers    []LayerWeights `json:"layers"`
	TrainedAt time.Time      `json:"trained_at"`
}

// Artifact is everything needed to reproduce inference for one instrument.
type Artifact struct {
	Instrument  Instrument    `json:"instrument"`
	RunID       string        `json:"run_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Features    []string      `json:"features"`
	Targets     []string      `json:"targets"`
	TargetMode  string        `json:"target_mode"`
	Lookback    int           `json:"lookback"`
	Policy      string        `json:"policy"`
	FeatureSpec FeatureSpec   `json:"feature_spec"`
	Model       *ModelWeights `json:"model"`
	Scaler      *ScalerState  `json:"scaler"`
	Metrics     EvalMetrics   `json:"metrics"`
	LastBarDate time.Time     `json:"last_bar_date"`
}

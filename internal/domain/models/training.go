package models

import "time"

// Pipeline event types.
const (
	EventTrainingStarted   = "training.started"
	EventTrainingCompleted = "training.completed"
	EventTrainingFailed    = "training.failed"
	EventTrainingCancelled = "training.cancelled"
	EventForecastGenerated = "forecast.generated"
)

// EpochProgress is reported after every training epoch.
type EpochProgress struct {
	Instrument Instrument `json:"instrument"`
	RunID      string     `json:"run_id"`
	Epoch      int        `json:"epoch"`
	MaxEpochs  int        `json:"max_epochs"`
	TrainLoss  float64    `json:"train_loss"`
	ValLoss    float64    `json:"val_loss"`
	LR         float64    `json:"lr"`
	Improved   bool       `json:"improved"`
}

// TrainingReport summarizes one training run.
type TrainingReport struct {
	Instrument  Instrument    `json:"instrument"`
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"`
	Rows        int           `json:"rows"`
	Windows     int           `json:"windows"`
	TrainSize   int           `json:"train_size"`
	ValSize     int           `json:"val_size"`
	TestSize    int           `json:"test_size"`
	Epochs      int           `json:"epochs"`
	BestEpoch   int           `json:"best_epoch"`
	BestValLoss float64       `json:"best_val_loss"`
	StopReason  string        `json:"stop_reason"`
	Metrics     EvalMetrics   `json:"metrics"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// BatchItem is one instrument's outcome within a batch.
type BatchItem struct {
	Instrument Instrument      `json:"instrument"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Report     *TrainingReport `json:"report,omitempty"`
}

// BatchReport aggregates a batch training run.
type BatchReport struct {
	Items     []BatchItem   `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// PipelineEvent is published on training and forecast milestones.
type PipelineEvent struct {
	Type       string       `json:"type"`
	Instrument Instrument   `json:"instrument"`
	RunID      string       `json:"run_id,omitempty"`
	Status     string       `json:"status,omitempty"`
	Metrics    *EvalMetrics `json:"metrics,omitempty"`
	Error      string       `json:"error,omitempty"`
	At         time.Time    `json:"at"`
}

// TrainingRun is the row written to the run log.
type TrainingRun struct {
	RunID      string
	Instrument Instrument
	Status     string
	Epochs     int
	ValLoss    float64
	Metrics    EvalMetrics
	Duration   time.Duration
	Error      string
	StartedAt  time.Time
}

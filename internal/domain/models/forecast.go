package models

import "time"

// Outcome states surfaced to the GUI collaborator.
const (
	StatusOK               = "ok"
	StatusDegraded         = "degraded"
	StatusNotTrained       = "not_trained"
	StatusInsufficientData = "insufficient_data"
	StatusTraining         = "training"
	StatusReady            = "ready"
	StatusCancelled        = "cancelled"
	StatusFailed           = "failed"
)

// EvalMetrics are error metrics in real price units.
type EvalMetrics struct {
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
	MAPE  float64 `json:"mape"`
	Count int     `json:"count"`
}

// ForecastPoint is a single predicted (or backtested) day.
type ForecastPoint struct {
	Step        int       `json:"step"`
	Date        time.Time `json:"date"`
	Close       float64   `json:"close"`
	Open        *float64  `json:"open,omitempty"`
	High        *float64  `json:"high,omitempty"`
	Low         *float64  `json:"low,omitempty"`
	Actual      *float64  `json:"actual,omitempty"`
	Uncertainty float64   `json:"uncertainty,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// ForecastResult is the response for a future-horizon request.
type ForecastResult struct {
	Instrument  Instrument      `json:"instrument"`
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	Notice      string          `json:"notice,omitempty"`
	Horizon     int             `json:"horizon"`
	LastBarDate time.Time       `json:"last_bar_date"`
	LastClose   float64         `json:"last_close"`
	Points      []ForecastPoint `json:"points"`
	Metrics     EvalMetrics     `json:"metrics"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// BacktestResult pairs one-step-ahead predictions with actual closes.
type BacktestResult struct {
	Instrument Instrument      `json:"instrument"`
	RunID      string          `json:"run_id"`
	Days       int             `json:"days"`
	Points     []ForecastPoint `json:"points"`
	Metrics    EvalMetrics     `json:"metrics"`
}

// InstrumentStatus reports whether an instrument can be forecast.
type InstrumentStatus struct {
	Instrument  Instrument   `json:"instrument"`
	Status      string       `json:"status"`
	RunID       string       `json:"run_id,omitempty"`
	TrainedAt   *time.Time   `json:"trained_at,omitempty"`
	LastBarDate *time.Time   `json:"last_bar_date,omitempty"`
	Metrics     *EvalMetrics `json:"metrics,omitempty"`
}

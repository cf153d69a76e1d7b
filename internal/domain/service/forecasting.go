package service

import (
	"context"

	"FinCast/internal/domain/models"
)

// Trainer trains and replaces the artifact of one instrument.
type Trainer interface {
	Train(ctx context.Context, inst models.Instrument) (*models.TrainingReport, error)
	// Cancel stops a running training at its next epoch boundary.
	Cancel(inst models.Instrument) bool
	Running(inst models.Instrument) bool
}

// BatchTrainer trains many instruments with partial-failure semantics.
type BatchTrainer interface {
	TrainAll(ctx context.Context, instruments []models.Instrument) *models.BatchReport
}

// Forecaster produces forecasts and backtests from persisted artifacts.
type Forecaster interface {
	Forecast(ctx context.Context, inst models.Instrument, horizon int) (*models.ForecastResult, error)
	Backtest(ctx context.Context, inst models.Instrument, days int) (*models.BacktestResult, error)
	Status(ctx context.Context, inst models.Instrument) (*models.InstrumentStatus, error)
}

// ProgressSink receives per-epoch training progress.
type ProgressSink interface {
	Publish(p models.EpochProgress)
}

package repository

import (
	"context"
	"errors"
	"time"

	"FinCast/internal/domain/models"
)

// ErrArtifactNotFound is returned when no training run exists for an instrument.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists one artifact per instrument. Save replaces any prior
// artifact atomically; Load never observes a partially written artifact.
type ArtifactStore interface {
	Save(ctx context.Context, a *models.Artifact) error
	Load(ctx context.Context, inst models.Instrument) (*models.Artifact, error)
	Delete(ctx context.Context, inst models.Instrument) error
	List(ctx context.Context) ([]models.Instrument, error)
}

// EventPublisher emits pipeline lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.PipelineEvent) error
	Close() error
}

// RunLog records training runs for later inspection.
type RunLog interface {
	RecordRun(ctx context.Context, run models.TrainingRun) error
}

// Locker provides cross-process exclusive locks.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// ForecastCache stores computed forecasts.
type ForecastCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
}

type Metrics interface {
	RecordTraining(status string, duration time.Duration, epochs int)
	RecordValLoss(instrument string, loss float64)
	RecordForecast(status string, horizon int, duration time.Duration)
	RecordBatch(succeeded, failed int)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

package repository

import (
	"context"
	"errors"
	"time"

	"FinCast/internal/domain/models"
)

// ErrNoBars is returned when a source has no series for an instrument.
var ErrNoBars = errors.New("no bars for instrument")

// BarSource provides read-only access to daily bars for feature engineering.
// Implementations return bars sorted by date ascending.
type BarSource interface {
	GetDailyBars(ctx context.Context, inst models.Instrument, from time.Time) ([]models.RawBar, error)
}

// BarWriter persists daily bars (used by the import path).
type BarWriter interface {
	WriteDailyBars(ctx context.Context, inst models.Instrument, bars []models.RawBar) error
}

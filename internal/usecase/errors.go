package usecase

import (
	"context"
	"errors"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	"FinCast/internal/services/dataset"
	"FinCast/internal/services/features"
	"FinCast/internal/services/model"
	"FinCast/internal/services/scaler"
)

var (
	ErrTrainingInProgress = errors.New("training in progress")
	ErrHorizonOutOfRange  = errors.New("horizon out of range")
	// ErrStaleArtifact means the persisted weights and scaler state do not
	// belong to the same training run.
	ErrStaleArtifact = errors.New("stale artifact")
)

// Classify maps a pipeline error onto the outcome state reported to clients.
func Classify(err error) string {
	switch {
	case err == nil:
		return models.StatusOK
	case errors.Is(err, domrepo.ErrArtifactNotFound),
		errors.Is(err, scaler.ErrScalerStateMissing) && !IsStale(err):
		return models.StatusNotTrained
	case errors.Is(err, features.ErrInsufficientHistory),
		errors.Is(err, dataset.ErrInsufficientWindows),
		errors.Is(err, domrepo.ErrNoBars):
		return models.StatusInsufficientData
	case errors.Is(err, ErrTrainingInProgress):
		return models.StatusTraining
	case errors.Is(err, model.ErrTrainingCancelled),
		errors.Is(err, context.Canceled):
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}

// IsStale reports whether err comes from an artifact whose parts disagree.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleArtifact) || errors.Is(err, scaler.ErrScalerStateMismatch)
}

package api

import (
	"errors"
	"net/http"

	"FinCast/internal/domain/models"
	"FinCast/internal/usecase"
	xhttp "FinCast/pkg/http"
)

// appError maps a use case error onto the response the GUI switches on.
func appError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, usecase.ErrHorizonOutOfRange) {
		return xhttp.NewAppError("ERR_HORIZON_OUT_OF_RANGE", "horizon", err.Error(), http.StatusBadRequest).WithError(err)
	}
	if usecase.IsStale(err) {
		return xhttp.NewAppError("ERR_STALE_ARTIFACT", "", "artifact is stale or corrupt; retrain the instrument", http.StatusConflict).WithError(err)
	}
	switch usecase.Classify(err) {
	case models.StatusNotTrained:
		return xhttp.NewAppError("ERR_NOT_TRAINED", "", "instrument has not been trained", http.StatusNotFound).WithError(err)
	case models.StatusInsufficientData:
		return xhttp.NewAppError("ERR_INSUFFICIENT_DATA", "", "not enough history to build features", http.StatusUnprocessableEntity).WithError(err)
	case models.StatusTraining:
		return xhttp.NewAppError("ERR_TRAINING_IN_PROGRESS", "", "a training of this instrument is already running", http.StatusConflict).WithError(err)
	case models.StatusCancelled:
		return xhttp.NewAppError("ERR_TRAINING_CANCELLED", "", "training was cancelled", http.StatusConflict).WithError(err)
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}

// outcome is the metrics label of an endpoint result.
func outcome(err error) string {
	if errors.Is(err, usecase.ErrHorizonOutOfRange) {
		return "invalid"
	}
	if usecase.IsStale(err) {
		return "stale"
	}
	return usecase.Classify(err)
}

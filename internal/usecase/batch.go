package usecase

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	domsvc "FinCast/internal/domain/service"
	applogger "FinCast/pkg/logger"
)

// BatchTrainUseCase trains many instruments on a bounded pool. One failing
// instrument never stops the others.
type BatchTrainUseCase struct {
	trainer domsvc.Trainer
	workers int
	metrics domrepo.Metrics
	l       *applogger.Logger
}

// NewBatchTrainUseCase bounds concurrency to workers, or NumCPU when
// workers <= 0.
func NewBatchTrainUseCase(trainer domsvc.Trainer, workers int, metrics domrepo.Metrics, l *applogger.Logger) *BatchTrainUseCase {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &BatchTrainUseCase{trainer: trainer, workers: workers, metrics: metrics, l: l}
}

// TrainAll trains every instrument and reports each outcome in input order.
func (uc *BatchTrainUseCase) TrainAll(ctx context.Context, instruments []models.Instrument) *models.BatchReport {
	start := time.Now()
	report := &models.BatchReport{Items: make([]models.BatchItem, len(instruments))}

	var g errgroup.Group
	g.SetLimit(uc.workers)
	for i, inst := range instruments {
		i, inst := i, inst
		g.Go(func() error {
			item := models.BatchItem{Instrument: inst}
			rep, err := uc.trainer.Train(ctx, inst)
			item.Report = rep
			item.Status = Classify(err)
			if err != nil {
				item.Error = err.Error()
				uc.l.Warn("batch item failed",
					applogger.Instrument(inst),
					applogger.String("status", item.Status),
					applogger.Error(err),
				)
			}
			report.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range report.Items {
		switch it.Status {
		case models.StatusOK:
			report.Succeeded++
		case models.StatusCancelled:
			report.Cancelled++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(start)
	uc.metrics.RecordBatch(report.Succeeded, report.Failed)
	uc.l.Info("batch training finished",
		applogger.Int("instruments", len(instruments)),
		applogger.Int("succeeded", report.Succeeded),
		applogger.Int("failed", report.Failed),
		applogger.Int("cancelled", report.Cancelled),
		applogger.Duration("duration_ms", report.Duration),
	)
	return report
}

var _ domsvc.BatchTrainer = (*BatchTrainUseCase)(nil)

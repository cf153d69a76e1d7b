package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	domsvc "FinCast/internal/domain/service"
	"FinCast/internal/services/dataset"
	"FinCast/internal/services/features"
	"FinCast/internal/services/model"
	"FinCast/internal/services/scaler"
	applogger "FinCast/pkg/logger"
)

// TrainConfig is the pipeline configuration frozen into every artifact.
type TrainConfig struct {
	Features   models.FeatureSpec
	Lookback   int
	Split      dataset.Proportions
	TargetMode string
	Policy     string
	Model      model.Config
	// LockTTL bounds how long a distributed training lock survives a crash.
	LockTTL time.Duration
	// Timeout caps one training run; zero means no limit.
	Timeout time.Duration
}

// TargetColumns returns the predicted columns of a target mode.
func TargetColumns(mode string) []string {
	if mode == models.TargetClose {
		return []string{features.ColClose}
	}
	return []string{features.ColOpen, features.ColHigh, features.ColLow, features.ColClose}
}

// TrainUseCase runs the training pipeline for one instrument at a time per
// instrument. It owns the cancel registry used by Cancel and Running.
type TrainUseCase struct {
	cfg      TrainConfig
	bars     domrepo.BarSource
	store    domrepo.ArtifactStore
	registry *scaler.Registry

	locker   domrepo.Locker
	events   domrepo.EventPublisher
	runs     domrepo.RunLog
	metrics  domrepo.Metrics
	progress domsvc.ProgressSink
	l        *applogger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

type TrainOption func(*TrainUseCase)

// WithLocker adds a cross-process lock on top of the in-process one.
func WithLocker(l domrepo.Locker) TrainOption { return func(uc *TrainUseCase) { uc.locker = l } }

func WithEvents(p domrepo.EventPublisher) TrainOption {
	return func(uc *TrainUseCase) { uc.events = p }
}

func WithRunLog(r domrepo.RunLog) TrainOption { return func(uc *TrainUseCase) { uc.runs = r } }

func WithMetrics(m domrepo.Metrics) TrainOption { return func(uc *TrainUseCase) { uc.metrics = m } }

func WithProgress(s domsvc.ProgressSink) TrainOption {
	return func(uc *TrainUseCase) { uc.progress = s }
}

func WithLogger(l *applogger.Logger) TrainOption { return func(uc *TrainUseCase) { uc.l = l } }

func NewTrainUseCase(cfg TrainConfig, bars domrepo.BarSource, store domrepo.ArtifactStore, registry *scaler.Registry, opts ...TrainOption) *TrainUseCase {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 60
	}
	if cfg.Policy == "" {
		cfg.Policy = models.PolicyCarry
	}
	if cfg.TargetMode == "" {
		cfg.TargetMode = models.TargetOHLC
	}
	if cfg.Split == (dataset.Proportions{}) {
		cfg.Split = dataset.DefaultProportions()
	}
	if cfg.Model.Epochs == 0 {
		cfg.Model = model.DefaultConfig()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	uc := &TrainUseCase{
		cfg:      cfg,
		bars:     bars,
		store:    store,
		registry: registry,
		events:   nopEvents{},
		runs:     nopRuns{},
		metrics:  nopMetrics{},
		l:        applogger.Nop(),
		running:  make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(uc)
	}
	return uc
}

// Train trains inst and replaces its artifact. A run that fails or is
// cancelled leaves the previous artifact and scaler state in place.
func (uc *TrainUseCase) Train(ctx context.Context, inst models.Instrument) (*models.TrainingReport, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if uc.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, uc.cfg.Timeout)
		defer cancelTimeout()
	}

	release, err := uc.acquire(ctx, inst, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	report := &models.TrainingReport{Instrument: inst, RunID: uuid.NewString()}
	log := uc.l.With(applogger.Instrument(inst), applogger.String("run_id", report.RunID))
	log.Info("training started")
	uc.publish(ctx, models.PipelineEvent{Type: models.EventTrainingStarted, Instrument: inst, RunID: report.RunID})

	art, err := uc.run(ctx, inst, report)
	report.Duration = time.Since(start)
	report.Status = Classify(err)
	if err != nil {
		report.Error = err.Error()
	}
	uc.finish(ctx, report, art, err)

	if err != nil {
		if report.Status == models.StatusCancelled {
			log.Warn("training cancelled", applogger.Int("epochs", report.Epochs))
		} else {
			log.Error("training failed", applogger.String("status", report.Status), applogger.Error(err))
		}
		return report, fmt.Errorf("train %s: %w", inst, err)
	}
	log.Info("training completed",
		applogger.Int("epochs", report.Epochs),
		applogger.Float64("best_val_loss", report.BestValLoss),
		applogger.Float64("test_rmse", report.Metrics.RMSE),
		applogger.Duration("duration_ms", report.Duration),
	)
	return report, nil
}

// Cancel stops the running training of inst at its next epoch boundary.
func (uc *TrainUseCase) Cancel(inst models.Instrument) bool {
	uc.mu.Lock()
	cancel, ok := uc.running[inst.Key()]
	uc.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (uc *TrainUseCase) Running(inst models.Instrument) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	_, ok := uc.running[inst.Key()]
	return ok
}

func lockKey(inst models.Instrument) string { return "train:" + inst.Key() }

func (uc *TrainUseCase) acquire(ctx context.Context, inst models.Instrument, cancel context.CancelFunc) (func(), error) {
	key := inst.Key()
	uc.mu.Lock()
	if _, busy := uc.running[key]; busy {
		uc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTrainingInProgress, inst)
	}
	uc.running[key] = cancel
	uc.mu.Unlock()

	local := func() {
		uc.mu.Lock()
		delete(uc.running, key)
		uc.mu.Unlock()
	}
	if uc.locker == nil {
		return local, nil
	}

	ok, err := uc.locker.TryLock(ctx, lockKey(inst), uc.cfg.LockTTL)
	if err != nil {
		local()
		return nil, fmt.Errorf("acquire training lock: %w", err)
	}
	if !ok {
		local()
		return nil, fmt.Errorf("%w: %s (held by another process)", ErrTrainingInProgress, inst)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := uc.locker.Unlock(uctx, lockKey(inst)); err != nil {
			uc.l.Warn("training lock release failed", applogger.Instrument(inst), applogger.Error(err))
		}
		local()
	}, nil
}

func (uc *TrainUseCase) run(ctx context.Context, inst models.Instrument, report *models.TrainingReport) (*models.Artifact, error) {
	eng, err := features.NewEngineer(uc.cfg.Features)
	if err != nil {
		return nil, err
	}
	bars, err := uc.bars.GetDailyBars(ctx, inst, uc.cfg.Features.StartDate)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	frame, err := eng.Engineer(bars)
	if err != nil {
		return nil, fmt.Errorf("engineer features: %w", err)
	}
	report.Rows = frame.Len()

	inputCols := eng.Columns()
	targetCols := TargetColumns(uc.cfg.TargetMode)
	state, err := scaler.Fit(inst, report.RunID, frame.Columns, frame.Matrix(), map[string][]string{
		models.GroupInputs:  inputCols,
		models.GroupTargets: targetCols,
	})
	if err != nil {
		return nil, err
	}
	raw, err := frame.Select(inputCols)
	if err != nil {
		return nil, err
	}
	rawTargets, err := frame.Select(targetCols)
	if err != nil {
		return nil, err
	}
	inputs, err := scaler.Transform(state, raw, models.GroupInputs)
	if err != nil {
		return nil, err
	}
	targets, err := scaler.Transform(state, rawTargets, models.GroupTargets)
	if err != nil {
		return nil, err
	}

	split, err := dataset.Build(frame.Dates(), inputs, targets, uc.cfg.Lookback, uc.cfg.Split)
	if err != nil {
		return nil, err
	}
	report.Windows = split.Len()
	report.TrainSize, report.ValSize, report.TestSize = len(split.Train), len(split.Val), len(split.Test)

	net, res, err := model.Train(ctx, split, uc.cfg.Model, func(s model.EpochStats) {
		if uc.progress == nil {
			return
		}
		uc.progress.Publish(models.EpochProgress{
			Instrument: inst,
			RunID:      report.RunID,
			Epoch:      s.Epoch,
			MaxEpochs:  uc.cfg.Model.Epochs,
			TrainLoss:  s.TrainLoss,
			ValLoss:    s.ValLoss,
			LR:         s.LR,
			Improved:   s.Improved,
		})
	})
	if res != nil {
		report.Epochs = res.Epochs
		report.BestEpoch = res.BestEpoch
		// a run that never improved has no finite best loss to report
		if !math.IsInf(res.BestValLoss, 0) && !math.IsNaN(res.BestValLoss) {
			report.BestValLoss = res.BestValLoss
		}
		report.StopReason = res.StopReason
	}
	if err != nil {
		return nil, err
	}

	holdout := split.Test
	if len(holdout) == 0 {
		holdout = split.Val
	}
	if len(holdout) > 0 {
		invert := func(m [][]float64) ([][]float64, error) {
			return scaler.InverseTransform(state, m, models.GroupTargets)
		}
		report.Metrics, err = model.Evaluate(net, holdout, invert, len(targetCols)-1)
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
	}

	// a cancel that lands after the last epoch still skips the save
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w before save: %v", model.ErrTrainingCancelled, err)
	}

	now := time.Now().UTC()
	art := &models.Artifact{
		Instrument:  inst,
		RunID:       report.RunID,
		CreatedAt:   now,
		Features:    inputCols,
		Targets:     targetCols,
		TargetMode:  uc.cfg.TargetMode,
		Lookback:    uc.cfg.Lookback,
		Policy:      uc.cfg.Policy,
		FeatureSpec: eng.Spec(),
		Model:       net.Weights(report.RunID),
		Scaler:      state,
		Metrics:     report.Metrics,
		LastBarDate: frame.Rows[frame.Len()-1].Date,
	}
	if err := uc.store.Save(ctx, art); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	uc.registry.Put(state)
	return art, nil
}

func (uc *TrainUseCase) finish(ctx context.Context, report *models.TrainingReport, art *models.Artifact, err error) {
	ev := models.PipelineEvent{Instrument: report.Instrument, RunID: report.RunID, Status: report.Status}
	switch {
	case err == nil:
		ev.Type = models.EventTrainingCompleted
		ev.Metrics = &art.Metrics
		uc.metrics.RecordValLoss(report.Instrument.Key(), report.BestValLoss)
	case report.Status == models.StatusCancelled:
		ev.Type = models.EventTrainingCancelled
	default:
		ev.Type = models.EventTrainingFailed
		ev.Error = report.Error
		uc.metrics.RecordError("train_" + report.Status)
	}
	uc.metrics.RecordTraining(report.Status, report.Duration, report.Epochs)

	// bookkeeping outlives the caller's cancellation
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	uc.publish(bctx, ev)
	if rerr := uc.runs.RecordRun(bctx, models.TrainingRun{
		RunID:      report.RunID,
		Instrument: report.Instrument,
		Status:     report.Status,
		Epochs:     report.Epochs,
		ValLoss:    report.BestValLoss,
		Metrics:    report.Metrics,
		Duration:   report.Duration,
		Error:      report.Error,
		StartedAt:  time.Now().Add(-report.Duration).UTC(),
	}); rerr != nil {
		uc.l.Warn("run log write failed", applogger.Instrument(report.Instrument), applogger.Error(rerr))
	}
}

func (uc *TrainUseCase) publish(ctx context.Context, ev models.PipelineEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := uc.events.PublishEvent(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		uc.l.Warn("event publish failed", applogger.String("type", ev.Type), applogger.Error(err))
	}
}

var _ domsvc.Trainer = (*TrainUseCase)(nil)

type nopEvents struct{}

func (nopEvents) PublishEvent(context.Context, models.PipelineEvent) error { return nil }
func (nopEvents) Close() error                                          { return nil }

type nopRuns struct{}

func (nopRuns) RecordRun(context.Context, models.TrainingRun) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordTraining(string, time.Duration, int) {}
func (nopMetrics) RecordValLoss(string, float64)             {}
func (nopMetrics) RecordForecast(string, int, time.Duration) {}
func (nopMetrics) RecordBatch(int, int)                      {}
func (nopMetrics) RecordError(string)                        {}
func (nopMetrics) RecordLatency(string, float64)             {}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	domsvc "FinCast/internal/domain/service"
	"FinCast/internal/services/dataset"
	"FinCast/internal/services/features"
	"FinCast/internal/services/forecast"
	"FinCast/internal/services/model"
	"FinCast/internal/services/scaler"
	"FinCast/pkg/cache"
	applogger "FinCast/pkg/logger"
)

// ForecastConfig bounds forecast requests.
type ForecastConfig struct {
	MaxHorizon   int
	DegradeAfter int
	CacheTTL     time.Duration
	BacktestDays int
}

// ForecastUseCase serves forecasts, backtests and status from persisted
// artifacts. It never trains.
type ForecastUseCase struct {
	cfg      ForecastConfig
	bars     domrepo.BarSource
	store    domrepo.ArtifactStore
	registry *scaler.Registry
	trainer  domsvc.Trainer

	cache   domrepo.ForecastCache
	events  domrepo.EventPublisher
	metrics domrepo.Metrics
	l       *applogger.Logger
}

type ForecastOption func(*ForecastUseCase)

func WithForecastCache(c domrepo.ForecastCache) ForecastOption {
	return func(uc *ForecastUseCase) { uc.cache = c }
}

func WithForecastEvents(p domrepo.EventPublisher) ForecastOption {
	return func(uc *ForecastUseCase) { uc.events = p }
}

func WithForecastMetrics(m domrepo.Metrics) ForecastOption {
	return func(uc *ForecastUseCase) { uc.metrics = m }
}

func WithForecastLogger(l *applogger.Logger) ForecastOption {
	return func(uc *ForecastUseCase) { uc.l = l }
}

// NewForecastUseCase builds the use case. trainer may be nil; it is only
// consulted to report a running training in Status.
func NewForecastUseCase(cfg ForecastConfig, bars domrepo.BarSource, store domrepo.ArtifactStore, registry *scaler.Registry, trainer domsvc.Trainer, opts ...ForecastOption) *ForecastUseCase {
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = 30
	}
	if cfg.BacktestDays <= 0 {
		cfg.BacktestDays = 252
	}
	uc := &ForecastUseCase{
		cfg:      cfg,
		bars:     bars,
		store:    store,
		registry: registry,
		trainer:  trainer,
		events:   nopEvents{},
		metrics:  nopMetrics{},
		l:        applogger.Nop(),
	}
	for _, o := range opts {
		o(uc)
	}
	return uc
}

// prepared is an artifact joined with the engineered series it applies to.
type prepared struct {
	art    *models.Artifact
	state  *models.ScalerState
	net    *model.Network
	eng    *features.Engineer
	frame  *features.Frame
	raw    [][]float64
	scaled [][]float64
	// history is the filled real-unit bar series the frame was derived from.
	history []models.RawBar
}

func (uc *ForecastUseCase) loadBars(ctx context.Context, art *models.Artifact) ([]models.RawBar, error) {
	bars, err := uc.bars.GetDailyBars(ctx, art.Instrument, art.FeatureSpec.StartDate)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}
	return bars, nil
}

func (uc *ForecastUseCase) prepare(ctx context.Context, art *models.Artifact, bars []models.RawBar) (*prepared, error) {
	inst := art.Instrument
	if art.Model == nil || art.Model.RunID != art.RunID {
		return nil, fmt.Errorf("%w: %s weights do not belong to run %s", ErrStaleArtifact, inst, art.RunID)
	}
	state, err := uc.scalerState(ctx, art)
	if err != nil {
		return nil, err
	}
	net, err := model.FromWeights(art.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleArtifact, err)
	}
	eng, err := features.NewEngineer(art.FeatureSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleArtifact, err)
	}

	frame, err := eng.Engineer(bars)
	if err != nil {
		return nil, fmt.Errorf("engineer features: %w", err)
	}
	raw, err := frame.Select(art.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleArtifact, err)
	}
	scaled, err := scaler.Transform(state, raw, models.GroupInputs)
	if err != nil {
		return nil, err
	}

	p := &prepared{art: art, state: state, net: net, eng: eng, frame: frame, raw: raw, scaled: scaled}
	if art.Policy == models.PolicyRecompute {
		if p.history, err = features.ForwardFill(features.FilterFrom(bars, art.FeatureSpec.StartDate)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// scalerState returns the committed state of the artifact's run. A registry
// entry from another run is replaced by the state the artifact carries.
func (uc *ForecastUseCase) scalerState(ctx context.Context, art *models.Artifact) (*models.ScalerState, error) {
	state, err := uc.registry.Get(ctx, art.Instrument)
	if err != nil && !errors.Is(err, scaler.ErrScalerStateMissing) {
		return nil, err
	}
	if state != nil && state.RunID == art.RunID {
		return state, nil
	}
	if art.Scaler == nil || art.Scaler.RunID != art.RunID {
		return nil, fmt.Errorf("%w: %s has no scaler state for run %s", ErrStaleArtifact, art.Instrument, art.RunID)
	}
	uc.registry.Adopt(art.Scaler)
	return art.Scaler, nil
}

// Forecast predicts horizon business days past the last bar.
func (uc *ForecastUseCase) Forecast(ctx context.Context, inst models.Instrument, horizon int) (*models.ForecastResult, error) {
	start := time.Now()
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if horizon < 1 || horizon > uc.cfg.MaxHorizon {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrHorizonOutOfRange, horizon, uc.cfg.MaxHorizon)
	}
	res, err := uc.forecast(ctx, inst, horizon)
	status := Classify(err)
	if res != nil {
		status = res.Status
	}
	uc.metrics.RecordForecast(status, horizon, time.Since(start))
	if err != nil {
		uc.metrics.RecordError("forecast_" + status)
		return nil, fmt.Errorf("forecast %s: %w", inst, err)
	}
	return res, nil
}

func (uc *ForecastUseCase) forecast(ctx context.Context, inst models.Instrument, horizon int) (*models.ForecastResult, error) {
	art, err := uc.store.Load(ctx, inst)
	if err != nil {
		return nil, err
	}
	bars, err := uc.loadBars(ctx, art)
	if err != nil {
		return nil, err
	}
	// new bars change the key without a retrain
	lastBar := "none"
	if n := len(bars); n > 0 {
		lastBar = bars[n-1].Date.Format(time.DateOnly)
	}
	key := cache.GenerateKeyWithParams("forecast", inst.Exchange, inst.Symbol, art.RunID, lastBar, horizon)
	if uc.cache != nil {
		var cached models.ForecastResult
		if err := uc.cache.Get(ctx, key, &cached); err == nil {
			uc.l.Debug("forecast cache hit", applogger.String("key", key))
			return &cached, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			uc.l.Warn("forecast cache get failed", applogger.String("key", key), applogger.Error(err))
		}
	}

	p, err := uc.prepare(ctx, art, bars)
	if err != nil {
		return nil, err
	}
	window, err := dataset.Last(p.scaled, p.art.Lookback)
	if err != nil {
		return nil, err
	}
	fc, err := forecast.New(p.net, p.art.RunID, p.state, forecast.Options{
		Features:     p.art.Features,
		Targets:      p.art.Targets,
		Policy:       p.art.Policy,
		Engineer:     p.eng,
		TestRMSE:     p.art.Metrics.RMSE,
		DegradeAfter: uc.cfg.DegradeAfter,
	})
	if err != nil {
		return nil, err
	}
	n := p.frame.Len()
	last := p.frame.Rows[n-1]
	points, err := fc.Forecast(forecast.Snapshot{
		Date:    last.Date,
		Window:  window,
		Last:    append([]float64(nil), p.raw[n-1]...),
		History: p.history,
	}, horizon)
	if err != nil {
		return nil, err
	}

	res := &models.ForecastResult{
		Instrument:  inst,
		RunID:       p.art.RunID,
		Status:      models.StatusOK,
		Horizon:     horizon,
		LastBarDate: last.Date,
		LastClose:   last.Values[p.frame.Index(features.ColClose)],
		Points:      points,
		Metrics:     p.art.Metrics,
		GeneratedAt: time.Now().UTC(),
	}
	if points[len(points)-1].Degraded {
		res.Status = models.StatusDegraded
		res.Notice = fmt.Sprintf("points past step %d compound prediction error", uc.cfg.DegradeAfter)
	}

	if uc.cache != nil {
		if err := uc.cache.Set(ctx, key, res, uc.cfg.CacheTTL); err != nil {
			uc.l.Warn("forecast cache set failed", applogger.String("key", key), applogger.Error(err))
		}
	}
	if err := uc.events.PublishEvent(ctx, models.PipelineEvent{
		Type:       models.EventForecastGenerated,
		Instrument: inst,
		RunID:      res.RunID,
		Status:     res.Status,
		At:         res.GeneratedAt,
	}); err != nil {
		uc.l.Warn("event publish failed", applogger.String("type", models.EventForecastGenerated), applogger.Error(err))
	}
	return res, nil
}

// Backtest replays one-step-ahead predictions over the last days rows and
// pairs each with the actual close. days <= 0 uses the configured default.
func (uc *ForecastUseCase) Backtest(ctx context.Context, inst models.Instrument, days int) (*models.BacktestResult, error) {
	start := time.Now()
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = uc.cfg.BacktestDays
	}
	res, err := uc.backtest(ctx, inst, days)
	uc.metrics.RecordLatency("backtest", time.Since(start).Seconds())
	if err != nil {
		uc.metrics.RecordError("backtest_" + Classify(err))
		return nil, fmt.Errorf("backtest %s: %w", inst, err)
	}
	return res, nil
}

func (uc *ForecastUseCase) backtest(ctx context.Context, inst models.Instrument, days int) (*models.BacktestResult, error) {
	art, err := uc.store.Load(ctx, inst)
	if err != nil {
		return nil, err
	}
	bars, err := uc.loadBars(ctx, art)
	if err != nil {
		return nil, err
	}
	p, err := uc.prepare(ctx, art, bars)
	if err != nil {
		return nil, err
	}
	lookback := p.art.Lookback
	n := len(p.scaled)
	if n <= lookback {
		return nil, fmt.Errorf("%w: %d rows, lookback %d", dataset.ErrInsufficientWindows, n, lookback)
	}
	first := max(lookback, n-days)

	windows := make([][][]float64, 0, n-first)
	for i := first; i < n; i++ {
		windows = append(windows, p.scaled[i-lookback:i])
	}
	scaledPred, err := p.net.PredictBatch(windows)
	if err != nil {
		return nil, err
	}
	pred, err := scaler.InverseTransform(p.state, scaledPred, models.GroupTargets)
	if err != nil {
		return nil, err
	}

	closeCol := p.frame.Index(features.ColClose)
	out := make(map[string]int, len(p.art.Targets))
	for j, c := range p.art.Targets {
		out[c] = j
	}
	res := &models.BacktestResult{Instrument: inst, RunID: p.art.RunID, Points: make([]models.ForecastPoint, len(pred))}
	predicted := make([]float64, len(pred))
	actual := make([]float64, len(pred))
	for k, row := range pred {
		i := first + k
		predicted[k] = row[out[features.ColClose]]
		actual[k] = p.frame.Rows[i].Values[closeCol]
		pt := models.ForecastPoint{Step: k + 1, Date: p.frame.Rows[i].Date, Close: predicted[k], Actual: &actual[k]}
		if j, ok := out[features.ColOpen]; ok {
			pt.Open = &row[j]
		}
		if j, ok := out[features.ColHigh]; ok {
			pt.High = &row[j]
		}
		if j, ok := out[features.ColLow]; ok {
			pt.Low = &row[j]
		}
		res.Points[k] = pt
	}
	res.Days = len(res.Points)
	if res.Metrics, err = model.Score(predicted, actual); err != nil {
		return nil, err
	}
	return res, nil
}

// Status reports whether inst can be forecast.
func (uc *ForecastUseCase) Status(ctx context.Context, inst models.Instrument) (*models.InstrumentStatus, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	st := &models.InstrumentStatus{Instrument: inst, Status: models.StatusNotTrained}
	art, err := uc.store.Load(ctx, inst)
	switch {
	case errors.Is(err, domrepo.ErrArtifactNotFound):
	case err != nil:
		return nil, err
	default:
		st.Status = models.StatusReady
		st.RunID = art.RunID
		st.TrainedAt = &art.CreatedAt
		st.LastBarDate = &art.LastBarDate
		st.Metrics = &art.Metrics
	}
	if uc.trainer != nil && uc.trainer.Running(inst) {
		st.Status = models.StatusTraining
	}
	return st, nil
}

var _ domsvc.Forecaster = (*ForecastUseCase)(nil)

package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	domsvc "FinCast/internal/domain/service"
	"FinCast/internal/service/metrics"
	"FinCast/internal/service/ratelimit"
	"FinCast/internal/usecase"
	xhttp "FinCast/pkg/http"
	applogger "FinCast/pkg/logger"
	"FinCast/pkg/queue"
)

// ForecastHandler serves the training and forecasting API under /api/v1.
type ForecastHandler struct {
	trainer    domsvc.Trainer
	batch      domsvc.BatchTrainer
	forecaster domsvc.Forecaster
	store      domrepo.ArtifactStore
	hub        *ProgressHub
	rl         *ratelimit.Limiter
	l          *applogger.Logger

	// jobs is the optional Redis queue; without it async work runs in
	// goroutines bound to base.
	jobs queue.Publisher
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	// pruned closes once the limiter janitor has returned.
	pruned chan struct{}
}

type HandlerOption func(*ForecastHandler)

func WithJobQueue(p queue.Publisher) HandlerOption { return func(h *ForecastHandler) { h.jobs = p } }

// WithBaseContext bounds background trainings to ctx, normally the app
// lifetime.
func WithBaseContext(ctx context.Context) HandlerOption {
	return func(h *ForecastHandler) { h.base = ctx }
}

func WithRateLimiter(rl *ratelimit.Limiter) HandlerOption {
	return func(h *ForecastHandler) { h.rl = rl }
}

func NewForecastHandler(
	l *applogger.Logger,
	trainer domsvc.Trainer,
	batch domsvc.BatchTrainer,
	forecaster domsvc.Forecaster,
	store domrepo.ArtifactStore,
	hub *ProgressHub,
	opts ...HandlerOption,
) *ForecastHandler {
	metrics.Register()
	if l == nil {
		l = applogger.Nop()
	}
	h := &ForecastHandler{
		trainer:    trainer,
		batch:      batch,
		forecaster: forecaster,
		store:      store,
		hub:        hub,
		rl:         ratelimit.New(0, 0),
		l:          l,
		base:       context.Background(),
	}
	for _, o := range opts {
		o(h)
	}
	h.base, h.stop = context.WithCancel(h.base)

	h.pruned = make(chan struct{})
	go func() {
		defer close(h.pruned)
		h.rl.Run(h.base, pruneInterval)
	}()
	return h
}

const pruneInterval = time.Minute

func (h *ForecastHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/train", h.Train)
	g.DELETE("/train/:exchange/:symbol", h.Cancel)
	g.POST("/train/batch", h.TrainBatch)
	g.GET("/forecast/:exchange/:symbol", h.Forecast)
	g.GET("/backtest/:exchange/:symbol", h.Backtest)
	g.GET("/status/:exchange/:symbol", h.Status)
	g.GET("/artifacts", h.Artifacts)
	if h.hub != nil {
		g.GET("/ws/progress", h.hub.Serve)
	}
}

// Wait blocks until background trainings started by this handler return.
func (h *ForecastHandler) Wait() { h.wg.Wait() }

// Drain cancels background trainings and waits for them.
func (h *ForecastHandler) Drain() {
	h.stop()
	h.wg.Wait()
	<-h.pruned
}

func instrumentOf(exchange, symbol string) (models.Instrument, *xhttp.AppError) {
	inst := models.NewInstrument(exchange, symbol)
	if err := inst.Validate(); err != nil {
		return inst, xhttp.BadRequestError(err.Error()).WithField("symbol")
	}
	return inst, nil
}

func (h *ForecastHandler) Train(c echo.Context) error {
	start := time.Now()
	req := &models.TrainRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	inst, aerr := instrumentOf(req.Exchange, req.Symbol)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	if !h.rl.Allow("train:" + inst.Key()) {
		h.l.Warn("train rate_limited", applogger.Instrument(inst))
		metrics.Observe("train", "rate_limited", start)
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("training requested too often for "+inst.Key()))
	}

	if req.Async {
		if h.trainer.Running(inst) {
			metrics.Observe("train", models.StatusTraining, start)
			return xhttp.AppErrorResponse(c, appError(usecase.ErrTrainingInProgress))
		}
		if err := h.trainAsync(c.Request().Context(), inst); err != nil {
			h.l.Error("train enqueue error", applogger.Instrument(inst), applogger.Error(err))
			metrics.Observe("train", models.StatusFailed, start)
			return xhttp.AppErrorResponse(c, appError(err))
		}
		metrics.Observe("train", "accepted", start)
		return xhttp.AcceptedResponse(c, &models.InstrumentStatus{Instrument: inst, Status: models.StatusTraining})
	}

	rep, err := h.trainer.Train(c.Request().Context(), inst)
	metrics.Observe("train", outcome(err), start)
	if err != nil {
		h.l.Warn("train usecase error", applogger.Instrument(inst), applogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// trainAsync hands inst to the job queue, or to a goroutine when no queue is
// configured.
func (h *ForecastHandler) trainAsync(ctx context.Context, inst models.Instrument) error {
	if h.jobs != nil {
		return usecase.Enqueue(ctx, h.jobs, inst)
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.trainer.Train(h.base, inst); err != nil {
			h.l.Warn("background training ended", applogger.Instrument(inst), applogger.Error(err))
		}
	}()
	return nil
}

func (h *ForecastHandler) Cancel(c echo.Context) error {
	start := time.Now()
	req := &models.InstrumentParams{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	inst, aerr := instrumentOf(req.Exchange, req.Symbol)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	if !h.trainer.Cancel(inst) {
		metrics.Observe("cancel", "not_running", start)
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no running training for %s", inst))
	}
	h.l.Info("training cancel requested", applogger.Instrument(inst))
	metrics.Observe("cancel", models.StatusCancelled, start)
	return xhttp.SuccessResponse(c, &models.InstrumentStatus{Instrument: inst, Status: models.StatusCancelled})
}

func (h *ForecastHandler) TrainBatch(c echo.Context) error {
	start := time.Now()
	req := &models.BatchTrainRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	instruments := make([]models.Instrument, 0, len(req.Instruments))
	seen := make(map[string]bool, len(req.Instruments))
	for i, raw := range req.Instruments {
		inst, err := models.ParseInstrument(raw)
		if err != nil {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithField(fmt.Sprintf("instruments[%d]", i)))
		}
		if !seen[inst.Key()] {
			seen[inst.Key()] = true
			instruments = append(instruments, inst)
		}
	}
	if !h.rl.Allow("batch:" + c.RealIP()) {
		metrics.Observe("train_batch", "rate_limited", start)
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("batch training requested too often"))
	}

	if req.Queue {
		for _, inst := range instruments {
			if err := h.trainAsync(c.Request().Context(), inst); err != nil {
				h.l.Error("batch enqueue error", applogger.Instrument(inst), applogger.Error(err))
				metrics.Observe("train_batch", models.StatusFailed, start)
				return xhttp.AppErrorResponse(c, appError(err))
			}
		}
		metrics.Observe("train_batch", "accepted", start)
		return xhttp.AcceptedResponse(c, map[string]int{"queued": len(instruments)})
	}

	rep := h.batch.TrainAll(c.Request().Context(), instruments)
	metrics.Observe("train_batch", models.StatusOK, start)
	return xhttp.SuccessResponse(c, rep)
}

func (h *ForecastHandler) Forecast(c echo.Context) error {
	start := time.Now()
	req := &models.ForecastRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	inst, aerr := instrumentOf(req.Exchange, req.Symbol)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	res, err := h.forecaster.Forecast(c.Request().Context(), inst, req.Horizon)
	if err != nil {
		metrics.Observe("forecast", outcome(err), start)
		h.l.Warn("forecast usecase error", applogger.Instrument(inst), applogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	metrics.Observe("forecast", res.Status, start)
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=60")
	return xhttp.SuccessResponse(c, res)
}

func (h *ForecastHandler) Backtest(c echo.Context) error {
	start := time.Now()
	req := &models.BacktestRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	inst, aerr := instrumentOf(req.Exchange, req.Symbol)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	res, err := h.forecaster.Backtest(c.Request().Context(), inst, req.Days)
	metrics.Observe("backtest", outcome(err), start)
	if err != nil {
		h.l.Warn("backtest usecase error", applogger.Instrument(inst), applogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *ForecastHandler) Status(c echo.Context) error {
	start := time.Now()
	req := &models.InstrumentParams{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	inst, aerr := instrumentOf(req.Exchange, req.Symbol)
	if aerr != nil {
		return xhttp.AppErrorResponse(c, aerr)
	}
	st, err := h.forecaster.Status(c.Request().Context(), inst)
	if err != nil {
		metrics.Observe("status", outcome(err), start)
		h.l.Error("status usecase error", applogger.Instrument(inst), applogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	metrics.Observe("status", st.Status, start)
	return xhttp.SuccessResponse(c, st)
}

func (h *ForecastHandler) Artifacts(c echo.Context) error {
	list, err := h.store.List(c.Request().Context())
	if err != nil {
		h.l.Error("artifact list error", applogger.Error(err))
		return xhttp.AppErrorResponse(c, appError(err))
	}
	return xhttp.ListResponse(c, list, int64(len(list)))
}

var _ xhttp.Handler = (*ForecastHandler)(nil)

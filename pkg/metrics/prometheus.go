package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the domain Metrics interface on Prometheus.
type Recorder struct {
	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	trainingEpochs   prometheus.Histogram
	valLoss          *prometheus.GaugeVec
	forecasts        *prometheus.CounterVec
	forecastHorizon  prometheus.Histogram
	forecastDuration prometheus.Histogram
	batchItems       *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// New registers the collectors on the default registry.
func New() *Recorder { return NewWithRegisterer(prometheus.DefaultRegisterer) }

func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		trainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fincast_training_runs_total",
			Help: "Training runs by final status",
		}, []string{"status"}),
		trainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fincast_training_duration_seconds",
			Help:    "Wall time of a training run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		trainingEpochs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fincast_training_epochs",
			Help:    "Epochs run before stopping",
			Buckets: prometheus.LinearBuckets(10, 10, 20),
		}),
		valLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fincast_best_val_loss",
			Help: "Best validation loss of the last training run",
		}, []string{"instrument"}),
		forecasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fincast_forecasts_total",
			Help: "Forecast requests by outcome",
		}, []string{"status"}),
		forecastHorizon: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fincast_forecast_horizon_days",
			Help:    "Requested forecast horizons",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 252},
		}),
		forecastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fincast_forecast_duration_seconds",
			Help:    "Forecast latency",
			Buckets: prometheus.DefBuckets,
		}),
		batchItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fincast_batch_items_total",
			Help: "Batch training items by result",
		}, []string{"result"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fincast_errors_total",
			Help: "Errors by kind",
		}, []string{"kind"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fincast_operation_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordTraining(status string, duration time.Duration, epochs int) {
	r.trainingRuns.WithLabelValues(status).Inc()
	r.trainingDuration.Observe(duration.Seconds())
	if epochs > 0 {
		r.trainingEpochs.Observe(float64(epochs))
	}
}

func (r *Recorder) RecordValLoss(instrument string, loss float64) {
	r.valLoss.WithLabelValues(instrument).Set(loss)
}

func (r *Recorder) RecordForecast(status string, horizon int, duration time.Duration) {
	r.forecasts.WithLabelValues(status).Inc()
	r.forecastHorizon.Observe(float64(horizon))
	r.forecastDuration.Observe(duration.Seconds())
}

func (r *Recorder) RecordBatch(succeeded, failed int) {
	r.batchItems.WithLabelValues("succeeded").Add(float64(succeeded))
	r.batchItems.WithLabelValues("failed").Add(float64(failed))
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records a pipeline stage duration in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards everything; used when metrics are disabled and in tests.
type Nop struct{}

func (Nop) RecordTraining(string, time.Duration, int) {}
func (Nop) RecordValLoss(string, float64)             {}
func (Nop) RecordForecast(string, int, time.Duration) {}
func (Nop) RecordBatch(int, int)                      {}
func (Nop) RecordError(string)                        {}
func (Nop) RecordLatency(string, float64)             {}

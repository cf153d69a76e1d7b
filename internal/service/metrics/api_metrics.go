package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	EndpointLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fincast",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency of forecasting endpoints",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
		},
		[]string{"endpoint"},
	)

	EndpointOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fincast",
			Subsystem: "api",
			Name:      "outcomes_total",
			Help:      "Endpoint results by outcome state",
		},
		[]string{"endpoint", "outcome"},
	)
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(EndpointLatency, EndpointOutcomes)
	})
}

// Observe records the latency and outcome of one endpoint call.
func Observe(endpoint, outcome string, start time.Time) {
	EndpointLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	EndpointOutcomes.WithLabelValues(endpoint, outcome).Inc()
}

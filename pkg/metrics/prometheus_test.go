package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.RecordTraining("ok", 3*time.Second, 40)
	r.RecordTraining("ok", time.Second, 12)
	r.RecordTraining("failed", time.Second, 0)
	r.RecordBatch(4, 1)
	r.RecordValLoss("HOSE:VNM", 0.0021)
	r.RecordError("not_trained")

	if got := testutil.ToFloat64(r.trainingRuns.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(r.batchItems.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed items = %v", got)
	}
	if got := testutil.ToFloat64(r.valLoss.WithLabelValues("HOSE:VNM")); got != 0.0021 {
		t.Fatalf("val loss = %v", got)
	}
	if got := testutil.ToFloat64(r.errorsTotal.WithLabelValues("not_trained")); got != 1 {
		t.Fatalf("errors = %v", got)
	}
}

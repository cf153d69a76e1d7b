package repository

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
)

func TestHTTPBarSourceDecodesBars(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("symbol") == "EMPTY" {
			_, _ = w.Write([]byte(`{"bars":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"bars":[
			{"date":"2024-01-03","open":2,"high":3,"low":1,"close":2.5,"volume":null},
			{"date":"2024-01-02","open":1,"high":2,"low":0.5,"close":1.5,"volume":100}
		]}`))
	}))
	defer srv.Close()

	src := NewHTTPBarSource(srv.URL+"/", time.Second, 1)
	bars, err := src.GetDailyBars(context.Background(), models.NewInstrument("HOSE", "VNM"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotQuery != "exchange=HOSE&from=2024-01-01&symbol=VNM" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(bars) != 2 || bars[0].Close != 1.5 || !math.IsNaN(bars[1].Volume) {
		t.Fatalf("unexpected bars %+v", bars)
	}

	if _, err := src.GetDailyBars(context.Background(), models.NewInstrument("HOSE", "EMPTY"), time.Time{}); !errors.Is(err, domrepo.ErrNoBars) {
		t.Fatalf("expected ErrNoBars, got %v", err)
	}
}

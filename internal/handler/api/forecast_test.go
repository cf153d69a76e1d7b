package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	"FinCast/internal/service/ratelimit"
	"FinCast/internal/services/features"
	"FinCast/internal/usecase"
	xhttp "FinCast/pkg/http"
)

type stubTrainer struct {
	mu      sync.Mutex
	err     error
	running map[string]bool
	calls   []string
}

func (s *stubTrainer) Train(_ context.Context, inst models.Instrument) (*models.TrainingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inst.Key())
	if s.err != nil {
		return nil, s.err
	}
	return &models.TrainingReport{Instrument: inst, RunID: "run-1", Status: models.StatusOK}, nil
}

func (s *stubTrainer) Cancel(inst models.Instrument) bool { return s.Running(inst) }

func (s *stubTrainer) Running(inst models.Instrument) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[inst.Key()]
}

type stubForecaster struct {
	err error
}

func (s *stubForecaster) Forecast(_ context.Context, inst models.Instrument, horizon int) (*models.ForecastResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.ForecastResult{Instrument: inst, RunID: "run-1", Status: models.StatusOK, Horizon: horizon,
		Points: make([]models.ForecastPoint, horizon)}, nil
}

func (s *stubForecaster) Backtest(_ context.Context, inst models.Instrument, days int) (*models.BacktestResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.BacktestResult{Instrument: inst, Days: days}, nil
}

func (s *stubForecaster) Status(_ context.Context, inst models.Instrument) (*models.InstrumentStatus, error) {
	return &models.InstrumentStatus{Instrument: inst, Status: models.StatusNotTrained}, nil
}

type stubBatch struct{}

func (stubBatch) TrainAll(_ context.Context, insts []models.Instrument) *models.BatchReport {
	return &models.BatchReport{Succeeded: len(insts)}
}

type stubStore struct{ domrepo.ArtifactStore }

func (stubStore) List(context.Context) ([]models.Instrument, error) {
	return []models.Instrument{models.NewInstrument("NYSE", "IBM")}, nil
}

type fixture struct {
	e  *echo.Echo
	tr *stubTrainer
	fc *stubForecaster
	h  *ForecastHandler
}

func newFixture(opts ...HandlerOption) *fixture {
	tr := &stubTrainer{running: map[string]bool{}}
	fc := &stubForecaster{}
	h := NewForecastHandler(nil, tr, stubBatch{}, fc, stubStore{}, NewProgressHub(nil), opts...)
	e := echo.New()
	e.HTTPErrorHandler = xhttp.ErrorHandler
	h.RegisterRoutes(e)
	return &fixture{e: e, tr: tr, fc: fc, h: h}
}

func (f *fixture) do(method, target, body string) (*httptest.ResponseRecorder, xhttp.APIResponse) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	var resp xhttp.APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func errorCode(resp xhttp.APIResponse) string {
	list, ok := resp.Data.([]interface{})
	if !ok || len(list) == 0 {
		return ""
	}
	m, _ := list[0].(map[string]interface{})
	code, _ := m["code"].(string)
	return code
}

func TestForecastOK(t *testing.T) {
	f := newFixture()
	rec, resp := f.do(http.MethodGet, "/api/v1/forecast/nyse/ibm?horizon=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	data := resp.Data.(map[string]interface{})
	if data["horizon"].(float64) != 3 || len(data["points"].([]interface{})) != 3 {
		t.Fatalf("unexpected body %s", rec.Body)
	}
}

func TestForecastDefaultHorizon(t *testing.T) {
	f := newFixture()
	_, resp := f.do(http.MethodGet, "/api/v1/forecast/NYSE/IBM", "")
	if resp.Data.(map[string]interface{})["horizon"].(float64) != 5 {
		t.Fatalf("default horizon not applied")
	}
}

func TestForecastErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not trained", fmt.Errorf("x: %w", domrepo.ErrArtifactNotFound), http.StatusNotFound, "ERR_NOT_TRAINED"},
		{"insufficient", fmt.Errorf("x: %w", features.ErrInsufficientHistory), http.StatusUnprocessableEntity, "ERR_INSUFFICIENT_DATA"},
		{"stale", fmt.Errorf("x: %w", usecase.ErrStaleArtifact), http.StatusConflict, "ERR_STALE_ARTIFACT"},
		{"horizon", fmt.Errorf("x: %w", usecase.ErrHorizonOutOfRange), http.StatusBadRequest, "ERR_HORIZON_OUT_OF_RANGE"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "ERR_INTERNAL"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture()
			f.fc.err = c.err
			rec, resp := f.do(http.MethodGet, "/api/v1/forecast/NYSE/IBM?horizon=5", "")
			if rec.Code != c.status || errorCode(resp) != c.code {
				t.Fatalf("got %d %s, want %d %s", rec.Code, errorCode(resp), c.status, c.code)
			}
		})
	}
}

func TestForecastValidation(t *testing.T) {
	f := newFixture()
	if rec, _ := f.do(http.MethodGet, "/api/v1/forecast/NYSE/IBM?horizon=1000", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("horizon 1000: status %d", rec.Code)
	}
	if rec, _ := f.do(http.MethodGet, "/api/v1/forecast/NY%20SE/IBM", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsafe exchange: status %d", rec.Code)
	}
}

func TestTrainSyncAndConflict(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"nyse","symbol":"ibm"}`)
	if rec.Code != http.StatusOK || len(f.tr.calls) != 1 || f.tr.calls[0] != "NYSE:IBM" {
		t.Fatalf("status %d calls %v", rec.Code, f.tr.calls)
	}

	f.tr.err = fmt.Errorf("x: %w", usecase.ErrTrainingInProgress)
	rec, resp := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"nyse","symbol":"ibm"}`)
	if rec.Code != http.StatusConflict || errorCode(resp) != "ERR_TRAINING_IN_PROGRESS" {
		t.Fatalf("got %d %s", rec.Code, errorCode(resp))
	}

	if rec, _ := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"nyse"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing symbol: status %d", rec.Code)
	}
}

func TestTrainAsync(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"nyse","symbol":"ibm","async":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
	f.h.Wait()
	if len(f.tr.calls) != 1 {
		t.Fatalf("background training not run: %v", f.tr.calls)
	}

	f.tr.running["NYSE:IBM"] = true
	if rec, _ := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"nyse","symbol":"ibm","async":true}`); rec.Code != http.StatusConflict {
		t.Fatalf("running: status %d", rec.Code)
	}
}

type recordingQueue struct{ types []string }

func (q *recordingQueue) Enqueue(_ context.Context, msgType string, _ interface{}) error {
	q.types = append(q.types, msgType)
	return nil
}

func TestTrainBatchQueued(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(WithJobQueue(q))
	rec, _ := f.do(http.MethodPost, "/api/v1/train/batch", `{"instruments":["NYSE:IBM","hose:vnm","NYSE:IBM"],"queue":true}`)
	if rec.Code != http.StatusAccepted || len(q.types) != 2 || q.types[0] != usecase.JobTrainInstrument {
		t.Fatalf("status %d queued %v", rec.Code, q.types)
	}

	rec, resp := f.do(http.MethodPost, "/api/v1/train/batch", `{"instruments":["IBM"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad instrument: status %d %v", rec.Code, resp)
	}

	rec, _ = f.do(http.MethodPost, "/api/v1/train/batch", `{"instruments":["NYSE:IBM"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync batch: status %d", rec.Code)
	}
}

func TestTrainRateLimited(t *testing.T) {
	f := newFixture(WithRateLimiter(ratelimit.New(time.Hour, 1)))
	body := `{"exchange":"NYSE","symbol":"IBM"}`
	if rec, _ := f.do(http.MethodPost, "/api/v1/train", body); rec.Code != http.StatusOK {
		t.Fatalf("first: status %d", rec.Code)
	}
	rec, resp := f.do(http.MethodPost, "/api/v1/train", body)
	if rec.Code != http.StatusTooManyRequests || errorCode(resp) != "ERR_RATE_LIMITED" {
		t.Fatalf("second: %d %s", rec.Code, errorCode(resp))
	}
	if rec, _ := f.do(http.MethodPost, "/api/v1/train", `{"exchange":"HOSE","symbol":"VNM"}`); rec.Code != http.StatusOK {
		t.Fatalf("other instrument throttled: %d", rec.Code)
	}
}

func TestDrainStopsLimiterJanitor(t *testing.T) {
	f := newFixture(WithRateLimiter(ratelimit.New(time.Hour, 1)))
	done := make(chan struct{})
	go func() {
		f.h.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	if rec, _ := f.do(http.MethodDelete, "/api/v1/train/NYSE/IBM", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("not running: status %d", rec.Code)
	}
	f.tr.running["NYSE:IBM"] = true
	if rec, _ := f.do(http.MethodDelete, "/api/v1/train/NYSE/IBM", ""); rec.Code != http.StatusOK {
		t.Fatalf("running: status %d", rec.Code)
	}
}

func TestStatusAndArtifacts(t *testing.T) {
	f := newFixture()
	_, resp := f.do(http.MethodGet, "/api/v1/status/NYSE/IBM", "")
	if resp.Data.(map[string]interface{})["status"] != models.StatusNotTrained {
		t.Fatalf("unexpected status body %+v", resp)
	}
	rec, resp := f.do(http.MethodGet, "/api/v1/artifacts", "")
	if rec.Code != http.StatusOK || resp.Data.(map[string]interface{})["total"].(float64) != 1 {
		t.Fatalf("unexpected artifacts %s", rec.Body)
	}
}

func TestProgressHubStreams(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/progress?instrument=NYSE:IBM"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.h.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.h.hub.Publish(models.EpochProgress{Instrument: models.NewInstrument("HOSE", "VNM"), Epoch: 1})
	f.h.hub.Publish(models.EpochProgress{Instrument: models.NewInstrument("NYSE", "IBM"), Epoch: 2, RunID: "run-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.EpochProgress
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Epoch != 2 || got.RunID != "run-1" {
		t.Fatalf("filter not applied, got %+v", got)
	}
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	"FinCast/internal/repository"
	"FinCast/internal/services/dataset"
	"FinCast/internal/services/features"
	"FinCast/internal/services/model"
	"FinCast/internal/services/scaler"
	"FinCast/pkg/cache"
	pkgkafka "FinCast/pkg/kafka"
	"FinCast/pkg/queue"
)

// memBars serves synthetic series by instrument key.
type memBars struct {
	mu     sync.Mutex
	series map[string][]models.RawBar
	// gate, when set, blocks the next read until closed or ctx is done.
	gate    chan struct{}
	entered chan struct{}
}

func (m *memBars) GetDailyBars(ctx context.Context, inst models.Instrument, from time.Time) ([]models.RawBar, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.gate, m.entered = nil, nil
	bars, ok := m.series[inst.Key()]
	m.mu.Unlock()
	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrNoBars, inst)
	}
	return features.FilterFrom(bars, from), nil
}

// block arms the gate and returns a channel closed once a read waits on it.
func (m *memBars) block() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{})
	return m.entered
}

func syntheticBars(n int, seed float64) []models.RawBar {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]models.RawBar, n)
	for i := range out {
		c := 100 + 10*math.Sin(float64(i)/9+seed) + float64(i)*0.05
		out[i] = models.RawBar{
			Date: start.AddDate(0, 0, i), Open: c - 0.4, High: c + 1,
			Low: c - 1, Close: c, Volume: 1000 + float64(i%7)*10,
		}
	}
	return out
}

var (
	ibm  = models.NewInstrument("NYSE", "IBM")
	vnm  = models.NewInstrument("HOSE", "VNM")
	fake = models.NewInstrument("HOSE", "NONE")
)

type env struct {
	bars     *memBars
	store    domrepo.ArtifactStore
	registry *scaler.Registry
	trainer  *TrainUseCase
	fc       *ForecastUseCase
}

func testConfig() TrainConfig {
	spec := features.DefaultSpec()
	spec.StartDate = time.Time{}
	spec.MinRows = 40
	mc := model.DefaultConfig()
	mc.Hidden = []int{8}
	mc.Epochs = 4
	mc.BatchSize = 16
	mc.LearningRate = 0.01
	return TrainConfig{
		Features:   spec,
		Lookback:   10,
		Split:      dataset.DefaultProportions(),
		TargetMode: models.TargetOHLC,
		Policy:     models.PolicyCarry,
		Model:      mc,
	}
}

func newEnv(t *testing.T, opts ...TrainOption) *env {
	t.Helper()
	store, err := repository.NewFileArtifactStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bars := &memBars{series: map[string][]models.RawBar{
		ibm.Key(): syntheticBars(220, 0),
		vnm.Key(): syntheticBars(180, 1.3),
	}}
	reg := scaler.NewRegistry(store, nil)
	tr := NewTrainUseCase(testConfig(), bars, store, reg, opts...)
	fc := NewForecastUseCase(ForecastConfig{MaxHorizon: 30, DegradeAfter: 4}, bars, store, reg, tr)
	return &env{bars: bars, store: store, registry: reg, trainer: tr, fc: fc}
}

func TestTrainThenForecast(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rep, err := e.trainer.Train(ctx, ibm)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if rep.Status != models.StatusOK || rep.Epochs == 0 || rep.TestSize == 0 || rep.Metrics.Count != rep.TestSize {
		t.Fatalf("unexpected report %+v", rep)
	}
	art, err := e.store.Load(ctx, ibm)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if art.RunID != rep.RunID || art.Scaler.RunID != rep.RunID || art.Model.RunID != rep.RunID {
		t.Fatalf("artifact parts from different runs: %s/%s/%s", art.RunID, art.Scaler.RunID, art.Model.RunID)
	}
	state, err := e.registry.Get(ctx, ibm)
	if err != nil || state.RunID != rep.RunID {
		t.Fatalf("registry not committed: %v", err)
	}

	res, err := e.fc.Forecast(ctx, ibm, 6)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if len(res.Points) != 6 || res.RunID != rep.RunID {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Status != models.StatusDegraded || res.Points[3].Degraded || !res.Points[4].Degraded {
		t.Fatalf("degrade threshold not applied: %s", res.Status)
	}
	prev := res.LastBarDate
	for _, p := range res.Points {
		if !p.Date.After(prev) || p.Date.Weekday() == time.Saturday || p.Date.Weekday() == time.Sunday {
			t.Fatalf("bad forecast date %s after %s", p.Date, prev)
		}
		if p.Open == nil || p.High == nil || p.Low == nil {
			t.Fatalf("ohlc mode point misses prices: %+v", p)
		}
		prev = p.Date
	}

	st, err := e.fc.Status(ctx, ibm)
	if err != nil || st.Status != models.StatusReady || st.RunID != rep.RunID {
		t.Fatalf("status %+v, %v", st, err)
	}
}

func TestForecastShorterHorizonIsPrefix(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.trainer.Train(ctx, ibm); err != nil {
		t.Fatalf("train: %v", err)
	}
	long, err := e.fc.Forecast(ctx, ibm, 5)
	if err != nil {
		t.Fatalf("forecast 5: %v", err)
	}
	short, err := e.fc.Forecast(ctx, ibm, 3)
	if err != nil {
		t.Fatalf("forecast 3: %v", err)
	}
	if !reflect.DeepEqual(short.Points, long.Points[:3]) {
		t.Fatalf("horizon 3 is not a prefix of horizon 5")
	}
}

func TestForecastCachedByRun(t *testing.T) {
	e := newEnv(t)
	mc := cache.NewMemoryCache()
	defer mc.Close()
	fc := NewForecastUseCase(ForecastConfig{CacheTTL: time.Minute}, e.bars, e.store, e.registry, e.trainer, WithForecastCache(mc))
	ctx := context.Background()
	rep, err := e.trainer.Train(ctx, ibm)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	first, err := fc.Forecast(ctx, ibm, 4)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	lastBar := first.LastBarDate.Format(time.DateOnly)
	var cached models.ForecastResult
	if err := mc.Get(ctx, cache.GenerateKeyWithParams("forecast", "NYSE", "IBM", rep.RunID, lastBar, 4), &cached); err != nil {
		t.Fatalf("forecast not cached: %v", err)
	}
	second, err := fc.Forecast(ctx, ibm, 4)
	if err != nil {
		t.Fatalf("cached forecast: %v", err)
	}
	if !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Fatalf("second call was not served from cache")
	}

	// a new bar without a retrain must not be hidden by the cache
	e.bars.mu.Lock()
	series := e.bars.series[ibm.Key()]
	next := series[len(series)-1]
	next.Date = next.Date.AddDate(0, 0, 1)
	next.Close += 0.5
	e.bars.series[ibm.Key()] = append(series, next)
	e.bars.mu.Unlock()

	third, err := fc.Forecast(ctx, ibm, 4)
	if err != nil {
		t.Fatalf("forecast after new bar: %v", err)
	}
	if !third.LastBarDate.After(first.LastBarDate) || third.RunID != rep.RunID {
		t.Fatalf("cached forecast served past a new bar: last %s, was %s", third.LastBarDate, first.LastBarDate)
	}
}

func TestForecastNotTrained(t *testing.T) {
	e := newEnv(t)
	_, err := e.fc.Forecast(context.Background(), ibm, 5)
	if !errors.Is(err, domrepo.ErrArtifactNotFound) || Classify(err) != models.StatusNotTrained {
		t.Fatalf("expected not trained, got %v", err)
	}
	st, err := e.fc.Status(context.Background(), ibm)
	if err != nil || st.Status != models.StatusNotTrained {
		t.Fatalf("status %+v, %v", st, err)
	}
}

func TestForecastHorizonBounds(t *testing.T) {
	e := newEnv(t)
	for _, h := range []int{0, 31} {
		if _, err := e.fc.Forecast(context.Background(), ibm, h); !errors.Is(err, ErrHorizonOutOfRange) {
			t.Fatalf("horizon %d: expected ErrHorizonOutOfRange, got %v", h, err)
		}
	}
}

func TestTrainInsufficientData(t *testing.T) {
	e := newEnv(t)
	e.bars.series[vnm.Key()] = syntheticBars(50, 0)
	rep, err := e.trainer.Train(context.Background(), vnm)
	if Classify(err) != models.StatusInsufficientData || rep.Status != models.StatusInsufficientData {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if _, err := e.store.Load(context.Background(), vnm); !errors.Is(err, domrepo.ErrArtifactNotFound) {
		t.Fatalf("artifact written for failed run: %v", err)
	}
}

func TestTrainInProgressAndCancelKeepsArtifact(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, err := e.trainer.Train(ctx, ibm)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	entered := e.bars.block()
	done := make(chan error, 1)
	go func() {
		_, err := e.trainer.Train(ctx, ibm)
		done <- err
	}()
	<-entered

	if !e.trainer.Running(ibm) {
		t.Fatalf("training not reported as running")
	}
	if st, _ := e.fc.Status(ctx, ibm); st.Status != models.StatusTraining {
		t.Fatalf("status %s, want training", st.Status)
	}
	if _, err := e.trainer.Train(ctx, ibm); !errors.Is(err, ErrTrainingInProgress) {
		t.Fatalf("expected ErrTrainingInProgress, got %v", err)
	}
	if !e.trainer.Cancel(ibm) {
		t.Fatalf("cancel found no running training")
	}
	if err := <-done; Classify(err) != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if e.trainer.Running(ibm) || e.trainer.Cancel(ibm) {
		t.Fatalf("training still registered after cancel")
	}

	art, err := e.store.Load(ctx, ibm)
	if err != nil || art.RunID != first.RunID {
		t.Fatalf("previous artifact not kept: %v", err)
	}
}

type denyLocker struct{}

func (denyLocker) TryLock(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (denyLocker) Unlock(context.Context, string) error                         { return nil }

func TestTrainRespectsDistributedLock(t *testing.T) {
	e := newEnv(t, WithLocker(denyLocker{}))
	if _, err := e.trainer.Train(context.Background(), ibm); !errors.Is(err, ErrTrainingInProgress) {
		t.Fatalf("expected ErrTrainingInProgress, got %v", err)
	}
	if e.trainer.Running(ibm) {
		t.Fatalf("local claim leaked after lock refusal")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	epochs []int
}

func (s *recordingSink) Publish(p models.EpochProgress) {
	s.mu.Lock()
	s.epochs = append(s.epochs, p.Epoch)
	s.mu.Unlock()
}

func TestTrainReportsProgress(t *testing.T) {
	sink := &recordingSink{}
	e := newEnv(t, WithProgress(sink))
	rep, err := e.trainer.Train(context.Background(), ibm)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(sink.epochs) != rep.Epochs || sink.epochs[0] != 1 {
		t.Fatalf("progress epochs %v, report %d", sink.epochs, rep.Epochs)
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	e := newEnv(t)
	batch := NewBatchTrainUseCase(e.trainer, 2, nil, nil)
	rep := batch.TrainAll(context.Background(), []models.Instrument{ibm, fake, vnm})
	if rep.Succeeded != 2 || rep.Failed != 1 || len(rep.Items) != 3 {
		t.Fatalf("unexpected batch report %+v", rep)
	}
	if rep.Items[1].Instrument != fake || rep.Items[1].Status != models.StatusInsufficientData {
		t.Fatalf("failure not attributed: %+v", rep.Items[1])
	}
	list, err := e.store.List(context.Background())
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %v, %v", list, err)
	}
}

func TestBatchReportWithDivergedRunMarshals(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.Model.LearningRate = 1e300
	tr := NewTrainUseCase(cfg, e.bars, e.store, e.registry)
	batch := NewBatchTrainUseCase(tr, 2, nil, nil)

	rep := batch.TrainAll(context.Background(), []models.Instrument{ibm, vnm})
	if rep.Failed != 2 || rep.Succeeded != 0 {
		t.Fatalf("expected both runs to fail, got %+v", rep)
	}
	for _, it := range rep.Items {
		if it.Report != nil && it.Report.BestValLoss != 0 {
			t.Fatalf("%s reports best val loss %v without an improving epoch", it.Instrument, it.Report.BestValLoss)
		}
	}

	b, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("marshal batch report: %v", err)
	}
	var back models.BatchReport
	if err := json.Unmarshal(b, &back); err != nil || len(back.Items) != 2 || back.Items[0].Error == "" {
		t.Fatalf("round trip lost failures: %s, %v", b, err)
	}
}

func TestBacktestPairsActuals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.trainer.Train(ctx, ibm); err != nil {
		t.Fatalf("train: %v", err)
	}
	res, err := e.fc.Backtest(ctx, ibm, 20)
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}
	if res.Days != 20 || len(res.Points) != 20 || res.Metrics.Count != 20 {
		t.Fatalf("unexpected backtest %+v", res.Metrics)
	}
	bars := e.bars.series[ibm.Key()]
	last := res.Points[19]
	if !last.Date.Equal(bars[len(bars)-1].Date) || *last.Actual != bars[len(bars)-1].Close {
		t.Fatalf("last point not aligned with last bar: %+v", last)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, models.StatusOK},
		{fmt.Errorf("x: %w", domrepo.ErrArtifactNotFound), models.StatusNotTrained},
		{fmt.Errorf("x: %w", features.ErrInsufficientHistory), models.StatusInsufficientData},
		{fmt.Errorf("x: %w", dataset.ErrInsufficientWindows), models.StatusInsufficientData},
		{fmt.Errorf("x: %w", ErrTrainingInProgress), models.StatusTraining},
		{fmt.Errorf("x: %w", model.ErrTrainingCancelled), models.StatusCancelled},
		{fmt.Errorf("x: %w", model.ErrTrainingDiverged), models.StatusFailed},
		{fmt.Errorf("x: %w", ErrStaleArtifact), models.StatusFailed},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestTrainJobRejectsBadPayload(t *testing.T) {
	job := NewTrainJob(newEnv(t).trainer, nil)
	for _, payload := range []string{`{`, `{"exchange":"","symbol":"IBM"}`} {
		if err := job.Handle(context.Background(), json.RawMessage(payload)); !errors.Is(err, queue.ErrSkipRetry) {
			t.Fatalf("payload %s: expected ErrSkipRetry, got %v", payload, err)
		}
	}
	if err := job.Handle(context.Background(), json.RawMessage(`{"exchange":"hose","symbol":"none"}`)); !errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("missing series should not be retried, got %v", err)
	}
}

func TestKafkaTrainHandler(t *testing.T) {
	e := newEnv(t)
	h := NewKafkaTrainHandler("fincast.train", e.trainer, nil)
	if err := h.Handle(context.Background(), []byte("not json")); !errors.Is(err, pkgkafka.ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if err := h.Handle(context.Background(), []byte(`{"exchange":"nyse","symbol":"ibm"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := e.store.Load(context.Background(), ibm); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
}

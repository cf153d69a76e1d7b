package forecast

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"FinCast/internal/domain/models"
	"FinCast/internal/services/features"
	"FinCast/internal/services/model"
	"FinCast/internal/services/scaler"
)

const lookback = 10

type fixture struct {
	eng      *features.Engineer
	bars     []models.RawBar
	frame    *features.Frame
	state    *models.ScalerState
	real     [][]float64
	scaled   [][]float64
	features []string
}

func newFixture(t *testing.T, targets []string) *fixture {
	t.Helper()
	spec := features.DefaultSpec()
	spec.StartDate = time.Time{}
	spec.MinRows = 10
	eng, err := features.NewEngineer(spec)
	if err != nil {
		t.Fatalf("engineer: %v", err)
	}

	rng := rand.New(rand.NewSource(11))
	start := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	price := 100.0
	bars := make([]models.RawBar, 120)
	for i := range bars {
		price *= 1 + (rng.Float64()-0.5)*0.02
		bars[i] = models.RawBar{
			Date: start.AddDate(0, 0, i), Open: price - 0.3, High: price + 1,
			Low: price - 1, Close: price, Volume: 5000 + float64(i),
		}
	}
	frame, err := eng.Engineer(bars)
	if err != nil {
		t.Fatalf("engineer bars: %v", err)
	}
	cols := eng.Columns()
	state, err := scaler.Fit(models.NewInstrument("NYSE", "IBM"), "run-1", cols, frame.Matrix(),
		map[string][]string{models.GroupInputs: cols, models.GroupTargets: targets})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	scaled, err := scaler.Transform(state, frame.Matrix(), models.GroupInputs)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	return &fixture{eng: eng, bars: bars, frame: frame, state: state, real: frame.Matrix(), scaled: scaled, features: cols}
}

func (fx *fixture) snapshot() Snapshot {
	n := len(fx.scaled)
	return Snapshot{
		Date:    fx.frame.Rows[n-1].Date,
		Window:  fx.scaled[n-lookback:],
		Last:    fx.real[n-1],
		History: fx.bars,
	}
}

type constPredictor struct{ out []float64 }

func (p constPredictor) Predict([][]float64) ([]float64, error) { return p.out, nil }
func (p constPredictor) Lookback() int                          { return lookback }

func TestForecastShorterHorizonIsPrefix(t *testing.T) {
	fx := newFixture(t, []string{features.ColClose})
	net, err := model.NewNetwork(lookback, len(fx.features), 1, []int{6}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	for _, policy := range []string{models.PolicyCarry, models.PolicyRecompute} {
		f, err := New(net, "run-1", fx.state, Options{
			Features: fx.features, Targets: []string{features.ColClose},
			Policy: policy, Engineer: fx.eng, TestRMSE: 2,
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		five, err := f.Forecast(fx.snapshot(), 5)
		if err != nil {
			t.Fatalf("%s forecast 5: %v", policy, err)
		}
		three, err := f.Forecast(fx.snapshot(), 3)
		if err != nil {
			t.Fatalf("%s forecast 3: %v", policy, err)
		}
		for i := range three {
			if three[i].Close != five[i].Close || !three[i].Date.Equal(five[i].Date) {
				t.Fatalf("%s step %d differs: %+v vs %+v", policy, i+1, three[i], five[i])
			}
		}
		if math.Abs(five[3].Uncertainty-2*2) > 1e-12 {
			t.Fatalf("uncertainty at step 4 should be rmse*2, got %v", five[3].Uncertainty)
		}
	}
}

func TestStepResynthesizesNextRow(t *testing.T) {
	fx := newFixture(t, []string{features.ColClose})
	f, err := New(constPredictor{out: []float64{0.5}}, "run-1", fx.state, Options{
		Features: fx.features, Targets: []string{features.ColClose},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s0 := fx.snapshot()
	s1, p1, err := f.Step(s0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	g := fx.state.Groups[models.GroupTargets]
	wantClose := 0.5*g.Range[0] + g.Min[0]
	if math.Abs(p1.Close-wantClose) > 1e-9 {
		t.Fatalf("close: want %v got %v", wantClose, p1.Close)
	}
	if p1.Open != nil {
		t.Fatalf("close-only model should not report open")
	}

	col := func(name string) int { return fx.frame.Index(name) }
	row := s1.Last
	if row[col("open")] != p1.Close || row[col("high")] != p1.Close || row[col("low")] != p1.Close {
		t.Fatalf("close should stand in for open/high/low: %v", row[:4])
	}
	if row[col("volume")] != s0.Last[col("volume")] {
		t.Fatalf("volume not carried forward")
	}
	if row[col("close_lag_1")] != s0.Last[col("close")] || row[col("close_lag_2")] != s0.Last[col("close_lag_1")] {
		t.Fatalf("lags not shifted")
	}
	if row[col("ma_5")] != s0.Last[col("ma_5")] || row[col("macd")] != s0.Last[col("macd")] {
		t.Fatalf("carry policy must copy indicators")
	}

	s2, _, err := f.Step(s1)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if s2.Last[col("close_lag_1")] != p1.Close {
		t.Fatalf("predicted close should become lag 1 of the following row")
	}
	if len(s1.Window) != lookback || &s1.Window[0][0] != &s0.Window[1][0] {
		t.Fatalf("window should slide by one row")
	}
	if len(s0.Window) != lookback || s0.Step != 0 {
		t.Fatalf("snapshot must not be modified")
	}
}

func TestRecomputePolicyRederivesIndicators(t *testing.T) {
	fx := newFixture(t, []string{features.ColClose})
	f, err := New(constPredictor{out: []float64{0.5}}, "run-1", fx.state, Options{
		Features: fx.features, Targets: []string{features.ColClose},
		Policy: models.PolicyRecompute, Engineer: fx.eng,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s0 := fx.snapshot()
	s1, p1, err := f.Step(s0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	n := len(fx.bars)
	want := p1.Close
	for i := n - 4; i < n; i++ {
		want += fx.bars[i].Close
	}
	want /= 5
	if got := s1.Last[fx.frame.Index("ma_5")]; math.Abs(got-want) > 1e-9 {
		t.Fatalf("ma_5: want %v got %v", want, got)
	}
	if len(s1.History) != n+1 || len(fx.bars) != n {
		t.Fatalf("history should grow by one synthetic bar without touching the input")
	}
}

func TestOHLCTargetsReportAllPrices(t *testing.T) {
	targets := []string{features.ColOpen, features.ColHigh, features.ColLow, features.ColClose}
	fx := newFixture(t, targets)
	f, err := New(constPredictor{out: []float64{0.1, 0.9, 0.0, 0.5}}, "run-1", fx.state, Options{
		Features: fx.features, Targets: targets,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	points, err := f.Forecast(fx.snapshot(), 2)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	p := points[0]
	if p.Open == nil || p.High == nil || p.Low == nil || !(*p.High > *p.Low) {
		t.Fatalf("ohlc forecast incomplete: %+v", p)
	}
}

func TestForecastErrors(t *testing.T) {
	fx := newFixture(t, []string{features.ColClose})
	opts := Options{Features: fx.features, Targets: []string{features.ColClose}}
	pred := constPredictor{out: []float64{0.5}}

	if _, err := New(pred, "run-1", nil, opts); !errors.Is(err, scaler.ErrScalerStateMissing) {
		t.Fatalf("expected ErrScalerStateMissing, got %v", err)
	}
	if _, err := New(pred, "run-2", fx.state, opts); !errors.Is(err, scaler.ErrScalerStateMismatch) {
		t.Fatalf("expected ErrScalerStateMismatch, got %v", err)
	}
	partial := *fx.state
	partial.Groups = map[string]*models.ScalerGroup{models.GroupInputs: fx.state.Groups[models.GroupInputs]}
	if _, err := New(pred, "run-1", &partial, opts); !errors.Is(err, scaler.ErrScalerStateMissing) {
		t.Fatalf("expected ErrScalerStateMissing for missing group, got %v", err)
	}

	f, err := New(pred, "run-1", fx.state, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s := fx.snapshot()
	s.Window = s.Window[1:]
	if _, err := f.Forecast(s, 3); !errors.Is(err, ErrWindowLengthMismatch) {
		t.Fatalf("expected ErrWindowLengthMismatch, got %v", err)
	}
}

func TestForecastDatesSkipWeekends(t *testing.T) {
	fri := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	days := BusinessDays(fri, 3)
	want := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}
	for i, d := range days {
		if d.Weekday() != want[i] {
			t.Fatalf("day %d: want %v got %v", i, want[i], d.Weekday())
		}
	}
	if !days[0].Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first date %v", days[0])
	}
}

func TestDegradedAfterThreshold(t *testing.T) {
	fx := newFixture(t, []string{features.ColClose})
	f, err := New(constPredictor{out: []float64{0.5}}, "run-1", fx.state, Options{
		Features: fx.features, Targets: []string{features.ColClose}, DegradeAfter: 2,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	points, err := f.Forecast(fx.snapshot(), 4)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	for _, p := range points {
		if p.Degraded != (p.Step > 2) {
			t.Fatalf("step %d degraded=%v", p.Step, p.Degraded)
		}
	}
}

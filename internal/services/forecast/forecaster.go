package forecast

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"FinCast/internal/domain/models"
	"FinCast/internal/services/features"
	"FinCast/internal/services/scaler"
)

var ErrWindowLengthMismatch = errors.New("window length mismatch")

// Predictor maps a scaled lookback window to scaled targets.
type Predictor interface {
	Predict(window [][]float64) ([]float64, error)
	Lookback() int
}

// Options describe how synthetic rows are derived.
type Options struct {
	// Features is the ordered input schema; it must match the inputs group.
	Features []string
	// Targets is the ordered output schema; it must match the targets group.
	Targets []string
	Policy  string
	// Engineer derives indicator columns under PolicyRecompute.
	Engineer     *features.Engineer
	TestRMSE     float64
	DegradeAfter int
}

// Snapshot is the immutable state between two forecast steps.
type Snapshot struct {
	Step int
	Date time.Time
	// Window holds the last lookback rows in scaled units.
	Window [][]float64
	// Last is the newest row in real units.
	Last []float64
	// History is the real-unit bar series, extended by one synthetic bar per
	// step. Only used by PolicyRecompute.
	History []models.RawBar
}

type columnKind int

const (
	kindCarry columnKind = iota
	kindOpen
	kindHigh
	kindLow
	kindClose
	kindLag
)

type column struct {
	kind columnKind
	src  int // lag source column in Last
}

// Forecaster produces multi-step forecasts by feeding each prediction back
// into the input window.
type Forecaster struct {
	model    Predictor
	state    *models.ScalerState
	opts     Options
	plan     []column
	closeIdx int
	outIdx   map[string]int
}

// New checks that state belongs to the run that produced model and carries
// both scaler groups.
func New(model Predictor, runID string, state *models.ScalerState, opts Options) (*Forecaster, error) {
	if state == nil {
		return nil, scaler.ErrScalerStateMissing
	}
	if state.RunID != runID {
		return nil, fmt.Errorf("%w: model run %s, scaler run %s", scaler.ErrScalerStateMismatch, runID, state.RunID)
	}
	in, err := scaler.Group(state, models.GroupInputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scaler.ErrScalerStateMissing, err)
	}
	out, err := scaler.Group(state, models.GroupTargets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scaler.ErrScalerStateMissing, err)
	}
	if len(in.Columns) != len(opts.Features) || len(out.Columns) != len(opts.Targets) {
		return nil, fmt.Errorf("%w: scaler has %d/%d columns, schema %d/%d",
			scaler.ErrScalerStateMismatch, len(in.Columns), len(out.Columns), len(opts.Features), len(opts.Targets))
	}
	if opts.Policy == "" {
		opts.Policy = models.PolicyCarry
	}
	if opts.Policy == models.PolicyRecompute && opts.Engineer == nil {
		return nil, fmt.Errorf("recompute policy requires a feature engineer")
	}

	f := &Forecaster{model: model, state: state, opts: opts, outIdx: make(map[string]int)}
	for i, c := range opts.Targets {
		f.outIdx[c] = i
	}
	var ok bool
	if f.closeIdx, ok = f.outIdx[features.ColClose]; !ok {
		return nil, fmt.Errorf("targets %v do not include %s", opts.Targets, features.ColClose)
	}

	index := make(map[string]int, len(opts.Features))
	for i, c := range opts.Features {
		index[c] = i
	}
	f.plan = make([]column, len(opts.Features))
	for i, c := range opts.Features {
		switch {
		case c == features.ColOpen:
			f.plan[i] = column{kind: kindOpen}
		case c == features.ColHigh:
			f.plan[i] = column{kind: kindHigh}
		case c == features.ColLow:
			f.plan[i] = column{kind: kindLow}
		case c == features.ColClose:
			f.plan[i] = column{kind: kindClose}
		case strings.HasPrefix(c, "close_lag_"):
			k, err := strconv.Atoi(strings.TrimPrefix(c, "close_lag_"))
			if err != nil || k < 1 {
				return nil, fmt.Errorf("invalid lag column %s", c)
			}
			src := features.ColClose
			if k > 1 {
				src = features.LagColumn(k - 1)
			}
			j, ok := index[src]
			if !ok {
				return nil, fmt.Errorf("lag column %s has no source %s in schema", c, src)
			}
			f.plan[i] = column{kind: kindLag, src: j}
		default:
			f.plan[i] = column{kind: kindCarry}
		}
	}
	return f, nil
}

// Forecast runs horizon steps from start. start.Step is normally 0.
func (f *Forecaster) Forecast(start Snapshot, horizon int) ([]models.ForecastPoint, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", horizon)
	}
	points := make([]models.ForecastPoint, 0, horizon)
	s := start
	for i := 0; i < horizon; i++ {
		next, p, err := f.Step(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.Step+1, err)
		}
		points = append(points, p)
		s = next
	}
	return points, nil
}

// Step performs one transition: predict, invert, resynthesize, rescale and
// slide. s is not modified.
func (f *Forecaster) Step(s Snapshot) (Snapshot, models.ForecastPoint, error) {
	if err := f.check(s); err != nil {
		return Snapshot{}, models.ForecastPoint{}, err
	}

	scaled, err := f.model.Predict(s.Window)
	if err != nil {
		return Snapshot{}, models.ForecastPoint{}, err
	}
	pred, err := scaler.InverseRow(f.state, scaled, models.GroupTargets)
	if err != nil {
		return Snapshot{}, models.ForecastPoint{}, err
	}

	date := NextBusinessDay(s.Date)
	row, history, err := f.resynthesize(s, pred, date)
	if err != nil {
		return Snapshot{}, models.ForecastPoint{}, err
	}
	scaledRow, err := scaler.TransformRow(f.state, row, models.GroupInputs)
	if err != nil {
		return Snapshot{}, models.ForecastPoint{}, err
	}

	window := make([][]float64, len(s.Window))
	copy(window, s.Window[1:])
	window[len(window)-1] = scaledRow

	step := s.Step + 1
	point := models.ForecastPoint{
		Step:        step,
		Date:        date,
		Close:       pred[f.closeIdx],
		Uncertainty: f.opts.TestRMSE * math.Sqrt(float64(step)),
		Degraded:    f.opts.DegradeAfter > 0 && step > f.opts.DegradeAfter,
	}
	if v, ok := f.predicted(pred, features.ColOpen); ok {
		point.Open = &v
	}
	if v, ok := f.predicted(pred, features.ColHigh); ok {
		point.High = &v
	}
	if v, ok := f.predicted(pred, features.ColLow); ok {
		point.Low = &v
	}

	return Snapshot{Step: step, Date: date, Window: window, Last: row, History: history}, point, nil
}

func (f *Forecaster) check(s Snapshot) error {
	if len(s.Window) != f.model.Lookback() {
		return fmt.Errorf("%w: %d rows, lookback %d", ErrWindowLengthMismatch, len(s.Window), f.model.Lookback())
	}
	for i, r := range s.Window {
		if len(r) != len(f.opts.Features) {
			return fmt.Errorf("%w: row %d has %d values, schema has %d", ErrWindowLengthMismatch, i, len(r), len(f.opts.Features))
		}
	}
	if len(s.Last) != len(f.opts.Features) {
		return fmt.Errorf("%w: last row has %d values, schema has %d", ErrWindowLengthMismatch, len(s.Last), len(f.opts.Features))
	}
	return nil
}

func (f *Forecaster) predicted(pred []float64, col string) (float64, bool) {
	i, ok := f.outIdx[col]
	if !ok {
		return 0, false
	}
	return pred[i], true
}

// price returns the predicted value of col, standing in the close when the
// model only predicts closes.
func (f *Forecaster) price(pred []float64, col string) float64 {
	if v, ok := f.predicted(pred, col); ok {
		return v
	}
	return pred[f.closeIdx]
}

func (f *Forecaster) resynthesize(s Snapshot, pred []float64, date time.Time) ([]float64, []models.RawBar, error) {
	row := make([]float64, len(f.plan))
	for i, c := range f.plan {
		switch c.kind {
		case kindOpen:
			row[i] = f.price(pred, features.ColOpen)
		case kindHigh:
			row[i] = f.price(pred, features.ColHigh)
		case kindLow:
			row[i] = f.price(pred, features.ColLow)
		case kindClose:
			row[i] = pred[f.closeIdx]
		case kindLag:
			row[i] = s.Last[c.src]
		default:
			row[i] = s.Last[i]
		}
	}
	if f.opts.Policy != models.PolicyRecompute {
		return row, nil, nil
	}

	volume := math.NaN()
	if i := indexOf(f.opts.Features, features.ColVolume); i >= 0 {
		volume = s.Last[i]
	} else if n := len(s.History); n > 0 {
		volume = s.History[n-1].Volume
	}
	bar := models.RawBar{
		Date:   date,
		Open:   f.price(pred, features.ColOpen),
		High:   f.price(pred, features.ColHigh),
		Low:    f.price(pred, features.ColLow),
		Close:  pred[f.closeIdx],
		Volume: volume,
	}
	history := append(s.History[:len(s.History):len(s.History)], bar)
	frame, err := f.opts.Engineer.Compute(history)
	if err != nil {
		return nil, nil, fmt.Errorf("recompute indicators: %w", err)
	}
	if frame.Len() == 0 {
		return nil, nil, fmt.Errorf("recompute indicators: %w: %d bars of history", features.ErrInsufficientHistory, len(history))
	}
	last := frame.Rows[frame.Len()-1].Values
	for i, name := range f.opts.Features {
		j := frame.Index(name)
		if j < 0 {
			return nil, nil, fmt.Errorf("recompute indicators: %w: %s", features.ErrMissingColumn, name)
		}
		if f.plan[i].kind == kindCarry && name != features.ColVolume {
			row[i] = last[j]
		}
	}
	return row, history, nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

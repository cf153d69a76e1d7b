package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	applogger "FinCast/pkg/logger"
	"FinCast/pkg/util"
)

// CSVBarSource reads <dir>/<EXCHANGE>/<SYMBOL>.csv files with a
// Date,Open,High,Low,Close,Volume header. Extra columns are ignored and
// column order does not matter.
type CSVBarSource struct {
	dir string
	l   *applogger.Logger
}

func NewCSVBarSource(dir string, l *applogger.Logger) *CSVBarSource {
	if l == nil {
		l = applogger.Nop()
	}
	return &CSVBarSource{dir: dir, l: l}
}

var csvColumns = []string{"date", "open", "high", "low", "close", "volume"}

func (s *CSVBarSource) GetDailyBars(ctx context.Context, inst models.Instrument, from time.Time) ([]models.RawBar, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	p := filepath.Join(s.dir, inst.Exchange, inst.Symbol+".csv")
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrNoBars, inst)
	}
	if err != nil {
		return nil, fmt.Errorf("open bars: %w", err)
	}
	defer f.Close()

	bars, err := ReadBarsCSV(ctx, f, from)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrNoBars, inst)
	}
	s.l.Debug("csv bars loaded", applogger.Instrument(inst), applogger.Int("rows", len(bars)))
	return bars, nil
}

// ReadBarsCSV parses a daily bar export, keeping rows dated on or after from.
// Rows are returned sorted by date; a repeated date keeps the last row.
func ReadBarsCSV(ctx context.Context, r io.Reader, from time.Time) ([]models.RawBar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	cols := make([]int, len(csvColumns))
	for i, c := range csvColumns {
		j, ok := idx[c]
		if !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
		cols[i] = j
	}

	byDate := make(map[time.Time]int)
	var bars []models.RawBar
	for line := 2; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cell := func(k int) string {
			if cols[k] < len(rec) {
				return rec[cols[k]]
			}
			return ""
		}
		date, ok := util.ParseDate(cell(0))
		if !ok {
			return nil, fmt.Errorf("line %d: invalid date %q", line, cell(0))
		}
		if date.Before(from) {
			continue
		}
		var vals [5]float64
		for k := range vals {
			if vals[k], err = util.ParseFloatOrNaN(cell(k + 1)); err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line, csvColumns[k+1], err)
			}
		}
		bar := models.RawBar{Date: date, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
		if i, dup := byDate[date]; dup {
			bars[i] = bar
			continue
		}
		byDate[date] = len(bars)
		bars = append(bars, bar)
	}
	models.SortBars(bars)
	return bars, nil
}

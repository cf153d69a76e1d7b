package repository

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
)

const sampleCSV = `Date,Open,High,Low,Close,Adj Close,Volume
2020-01-03,10,11,9,10.5,10.4,1000
2020-01-02,9,10,8,9.5,9.4,900
2020-01-06,10.5,12,10,11.5,11.4,
2020-01-06,10.5,12,10,11.75,11.6,1200
`

func TestReadBarsCSVSortsAndFills(t *testing.T) {
	bars, err := ReadBarsCSV(context.Background(), strings.NewReader(sampleCSV), time.Time{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	if bars[0].Close != 9.5 || bars[1].Close != 10.5 {
		t.Fatalf("bars not sorted: %+v", bars)
	}
	if bars[2].Close != 11.75 || bars[2].Volume != 1200 {
		t.Fatalf("duplicate date should keep the last row: %+v", bars[2])
	}
}

func TestReadBarsCSVMissingValues(t *testing.T) {
	in := "Date,Open,High,Low,Close,Volume\n2020-01-02,1,2,0.5,,10\n"
	bars, err := ReadBarsCSV(context.Background(), strings.NewReader(in), time.Time{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !math.IsNaN(bars[0].Close) {
		t.Fatalf("empty cell should be NaN, got %v", bars[0].Close)
	}
	if _, err := ReadBarsCSV(context.Background(), strings.NewReader("Date,Open,High,Low,Close\n"), time.Time{}); err == nil {
		t.Fatalf("expected missing volume column to fail")
	}
}

func TestCSVBarSourceFiltersStartDate(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "NYSE"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "NYSE", "IBM.csv"), []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewCSVBarSource(dir, nil)
	bars, err := src.GetDailyBars(context.Background(), models.NewInstrument("nyse", "ibm"), time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(bars) != 2 || !bars[0].Date.Equal(time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bars %+v", bars)
	}
	if _, err := src.GetDailyBars(context.Background(), models.NewInstrument("NYSE", "MSFT"), time.Time{}); !errors.Is(err, domrepo.ErrNoBars) {
		t.Fatalf("expected ErrNoBars, got %v", err)
	}
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	pkgch "FinCast/pkg/clickhouse"
	applogger "FinCast/pkg/logger"
)

// CHBarStore reads and writes daily bars in ClickHouse.
type CHBarStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, database string) *CHBarStore {
	return &CHBarStore{db: ch.DB(), table: database + ".daily_bars", l: applogger.Nop()}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHBarStore) GetDailyBars(ctx context.Context, inst models.Instrument, from time.Time) ([]models.RawBar, error) {
	start := time.Now()
	// FINAL collapses re-imported days to the latest ingestion.
	q := fmt.Sprintf(`
        SELECT date, open, high, low, close, volume
        FROM %s FINAL
        WHERE exchange = ? AND symbol = ? AND date >= ?
        ORDER BY date ASC
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, inst.Exchange, inst.Symbol, from)
	if err != nil {
		s.l.Error("clickhouse daily_bars query error",
			applogger.Instrument(inst),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("get daily bars: %w", err)
	}
	defer rows.Close()

	out := make([]models.RawBar, 0, 4096)
	for rows.Next() {
		var b models.RawBar
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			s.l.Error("clickhouse daily_bars scan error", applogger.Instrument(inst), applogger.Error(err))
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Date = b.Date.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrNoBars, inst)
	}
	s.l.Info("clickhouse daily_bars ok",
		applogger.Instrument(inst),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

// WriteDailyBars inserts bars in multi-row chunks. Rows with missing values
// are skipped; the engineer forward-fills them on read.
func (s *CHBarStore) WriteDailyBars(ctx context.Context, inst models.Instrument, bars []models.RawBar) error {
	const chunkSize = 2000
	written := 0
	for start := 0; start < len(bars); start += chunkSize {
		end := min(start+chunkSize, len(bars))

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*8)
		for _, b := range bars[start:end] {
			if b.HasMissing() {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, inst.Exchange, inst.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (exchange, symbol, date, open, high, low, close, volume) VALUES %s",
			s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse daily_bars insert error", applogger.Instrument(inst), applogger.Error(err))
			return fmt.Errorf("insert daily bars: %w", err)
		}
		written += len(values)
	}
	s.l.Info("clickhouse daily_bars written", applogger.Instrument(inst), applogger.Int("rows", written))
	return nil
}

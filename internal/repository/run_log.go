package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	pkgch "FinCast/pkg/clickhouse"
)

// CHRunLog appends training runs to ClickHouse.
type CHRunLog struct {
	db    *sql.DB
	table string
}

func NewCHRunLog(ch *pkgch.Client, database string) domrepo.RunLog {
	return &CHRunLog{db: ch.DB(), table: database + ".training_runs"}
}

func (r *CHRunLog) RecordRun(ctx context.Context, run models.TrainingRun) error {
	q := fmt.Sprintf(`INSERT INTO %s
        (run_id, exchange, symbol, status, epochs, val_loss, mae, rmse, mape, duration_ms, error, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table)
	_, err := r.db.ExecContext(ctx, q,
		run.RunID,
		run.Instrument.Exchange,
		run.Instrument.Symbol,
		run.Status,
		uint32(run.Epochs),
		finiteOrZero(run.ValLoss),
		run.Metrics.MAE,
		run.Metrics.RMSE,
		run.Metrics.MAPE,
		uint64(run.Duration.Milliseconds()),
		run.Error,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// NoopRunLog discards runs when no ClickHouse is configured.
type NoopRunLog struct{}

func (NoopRunLog) RecordRun(context.Context, models.TrainingRun) error { return nil }

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

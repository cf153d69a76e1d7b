package clickhouse

import "fmt"

// Schema returns the idempotent DDL for the forecasting tables in database.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.daily_bars (
			exchange LowCardinality(String),
			symbol   LowCardinality(String),
			date     Date,
			open     Float64,
			high     Float64,
			low      Float64,
			close    Float64,
			volume   Float64,
			ingested_at DateTime DEFAULT now()
		) ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY (exchange, symbol, date)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.training_runs (
			run_id     String,
			exchange   LowCardinality(String),
			symbol     LowCardinality(String),
			status     LowCardinality(String),
			epochs     UInt32,
			val_loss   Float64,
			mae        Float64,
			rmse       Float64,
			mape       Float64,
			duration_ms UInt64,
			error      String,
			started_at DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (exchange, symbol, started_at)`, database),
	}
}

package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/threatwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseStore{db: db, numbered: true, ddl: postgresDDL}, nil
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS threats (
		id TEXT PRIMARY KEY,
		ts_ns BIGINT NOT NULL,
		threat_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
		payload JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threats_ts ON threats(ts_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		threat_id TEXT NOT NULL,
		ts_ns BIGINT NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at_ns BIGINT,
		email_sent BOOLEAN NOT NULL DEFAULT FALSE,
		threat_json JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ns)`,
	`CREATE TABLE IF NOT EXISTS training_samples (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		features_json JSONB NOT NULL,
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		validated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ns BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_sessions (
		id BIGSERIAL PRIMARY KEY,
		session_type TEXT NOT NULL,
		samples_added INTEGER NOT NULL,
		model_version INTEGER NOT NULL,
		accuracy DOUBLE PRECISION NOT NULL,
		source TEXT NOT NULL,
		created_at_ns BIGINT NOT NULL
	)`,
}

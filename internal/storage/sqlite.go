package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:threatwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of concurrent pipeline writes.
	db.SetMaxOpenConns(1)
	return &baseStore{db: db, ddl: sqliteDDL}, nil
}

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS threats (
		id TEXT PRIMARY KEY,
		ts_ns INTEGER NOT NULL,
		threat_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		alert_sent INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threats_ts ON threats(ts_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		threat_id TEXT NOT NULL,
		ts_ns INTEGER NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at_ns INTEGER,
		email_sent INTEGER NOT NULL DEFAULT 0,
		threat_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts_ns)`,
	`CREATE TABLE IF NOT EXISTS training_samples (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		features_json TEXT NOT NULL,
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		validated INTEGER NOT NULL DEFAULT 0,
		created_at_ns INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_type TEXT NOT NULL,
		samples_added INTEGER NOT NULL,
		model_version INTEGER NOT NULL,
		accuracy REAL NOT NULL,
		source TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL
	)`,
}

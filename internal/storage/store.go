package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

var ErrNotFound = errors.New("not found")

type ThreatQuery struct {
	Status model.ThreatStatus
	Limit  int
	Offset int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveThreat(ctx context.Context, t model.Threat) error
	MarkThreatAlerted(ctx context.Context, id string) error
	GetThreat(ctx context.Context, id string) (model.Threat, error)
	ListThreats(ctx context.Context, q ThreatQuery) ([]model.Threat, error)
	CountThreats(ctx context.Context, status model.ThreatStatus) (int, error)

	SaveAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (model.Alert, error)
	MarkAlertEmailSent(ctx context.Context, id string) error
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)

	AddSamples(ctx context.Context, samples []model.TrainingSample) error
	ListSamples(ctx context.Context) ([]model.TrainingSample, error)
	CountSamples(ctx context.Context) (int, error)

	SaveLearningSession(ctx context.Context, s model.LearningSession) error
	ListLearningSessions(ctx context.Context, limit int) ([]model.LearningSession, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore implements Store over database/sql. Queries are written with
// '?' placeholders and rebound for dialects that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
	ddl      []string
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) bind(q string) string {
	if !b.numbered {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.bind(q), args...)
}

func (b *baseStore) SaveThreat(ctx context.Context, t model.Threat) error {
	_, err := b.exec(ctx,
		`INSERT INTO threats (id, ts_ns, threat_type, severity, status, alert_sent, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, toNanos(t.Timestamp), t.Type, string(t.Severity), string(t.Status), t.AlertSent, encodeJSON(t),
	)
	return err
}

func (b *baseStore) MarkThreatAlerted(ctx context.Context, id string) error {
	res, err := b.exec(ctx, `UPDATE threats SET alert_sent = ? WHERE id = ?`, true, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (b *baseStore) GetThreat(ctx context.Context, id string) (model.Threat, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT status, alert_sent, payload FROM threats WHERE id = ?`), id)
	t, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Threat{}, ErrNotFound
	}
	return t, err
}

func (b *baseStore) ListThreats(ctx context.Context, q ThreatQuery) ([]model.Threat, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT status, alert_sent, payload FROM threats`
	args := []any{}
	if q.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY ts_ns DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Threat{}
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *baseStore) CountThreats(ctx context.Context, status model.ThreatStatus) (int, error) {
	query := `SELECT COUNT(*) FROM threats`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	err := b.db.QueryRowContext(ctx, b.bind(query), args...).Scan(&n)
	return n, err
}

func (b *baseStore) SaveAlert(ctx context.Context, a model.Alert) error {
	_, err := b.exec(ctx,
		`INSERT INTO alerts (id, threat_id, ts_ns, acknowledged, acknowledged_by, acknowledged_at_ns, email_sent, threat_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ThreatID, toNanos(a.Timestamp), a.Acknowledged, a.AcknowledgedBy, nullNanos(a.AcknowledgedAt), a.EmailSent, encodeJSON(a.Threat),
	)
	return err
}

const alertColumns = `id, threat_id, ts_ns, acknowledged, acknowledged_by, acknowledged_at_ns, email_sent, threat_json`

func (b *baseStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	return a, err
}

func (b *baseStore) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (model.Alert, error) {
	res, err := b.exec(ctx,
		`UPDATE alerts SET acknowledged = ?, acknowledged_by = ?, acknowledged_at_ns = ? WHERE id = ?`,
		true, by, toNanos(at), id,
	)
	if err != nil {
		return model.Alert{}, err
	}
	if err := requireRow(res); err != nil {
		return model.Alert{}, err
	}
	return b.GetAlert(ctx, id)
}

func (b *baseStore) MarkAlertEmailSent(ctx context.Context, id string) error {
	res, err := b.exec(ctx, `UPDATE alerts SET email_sent = ? WHERE id = ?`, true, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (b *baseStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, b.bind(`SELECT `+alertColumns+` FROM alerts ORDER BY ts_ns DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) AddSamples(ctx context.Context, samples []model.TrainingSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.bind(
		`INSERT INTO training_samples (id, features_json, label, source, validated, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx,
			s.ID, encodeJSON(s.Features), s.Label, string(s.Source), s.Validated, toNanos(s.CreatedAt),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) ListSamples(ctx context.Context) ([]model.TrainingSample, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, features_json, label, source, validated, created_at_ns FROM training_samples ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TrainingSample{}
	for rows.Next() {
		var s model.TrainingSample
		var features, source string
		var created int64
		if err := rows.Scan(&s.ID, &features, &s.Label, &source, &s.Validated, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &s.Features); err != nil {
			return nil, fmt.Errorf("sample %s: %w", s.ID, err)
		}
		s.Source = model.SampleSource(source)
		s.CreatedAt = fromNanos(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *baseStore) CountSamples(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_samples`).Scan(&n)
	return n, err
}

func (b *baseStore) SaveLearningSession(ctx context.Context, s model.LearningSession) error {
	_, err := b.exec(ctx,
		`INSERT INTO learning_sessions (session_type, samples_added, model_version, accuracy, source, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Type, s.SamplesAdded, s.ModelVersion, s.Accuracy, s.Source, toNanos(s.CreatedAt),
	)
	return err
}

func (b *baseStore) ListLearningSessions(ctx context.Context, limit int) ([]model.LearningSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT session_type, samples_added, model_version, accuracy, source, created_at_ns
		FROM learning_sessions ORDER BY created_at_ns DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LearningSession{}
	for rows.Next() {
		var s model.LearningSession
		var created int64
		if err := rows.Scan(&s.Type, &s.SamplesAdded, &s.ModelVersion, &s.Accuracy, &s.Source, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = fromNanos(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThreat(row scanner) (model.Threat, error) {
	var status, payload string
	var alertSent bool
	if err := row.Scan(&status, &alertSent, &payload); err != nil {
		return model.Threat{}, err
	}
	var t model.Threat
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return model.Threat{}, err
	}
	t.Status = model.ThreatStatus(status)
	t.AlertSent = alertSent
	return t, nil
}

func scanAlert(row scanner) (model.Alert, error) {
	var a model.Alert
	var ts int64
	var ackAt sql.NullInt64
	var threatJSON string
	if err := row.Scan(&a.ID, &a.ThreatID, &ts, &a.Acknowledged, &a.AcknowledgedBy, &ackAt, &a.EmailSent, &threatJSON); err != nil {
		return model.Alert{}, err
	}
	a.Timestamp = fromNanos(ts)
	if ackAt.Valid {
		at := fromNanos(ackAt.Int64)
		a.AcknowledgedAt = &at
	}
	if err := json.Unmarshal([]byte(threatJSON), &a.Threat); err != nil {
		return model.Alert{}, err
	}
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return nowUTC().UnixNano()
	}
	return t.UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"authsentry/internal/schema"
)

type alertRow struct {
	ID          uuid.UUID `db:"id"`
	SubjectID   int64     `db:"subject_id"`
	DisplayName string    `db:"display_name"`
	EventIDs    []byte    `db:"event_ids"`
	RiskScore   float64   `db:"risk_score"`
	Reason      string    `db:"reason"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *alertRow) toAlert() (*schema.Alert, error) {
	alert := &schema.Alert{
		ID:          r.ID,
		SubjectID:   r.SubjectID,
		DisplayName: r.DisplayName,
		RiskScore:   r.RiskScore,
		Reason:      r.Reason,
		Status:      schema.AlertStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.EventIDs) > 0 {
		if err := json.Unmarshal(r.EventIDs, &alert.EventIDs); err != nil {
			return nil, fmt.Errorf("decode event_ids: %w", err)
		}
	}
	return alert, nil
}

const alertColumns = `id, subject_id, display_name, event_ids, risk_score,
	reason, status, created_at, updated_at`

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, alert *schema.Alert) error {
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return WrapValidationError("CreateAlert", fmt.Errorf("encode event_ids: %v", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, subject_id, display_name, event_ids, risk_score,
			reason, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		alert.ID, alert.SubjectID, alert.DisplayName, eventIDs,
		alert.RiskScore, alert.Reason, string(alert.Status),
		alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		return WrapPersistenceError("CreateAlert", "alerts", err)
	}
	return nil
}

// UpdateAlert rewrites the mutable fields of an alert. The consolidator's
// per-subject Locker has already serialized access; this only applies the
// computed state.
func (s *Store) UpdateAlert(ctx context.Context, alert *schema.Alert) error {
	eventIDs, err := json.Marshal(alert.EventIDs)
	if err != nil {
		return WrapValidationError("UpdateAlert", fmt.Errorf("encode event_ids: %v", err))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET event_ids = $2, risk_score = $3, reason = $4, updated_at = $5
		WHERE id = $1`,
		alert.ID, eventIDs, alert.RiskScore, alert.Reason, alert.UpdatedAt,
	)
	if err != nil {
		return WrapPersistenceError("UpdateAlert", "alerts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return WrapNotFoundError("UpdateAlert", "alerts", alert.ID.String())
	}
	return nil
}

// LatestOpenAlert returns the most recent open alert for the subject created
// at or after the cutoff, or ErrNotFound when none exists.
func (s *Store) LatestOpenAlert(ctx context.Context, subjectID int64, createdAfter time.Time) (*schema.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE subject_id = $1 AND status = $2 AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`,
		subjectID, string(schema.AlertOpen), createdAfter)
	if err != nil {
		if isNoRows(err) {
			return nil, WrapNotFoundError("LatestOpenAlert", "alerts", fmt.Sprintf("subject=%d", subjectID))
		}
		return nil, WrapPersistenceError("LatestOpenAlert", "alerts", err)
	}
	return row.toAlert()
}

// GetAlert fetches a single alert by id.
func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*schema.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, WrapNotFoundError("GetAlert", "alerts", id.String())
		}
		return nil, WrapPersistenceError("GetAlert", "alerts", err)
	}
	return row.toAlert()
}

// AlertFilter is an optional conjunction of alert query filters.
type AlertFilter struct {
	Status    *schema.AlertStatus
	SubjectID *int64
	MinScore  *float64
	Limit     int
	Offset    int
}

func buildAlertWhere(f AlertFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(expr string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.SubjectID != nil {
		add("subject_id = $%d", *f.SubjectID)
	}
	if f.MinScore != nil {
		add("risk_score >= $%d", *f.MinScore)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryAlerts returns a page of alerts matching the filter, newest first,
// together with the total match count.
func (s *Store) QueryAlerts(ctx context.Context, f AlertFilter) ([]*schema.Alert, int, error) {
	where, args := buildAlertWhere(f)

	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM alerts`+where, args...)
	if err != nil {
		return nil, 0, WrapPersistenceError("QueryAlerts", "alerts", err)
	}

	query := fmt.Sprintf(
		`SELECT `+alertColumns+` FROM alerts%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, WrapPersistenceError("QueryAlerts", "alerts", err)
	}

	alerts := make([]*schema.Alert, 0, len(rows))
	for i := range rows {
		alert, err := rows[i].toAlert()
		if err != nil {
			return nil, 0, WrapPersistenceError("QueryAlerts", "alerts", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, total, nil
}

// UpdateAlertStatus applies an operator status change to one alert.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status schema.AlertStatus) (*schema.Alert, error) {
	if !status.IsValid() {
		return nil, WrapValidationError("UpdateAlertStatus", fmt.Errorf("unknown alert status %q", status))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return nil, WrapPersistenceError("UpdateAlertStatus", "alerts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, WrapNotFoundError("UpdateAlertStatus", "alerts", id.String())
	}
	return s.GetAlert(ctx, id)
}

// AdvisoryLocker serializes critical sections with PostgreSQL session
// advisory locks. It is an alternative to the Redis locker for deployments
// where Redis is not available; both locks are cross-process.
type AdvisoryLocker struct {
	db *sqlx.DB
}

// NewAdvisoryLocker creates an advisory locker on the store's database.
func (s *Store) NewAdvisoryLocker() *AdvisoryLocker {
	return &AdvisoryLocker{db: s.db}
}

// WithLock runs fn while holding the advisory lock derived from key.
// The lock is held on a dedicated connection so it cannot leak across the
// pool, and is always released before returning.
func (l *AdvisoryLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return WrapPersistenceError("WithLock", "", err)
	}
	defer conn.Close()

	id := advisoryKey(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		return WrapPersistenceError("WithLock", "", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, id)

	return fn(ctx)
}

// advisoryKey hashes a lock key to the int64 space advisory locks use.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/schema"
)

// HistoryField selects which optional event field a history lookup reads.
type HistoryField string

const (
	FieldIP              HistoryField = "ip"
	FieldClientSignature HistoryField = "client_signature"
)

// eventRow is the database representation of an AuthEvent.
type eventRow struct {
	ID              uuid.UUID       `db:"id"`
	SubjectID       int64           `db:"subject_id"`
	DisplayName     string          `db:"display_name"`
	Kind            string          `db:"kind"`
	IP              sql.NullString  `db:"ip"`
	ClientSignature sql.NullString  `db:"client_signature"`
	Timestamp       time.Time       `db:"ts"`
	Metadata        []byte          `db:"metadata"`
	RiskScore       sql.NullFloat64 `db:"risk_score"`
	RiskReason      sql.NullString  `db:"risk_reason"`
	AnalyzedAt      sql.NullTime    `db:"analyzed_at"`
	ReceivedAt      time.Time       `db:"received_at"`
}

func (r *eventRow) toEvent() (*schema.AuthEvent, error) {
	ev := &schema.AuthEvent{
		ID:              r.ID,
		SubjectID:       r.SubjectID,
		DisplayName:     r.DisplayName,
		Kind:            schema.EventKind(r.Kind),
		IP:              r.IP.String,
		ClientSignature: r.ClientSignature.String,
		Timestamp:       r.Timestamp,
		RiskReason:      r.RiskReason.String,
		ReceivedAt:      r.ReceivedAt,
	}
	if r.RiskScore.Valid {
		score := r.RiskScore.Float64
		ev.RiskScore = &score
	}
	if r.AnalyzedAt.Valid {
		at := r.AnalyzedAt.Time
		ev.AnalyzedAt = &at
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ev, nil
}

const eventColumns = `id, subject_id, display_name, kind, ip, client_signature,
	ts, metadata, risk_score, risk_reason, analyzed_at, received_at`

// AppendEvent durably appends an immutable event. The write is immediately
// visible to subsequent reads.
func (s *Store) AppendEvent(ctx context.Context, ev *schema.AuthEvent) error {
	if ev.SubjectID <= 0 {
		return WrapValidationError("AppendEvent", fmt.Errorf("subject_id must be positive, got %d", ev.SubjectID))
	}
	if !ev.Kind.IsValid() {
		return WrapValidationError("AppendEvent", fmt.Errorf("unknown event kind %q", ev.Kind))
	}
	if ev.Timestamp.IsZero() {
		return WrapValidationError("AppendEvent", errors.New("timestamp is required"))
	}

	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return WrapValidationError("AppendEvent", fmt.Errorf("encode metadata: %v", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_events (
			id, subject_id, display_name, kind, ip, client_signature,
			ts, metadata, received_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)`,
		ev.ID, ev.SubjectID, ev.DisplayName, string(ev.Kind),
		ev.IP, ev.ClientSignature, ev.Timestamp, metadataJSON, ev.ReceivedAt,
	)
	if err != nil {
		return WrapPersistenceError("AppendEvent", "auth_events", err)
	}
	return nil
}

// AttachAssessment writes assessment results onto an event exactly once.
// A second attach for the same event returns ErrAlreadyAssessed and leaves
// the original score untouched.
func (s *Store) AttachAssessment(ctx context.Context, id uuid.UUID, score float64, reason string, analyzedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_events
		SET risk_score = $2, risk_reason = $3, analyzed_at = $4
		WHERE id = $1 AND risk_score IS NULL`,
		id, score, reason, analyzedAt,
	)
	if err != nil {
		return WrapPersistenceError("AttachAssessment", "auth_events", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return WrapPersistenceError("AttachAssessment", "auth_events", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM auth_events WHERE id = $1)`, id)
	if err != nil {
		return WrapPersistenceError("AttachAssessment", "auth_events", err)
	}
	if !exists {
		return WrapNotFoundError("AttachAssessment", "auth_events", id.String())
	}
	return &StoreError{Op: "AttachAssessment", Table: "auth_events", Err: ErrAlreadyAssessed}
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*schema.AuthEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+eventColumns+` FROM auth_events WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, WrapNotFoundError("GetEvent", "auth_events", id.String())
		}
		return nil, WrapPersistenceError("GetEvent", "auth_events", err)
	}
	return row.toEvent()
}

// EventFilter is an optional conjunction of event query filters.
type EventFilter struct {
	SubjectID *int64
	Kind      *schema.EventKind
	Start     *time.Time // inclusive
	End       *time.Time // exclusive
	Limit     int
	Offset    int
}

// buildEventWhere renders the filter as a WHERE fragment with positional args.
func buildEventWhere(f EventFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(expr string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.SubjectID != nil {
		add("subject_id = $%d", *f.SubjectID)
	}
	if f.Kind != nil {
		add("kind = $%d", string(*f.Kind))
	}
	if f.Start != nil {
		add("ts >= $%d", *f.Start)
	}
	if f.End != nil {
		add("ts < $%d", *f.End)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryEvents returns a page of events matching the filter, newest first,
// together with the total match count.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]*schema.AuthEvent, int, error) {
	where, args := buildEventWhere(f)

	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM auth_events`+where, args...)
	if err != nil {
		return nil, 0, WrapPersistenceError("QueryEvents", "auth_events", err)
	}

	query := fmt.Sprintf(
		`SELECT `+eventColumns+` FROM auth_events%s ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, WrapPersistenceError("QueryEvents", "auth_events", err)
	}

	events := make([]*schema.AuthEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, 0, WrapPersistenceError("QueryEvents", "auth_events", err)
		}
		events = append(events, ev)
	}
	return events, total, nil
}

// CountOfKind counts events of the given kind for a subject inside the
// half-open window [since, before).
func (s *Store) CountOfKind(ctx context.Context, subjectID int64, kind schema.EventKind, since, before time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM auth_events
		WHERE subject_id = $1 AND kind = $2 AND ts >= $3 AND ts < $4`,
		subjectID, string(kind), since, before)
	if err != nil {
		return 0, WrapPersistenceError("CountOfKind", "auth_events", err)
	}
	return count, nil
}

// LastFieldValue returns the selected field of the most recent event of the
// given kind strictly before the instant, skipping events where the field is
// null. The second return is false when no such event exists.
func (s *Store) LastFieldValue(ctx context.Context, subjectID int64, kind schema.EventKind, field HistoryField, before time.Time) (string, bool, error) {
	var column string
	switch field {
	case FieldIP:
		column = "ip"
	case FieldClientSignature:
		column = "client_signature"
	default:
		return "", false, WrapValidationError("LastFieldValue", fmt.Errorf("unknown history field %q", field))
	}

	var value string
	err := s.db.GetContext(ctx, &value, fmt.Sprintf(`
		SELECT %s FROM auth_events
		WHERE subject_id = $1 AND kind = $2 AND ts < $3 AND %s IS NOT NULL
		ORDER BY ts DESC LIMIT 1`, column, column),
		subjectID, string(kind), before)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, WrapPersistenceError("LastFieldValue", "auth_events", err)
	}
	return value, true, nil
}

// EventsBetween returns events with timestamp in [since, before), oldest
// first, for archive export.
func (s *Store) EventsBetween(ctx context.Context, since, before time.Time, limit int) ([]*schema.AuthEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+eventColumns+` FROM auth_events
		 WHERE ts >= $1 AND ts < $2 ORDER BY ts ASC LIMIT $3`,
		since, before, limit)
	if err != nil {
		return nil, WrapPersistenceError("EventsBetween", "auth_events", err)
	}

	events := make([]*schema.AuthEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, WrapPersistenceError("EventsBetween", "auth_events", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

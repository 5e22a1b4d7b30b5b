// Package correlation computes time-windowed aggregates over stored
// authentication events for a subject, as of a given instant.
package correlation

import (
	"context"
	"time"

	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// HistoryReader is the slice of the event store the engine reads.
type HistoryReader interface {
	CountOfKind(ctx context.Context, subjectID int64, kind schema.EventKind, since, before time.Time) (int, error)
	LastFieldValue(ctx context.Context, subjectID int64, kind schema.EventKind, field store.HistoryField, before time.Time) (string, bool, error)
}

// Engine answers windowed history questions anchored to an event's own
// timestamp rather than wall-clock time, keeping assessments replayable.
type Engine struct {
	history HistoryReader
}

// NewEngine creates a correlation engine over the given history.
func NewEngine(history HistoryReader) *Engine {
	return &Engine{history: history}
}

// CountInWindow counts events of the kind for the subject inside the
// half-open window [at-window, at). The event being assessed carries
// timestamp `at` and is therefore never counted against itself.
func (e *Engine) CountInWindow(ctx context.Context, subjectID int64, kind schema.EventKind, at time.Time, window time.Duration) (int, error) {
	return e.history.CountOfKind(ctx, subjectID, kind, at.Add(-window), at)
}

// ChangedSinceLastSuccess reports whether the given field value differs from
// the most recent successful login strictly before the instant. A subject
// with no prior successful login reports no change: absence is not a change.
func (e *Engine) ChangedSinceLastSuccess(ctx context.Context, subjectID int64, field store.HistoryField, current string, before time.Time) (bool, error) {
	if current == "" {
		return false, nil
	}
	last, ok, err := e.history.LastFieldValue(ctx, subjectID, schema.KindLoginSuccess, field, before)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return last != current, nil
}

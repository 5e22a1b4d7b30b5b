package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"authsentry/internal/schema"
)

// AssessmentFilter selects assessed events (risk_score attached).
type AssessmentFilter struct {
	SubjectID *int64
	MinScore  *float64
	MaxScore  *float64
	Start     *time.Time // inclusive
	End       *time.Time // inclusive, matching the query boundary contract
	SortBy    string     // "risk_score" or "timestamp"
	Order     string     // "asc" or "desc"
	Limit     int
	Offset    int
}

// Validate rejects inconsistent filters before any query runs.
func (f AssessmentFilter) Validate() error {
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return WrapValidationError("AssessmentFilter",
			fmt.Errorf("min_score %.2f greater than max_score %.2f", *f.MinScore, *f.MaxScore))
	}
	switch f.SortBy {
	case "", "risk_score", "timestamp":
	default:
		return WrapValidationError("AssessmentFilter", fmt.Errorf("unknown sort field %q", f.SortBy))
	}
	switch f.Order {
	case "", "asc", "desc":
	default:
		return WrapValidationError("AssessmentFilter", fmt.Errorf("unknown sort order %q", f.Order))
	}
	return nil
}

// buildAssessmentWhere renders the filter as a WHERE fragment. Assessed
// events are those with a risk score attached.
func buildAssessmentWhere(f AssessmentFilter) (string, []any) {
	clauses := []string{"risk_score IS NOT NULL"}
	var args []any

	add := func(expr string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.SubjectID != nil {
		add("subject_id = $%d", *f.SubjectID)
	}
	if f.MinScore != nil {
		add("risk_score >= $%d", *f.MinScore)
	}
	if f.MaxScore != nil {
		add("risk_score <= $%d", *f.MaxScore)
	}
	if f.Start != nil {
		add("ts >= $%d", *f.Start)
	}
	if f.End != nil {
		add("ts <= $%d", *f.End)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f AssessmentFilter) orderClause() string {
	column := "risk_score"
	if f.SortBy == "timestamp" {
		column = "ts"
	}
	dir := "DESC"
	if f.Order == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", column, dir)
}

// QueryAssessments returns a page of assessed events matching the filter,
// together with the total match count.
func (s *Store) QueryAssessments(ctx context.Context, f AssessmentFilter) ([]*schema.AuthEvent, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}

	where, args := buildAssessmentWhere(f)

	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM auth_events`+where, args...)
	if err != nil {
		return nil, 0, WrapPersistenceError("QueryAssessments", "auth_events", err)
	}

	query := fmt.Sprintf(
		`SELECT `+eventColumns+` FROM auth_events%s%s LIMIT $%d OFFSET $%d`,
		where, f.orderClause(), len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, WrapPersistenceError("QueryAssessments", "auth_events", err)
	}

	events := make([]*schema.AuthEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, 0, WrapPersistenceError("QueryAssessments", "auth_events", err)
		}
		events = append(events, ev)
	}
	return events, total, nil
}

// Statistics aggregates assessed events into fixed risk bands.
// Bands: high > 0.7, medium in (0.4, 0.7], low <= 0.4.
type Statistics struct {
	Total   int     `json:"total"`
	High    int     `json:"high"`
	Medium  int     `json:"medium"`
	Low     int     `json:"low"`
	Average float64 `json:"average"`
}

// Band boundaries. High is strictly above 0.7; 0.7 itself is medium and
// 0.4 itself is low.
const (
	highBand   = 0.7
	mediumBand = 0.4
)

// statsAccumulator folds scores into the fixed bands one at a time.
type statsAccumulator struct {
	total, high, medium, low int
	sum                      float64
}

func (a *statsAccumulator) add(score float64) {
	a.total++
	a.sum += score
	switch {
	case score > highBand:
		a.high++
	case score > mediumBand:
		a.medium++
	default:
		a.low++
	}
}

// stats reports the accumulated counts. The average is 0.0 over an empty set.
func (a *statsAccumulator) stats() Statistics {
	s := Statistics{
		Total:  a.total,
		High:   a.high,
		Medium: a.medium,
		Low:    a.low,
	}
	if a.total > 0 {
		s.Average = RoundScore(a.sum / float64(a.total))
	}
	return s
}

// AssessmentStats computes band counts and the mean score over the filtered
// set, streaming scores so banding lives in one place.
func (s *Store) AssessmentStats(ctx context.Context, f AssessmentFilter) (Statistics, error) {
	if err := f.Validate(); err != nil {
		return Statistics{}, err
	}

	where, args := buildAssessmentWhere(f)

	rows, err := s.db.QueryxContext(ctx,
		`SELECT risk_score FROM auth_events`+where, args...)
	if err != nil {
		return Statistics{}, WrapPersistenceError("AssessmentStats", "auth_events", err)
	}
	defer rows.Close()

	var acc statsAccumulator
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return Statistics{}, WrapPersistenceError("AssessmentStats", "auth_events", err)
		}
		acc.add(score)
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, WrapPersistenceError("AssessmentStats", "auth_events", err)
	}

	return acc.stats(), nil
}

// RoundScore rounds to 4 decimal places for reporting.
func RoundScore(v float64) float64 {
	return math.Round(v*10000) / 10000
}

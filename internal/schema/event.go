// Package schema defines the canonical types for authentication events,
// risk assessments, and security alerts.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// AuthEvent is an immutable authentication lifecycle fact received from the
// identity provider. It is created once at ingestion and never mutated,
// except to attach the assessment result fields exactly once.
type AuthEvent struct {
	ID          uuid.UUID `json:"id"`
	SubjectID   int64     `json:"subject_id"`
	DisplayName string    `json:"display_name"`
	Kind        EventKind `json:"kind"`

	// Optional origin details.
	IP              string `json:"ip,omitempty"`
	ClientSignature string `json:"client_signature,omitempty"`

	// Timestamp is caller-supplied and anchors all correlation windows.
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Assessment results, attached post-hoc. RiskScore stays nil until the
	// event has been assessed; it is never overwritten afterwards.
	RiskScore  *float64   `json:"risk_score,omitempty"`
	RiskReason string     `json:"risk_reason,omitempty"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Assessed reports whether an assessment has been attached to the event.
func (e *AuthEvent) Assessed() bool {
	return e.RiskScore != nil
}

// EventKind enumerates the authentication event kinds accepted at ingestion.
type EventKind string

const (
	KindLoginSuccess         EventKind = "login_success"
	KindLoginFailure         EventKind = "login_failure"
	Kind2FASuccess           EventKind = "2fa_success"
	Kind2FAFailure           EventKind = "2fa_failure"
	KindPasswordReset        EventKind = "password_reset"
	KindPasswordResetRequest EventKind = "password_reset_request"
	KindAccountLocked        EventKind = "account_locked"
	KindAccountUnlocked      EventKind = "account_unlocked"
)

// IsValid checks if the event kind is a valid value.
func (k EventKind) IsValid() bool {
	switch k {
	case KindLoginSuccess, KindLoginFailure,
		Kind2FASuccess, Kind2FAFailure,
		KindPasswordReset, KindPasswordResetRequest,
		KindAccountLocked, KindAccountUnlocked:
		return true
	}
	return false
}

// EventKinds lists every valid event kind, in a stable order.
func EventKinds() []EventKind {
	return []EventKind{
		KindLoginSuccess, KindLoginFailure,
		Kind2FASuccess, Kind2FAFailure,
		KindPasswordReset, KindPasswordResetRequest,
		KindAccountLocked, KindAccountUnlocked,
	}
}

// RiskAssessment is the derived, per-event result of risk scoring.
// It is not persisted as its own entity; its fields are written back onto
// the assessed AuthEvent.
type RiskAssessment struct {
	// Score is in the closed interval [0, 1].
	Score float64 `json:"risk_score"`

	// Notify reports whether the score met the notification threshold.
	Notify bool `json:"notify"`

	// Reason is the semicolon-joined list of triggered rule explanations,
	// or a fixed sentence when nothing triggered.
	Reason string `json:"reason"`

	// Confidence is 1.0 for the rule-based path, assessor-supplied otherwise.
	Confidence float64 `json:"confidence"`
}

// AlertStatus enumerates the lifecycle states of a security alert.
// Transitions out of reviewed or resolved happen only by explicit operator
// action, never automatically.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertReviewed AlertStatus = "reviewed"
	AlertResolved AlertStatus = "resolved"
)

// IsValid checks if the alert status is a valid value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertOpen, AlertReviewed, AlertResolved:
		return true
	}
	return false
}

// Alert is the mutable aggregate produced by consolidating high-risk
// assessments for a subject within the consolidation window.
type Alert struct {
	ID          uuid.UUID   `json:"id"`
	SubjectID   int64       `json:"subject_id"`
	DisplayName string      `json:"display_name"`
	EventIDs    []uuid.UUID `json:"event_ids"`

	// RiskScore is the maximum of all contributing assessments and is
	// monotonically non-decreasing over the alert's lifetime.
	RiskScore float64     `json:"risk_score"`
	Reason    string      `json:"reason"`
	Status    AlertStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasEvent reports whether the event id is already attached to the alert.
func (a *Alert) HasEvent(id uuid.UUID) bool {
	for _, eid := range a.EventIDs {
		if eid == id {
			return true
		}
	}
	return false
}

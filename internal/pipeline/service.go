// Package pipeline routes ingested authentication events through storage,
// risk scoring, and alert consolidation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/alerting"
	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// EventInput is the ingestion record consumed from the identity provider,
// over HTTP or Kafka.
type EventInput struct {
	SubjectID       int64          `json:"subject_id" validate:"required,gt=0"`
	DisplayName     string         `json:"display_name" validate:"required,min=1,max=255"`
	Kind            string         `json:"kind" validate:"required,event_kind"`
	IP              string         `json:"ip,omitempty" validate:"omitempty,max=45"`
	ClientSignature string         `json:"client_signature,omitempty" validate:"omitempty,max=500"`
	Timestamp       string         `json:"timestamp" validate:"required"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EventStore is the slice of the store the pipeline writes.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *schema.AuthEvent) error
	AttachAssessment(ctx context.Context, id uuid.UUID, score float64, reason string, analyzedAt time.Time) error
}

// Scorer produces a risk assessment per event.
type Scorer interface {
	Assess(ctx context.Context, event *schema.AuthEvent) schema.RiskAssessment
}

// Recorder consolidates qualifying assessments into alerts.
type Recorder interface {
	Record(ctx context.Context, subjectID int64, displayName string, eventID uuid.UUID, assessment schema.RiskAssessment) (alerting.Outcome, error)
}

// Mirror receives assessed events for analytics. Writes are best-effort.
type Mirror interface {
	Write(ev *schema.AuthEvent) error
}

// AlertNotice is published to the downstream alert stream.
type AlertNotice struct {
	AlertID   uuid.UUID `json:"alert_id"`
	SubjectID int64     `json:"subject_id"`
	EventID   uuid.UUID `json:"event_id"`
	RiskScore float64   `json:"risk_score"`
	Reason    string    `json:"reason"`
	Merged    bool      `json:"merged"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits alert notices to downstream consumers.
type Publisher interface {
	PublishAlert(ctx context.Context, notice AlertNotice) error
}

// Service is the ingestion pipeline. Appending the event is the only step
// whose failure reaches the caller; scoring, attachment, consolidation,
// and mirroring degrade gracefully.
type Service struct {
	store     EventStore
	scorer    Scorer
	recorder  Recorder
	mirror    Mirror
	publisher Publisher
	validator *schema.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// New creates the ingestion pipeline. Mirror and publisher may be nil.
func New(st EventStore, scorer Scorer, recorder Recorder, validator *schema.Validator, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		scorer:    scorer,
		recorder:  recorder,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMirror attaches an analytics mirror.
func (s *Service) WithMirror(m Mirror) *Service {
	s.mirror = m
	return s
}

// WithPublisher attaches an alert stream publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// ParseInput validates an ingestion record and converts it to an event.
func (s *Service) ParseInput(in EventInput) (*schema.AuthEvent, error) {
	if err := s.validator.ValidateStruct(in); err != nil {
		return nil, store.WrapValidationError("ParseInput", err)
	}

	ts, err := time.Parse(time.RFC3339, in.Timestamp)
	if err != nil {
		return nil, store.WrapValidationError("ParseInput", fmt.Errorf("invalid timestamp %q: %v", in.Timestamp, err))
	}

	event := &schema.AuthEvent{
		ID:              uuid.New(),
		SubjectID:       in.SubjectID,
		DisplayName:     in.DisplayName,
		Kind:            schema.EventKind(in.Kind),
		IP:              in.IP,
		ClientSignature: in.ClientSignature,
		Timestamp:       ts.UTC(),
		Metadata:        in.Metadata,
		ReceivedAt:      s.now().UTC(),
	}

	if err := s.validator.Validate(event); err != nil {
		return nil, store.WrapValidationError("ParseInput", err)
	}
	return event, nil
}

// Ingest appends the event durably, then assesses it. The returned id is
// valid as soon as the append commits; every later step logs and degrades
// instead of failing the ingestion.
func (s *Service) Ingest(ctx context.Context, in EventInput) (uuid.UUID, error) {
	event, err := s.ParseInput(in)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("event ingested",
		"event_id", event.ID,
		"subject_id", event.SubjectID,
		"kind", event.Kind,
	)

	s.assess(ctx, event)
	return event.ID, nil
}

// assess runs scoring, attachment, consolidation, and mirroring for an
// already-durable event. No failure here may undo the append.
func (s *Service) assess(ctx context.Context, event *schema.AuthEvent) {
	assessment := s.scorer.Assess(ctx, event)
	analyzedAt := s.now().UTC()

	if err := s.store.AttachAssessment(ctx, event.ID, assessment.Score, assessment.Reason, analyzedAt); err != nil {
		// The event stays ingested and unassessed rather than lost.
		s.logger.Error("failed to attach assessment",
			"event_id", event.ID, "error", err)
		return
	}

	score := assessment.Score
	event.RiskScore = &score
	event.RiskReason = assessment.Reason
	event.AnalyzedAt = &analyzedAt

	if s.mirror != nil {
		if err := s.mirror.Write(event); err != nil {
			s.logger.Warn("analytics mirror write failed",
				"event_id", event.ID, "error", err)
		}
	}

	if !assessment.Notify {
		return
	}

	s.logger.Warn("high risk event detected",
		"event_id", event.ID,
		"subject_id", event.SubjectID,
		"risk_score", assessment.Score,
		"reason", assessment.Reason,
	)

	outcome, err := s.recorder.Record(ctx, event.SubjectID, event.DisplayName, event.ID, assessment)
	if err != nil {
		// A missed alert is a recoverable gap; the event is already durable.
		s.logger.Error("alert consolidation failed",
			"event_id", event.ID, "subject_id", event.SubjectID, "error", err)
		return
	}

	if s.publisher != nil {
		notice := AlertNotice{
			AlertID:   outcome.AlertID,
			SubjectID: event.SubjectID,
			EventID:   event.ID,
			RiskScore: assessment.Score,
			Reason:    assessment.Reason,
			Merged:    outcome.Merged,
			Timestamp: analyzedAt,
		}
		if err := s.publisher.PublishAlert(ctx, notice); err != nil {
			s.logger.Warn("alert publish failed",
				"alert_id", outcome.AlertID, "error", err)
		}
	}
}

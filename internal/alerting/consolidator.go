package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// AlertRepo is the slice of the store the consolidator mutates.
type AlertRepo interface {
	LatestOpenAlert(ctx context.Context, subjectID int64, createdAfter time.Time) (*schema.Alert, error)
	CreateAlert(ctx context.Context, alert *schema.Alert) error
	UpdateAlert(ctx context.Context, alert *schema.Alert) error
}

// ConsolidatorConfig holds alert consolidation configuration.
type ConsolidatorConfig struct {
	// Window is the consolidation window, measured from wall-clock now.
	// This governs live alert fatigue, unlike the correlation windows
	// which anchor on event time for replayability.
	Window time.Duration `yaml:"window"`

	// MaxEventsPerAlert bounds event attachment per alert.
	MaxEventsPerAlert int `yaml:"max_events_per_alert"`
}

// DefaultConsolidatorConfig returns the default consolidation configuration.
func DefaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfig{
		Window:            5 * time.Minute,
		MaxEventsPerAlert: 10,
	}
}

// Outcome reports the consolidation decision for one qualifying assessment.
type Outcome struct {
	AlertID uuid.UUID
	Merged  bool
}

// Consolidator merges qualifying assessments into open alerts, creating a
// new alert only when no open alert exists for the subject inside the
// consolidation window.
type Consolidator struct {
	alerts AlertRepo
	locker Locker
	cfg    ConsolidatorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewConsolidator creates a consolidator.
func NewConsolidator(alerts AlertRepo, locker Locker, cfg ConsolidatorConfig, logger *slog.Logger) *Consolidator {
	return &Consolidator{
		alerts: alerts,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Record consolidates one qualifying assessment. Callers invoke it only when
// the assessment crossed the notification threshold. The find-or-create
// decision and the mutation run under the per-subject lock, so two
// concurrent qualifying events for the same subject never create separate
// alerts inside one window.
func (c *Consolidator) Record(ctx context.Context, subjectID int64, displayName string, eventID uuid.UUID, assessment schema.RiskAssessment) (Outcome, error) {
	var out Outcome

	key := fmt.Sprintf("alerts:subject:%d", subjectID)
	err := c.locker.WithLock(ctx, key, func(ctx context.Context) error {
		cutoff := c.now().UTC().Add(-c.cfg.Window)

		alert, err := c.alerts.LatestOpenAlert(ctx, subjectID, cutoff)
		switch {
		case err == nil:
			out, err = c.merge(ctx, alert, eventID, assessment)
			return err
		case store.IsNotFound(err):
			out, err = c.create(ctx, subjectID, displayName, eventID, assessment)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Outcome{}, err
	}

	c.logger.Info("alert recorded",
		"alert_id", out.AlertID,
		"subject_id", subjectID,
		"merged", out.Merged,
		"risk_score", assessment.Score,
	)
	return out, nil
}

// merge folds the event into an existing open alert. Retried events and
// events arriving after the attachment cap both resolve to the existing
// alert without mutating it.
func (c *Consolidator) merge(ctx context.Context, alert *schema.Alert, eventID uuid.UUID, assessment schema.RiskAssessment) (Outcome, error) {
	out := Outcome{AlertID: alert.ID, Merged: true}

	if alert.HasEvent(eventID) {
		return out, nil
	}
	if len(alert.EventIDs) >= c.cfg.MaxEventsPerAlert {
		// The event is covered by the existing alert for notification
		// purposes even though it cannot be attached.
		return out, nil
	}

	alert.EventIDs = append(alert.EventIDs, eventID)
	if assessment.Score > alert.RiskScore {
		alert.RiskScore = assessment.Score
	}
	if !strings.Contains(alert.Reason, assessment.Reason) {
		alert.Reason = alert.Reason + "; " + assessment.Reason
	}
	alert.UpdatedAt = c.now().UTC()

	if err := c.alerts.UpdateAlert(ctx, alert); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// create seeds a new open alert with this single event.
func (c *Consolidator) create(ctx context.Context, subjectID int64, displayName string, eventID uuid.UUID, assessment schema.RiskAssessment) (Outcome, error) {
	now := c.now().UTC()
	alert := &schema.Alert{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		DisplayName: displayName,
		EventIDs:    []uuid.UUID{eventID},
		RiskScore:   assessment.Score,
		Reason:      assessment.Reason,
		Status:      schema.AlertOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.alerts.CreateAlert(ctx, alert); err != nil {
		return Outcome{}, err
	}
	return Outcome{AlertID: alert.ID, Merged: false}, nil
}

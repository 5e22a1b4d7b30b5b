package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authsentry/internal/correlation"
	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// Rule score additions. Failed-login and failed-2FA tiers scale with the
// attempt count inside the correlation window; the sum is clamped to [0,1]
// rather than rescaled.
const (
	failedLoginLow    = 0.3 // 3-5 attempts
	failedLoginMid    = 0.5 // 6-10 attempts
	failedLoginHigh   = 0.7 // 11+ attempts
	failed2FALow      = 0.4
	failed2FAMid      = 0.6
	failed2FAHigh     = 0.8
	ipChangedScore    = 0.2
	sigChangedScore   = 0.1
	normalReason      = "Normal authentication pattern detected"
	failedReason      = "Analysis failed - defaulting to no risk"
	assistedTag       = "[assisted] "
	ipChangedReason   = "IP address changed from previous login"
	sigChangedReason  = "Client signature changed from previous login"
)

// ScorerConfig holds risk scoring configuration.
type ScorerConfig struct {
	// Threshold is the notification threshold; scores at or above it set
	// the Notify flag.
	Threshold float64 `yaml:"threshold"`

	// Window is the lookback for failure counts.
	Window time.Duration `yaml:"window"`

	// AssessorEnabled turns the assisted path on.
	AssessorEnabled bool `yaml:"assessor_enabled"`

	// AssessorTimeout bounds a single assisted call.
	AssessorTimeout time.Duration `yaml:"assessor_timeout"`
}

// DefaultScorerConfig returns the default scoring configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Threshold:       0.7,
		Window:          5 * time.Minute,
		AssessorEnabled: false,
		AssessorTimeout: 5 * time.Second,
	}
}

// Scorer produces a risk assessment per event. It tries the assisted path
// first when configured, then always has the deterministic rule path to
// fall back on. Assess never fails: scoring degrades, it does not abort.
type Scorer struct {
	engine   *correlation.Engine
	assessor Assessor
	cfg      ScorerConfig
	logger   *slog.Logger
}

// NewScorer creates a scorer. A nil assessor disables the assisted path.
func NewScorer(engine *correlation.Engine, assessor Assessor, cfg ScorerConfig, logger *slog.Logger) *Scorer {
	if assessor == nil {
		assessor = NoopAssessor{}
	}
	return &Scorer{
		engine:   engine,
		assessor: assessor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Assess analyzes one event against the subject's history as of the event's
// own timestamp.
func (s *Scorer) Assess(ctx context.Context, event *schema.AuthEvent) schema.RiskAssessment {
	if s.cfg.AssessorEnabled && s.assessor.Available() {
		if assessment, ok := s.assisted(ctx, event); ok {
			s.logger.Info("assisted risk assessment complete",
				"subject_id", event.SubjectID,
				"risk_score", assessment.Score,
				"confidence", assessment.Confidence,
			)
			return assessment
		}
		s.logger.Warn("assisted assessment unavailable, falling back to rules",
			"subject_id", event.SubjectID)
	}

	assessment := s.ruleBased(ctx, event)
	s.logger.Info("rule-based risk assessment complete",
		"subject_id", event.SubjectID,
		"risk_score", assessment.Score,
		"notify", assessment.Notify,
	)
	return assessment
}

// assisted consults the external assessor with a bounded timeout. Any
// failure, timeout, or malformed result reports not-ok so the caller falls
// through to the rule path.
func (s *Scorer) assisted(ctx context.Context, event *schema.AuthEvent) (schema.RiskAssessment, bool) {
	actx, err := s.buildContext(ctx, event)
	if err != nil {
		s.logger.Warn("failed to build assessor context", "error", err)
		return schema.RiskAssessment{}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.AssessorTimeout)
	defer cancel()

	result, err := s.assessor.Assess(callCtx, actx)
	if err != nil || result == nil {
		if err != nil {
			s.logger.Warn("assessor call failed", "error", err)
		}
		return schema.RiskAssessment{}, false
	}

	result.Reason = assistedTag + result.Reason
	return *result, true
}

// buildContext gathers the historical signals the assessor receives.
func (s *Scorer) buildContext(ctx context.Context, event *schema.AuthEvent) (AssessorContext, error) {
	failedLogins, err := s.engine.CountInWindow(ctx, event.SubjectID, schema.KindLoginFailure, event.Timestamp, s.cfg.Window)
	if err != nil {
		return AssessorContext{}, err
	}
	failed2FA, err := s.engine.CountInWindow(ctx, event.SubjectID, schema.Kind2FAFailure, event.Timestamp, s.cfg.Window)
	if err != nil {
		return AssessorContext{}, err
	}
	ipChanged, err := s.engine.ChangedSinceLastSuccess(ctx, event.SubjectID, store.FieldIP, event.IP, event.Timestamp)
	if err != nil {
		return AssessorContext{}, err
	}
	sigChanged, err := s.engine.ChangedSinceLastSuccess(ctx, event.SubjectID, store.FieldClientSignature, event.ClientSignature, event.Timestamp)
	if err != nil {
		return AssessorContext{}, err
	}

	return AssessorContext{
		Event:            *event,
		FailedLogins:     failedLogins,
		Failed2FA:        failed2FA,
		IPChanged:        ipChanged,
		SignatureChanged: sigChanged,
	}, nil
}

// ruleBased applies the deterministic scoring rules in fixed order.
// History read failures score as zero signal; only when the failure counters
// themselves are both unreadable does the scorer return the degraded
// zero-confidence assessment.
func (s *Scorer) ruleBased(ctx context.Context, event *schema.AuthEvent) schema.RiskAssessment {
	var score float64
	var reasons []string
	minutes := int(s.cfg.Window.Minutes())

	failedLogins, loginErr := s.engine.CountInWindow(ctx, event.SubjectID, schema.KindLoginFailure, event.Timestamp, s.cfg.Window)
	if loginErr != nil {
		s.logger.Error("failed login count unavailable", "subject_id", event.SubjectID, "error", loginErr)
	}
	switch {
	case failedLogins >= 11:
		score += failedLoginHigh
		reasons = append(reasons, fmt.Sprintf("Severe brute force attack detected (%d failed logins in %d minutes)", failedLogins, minutes))
	case failedLogins >= 6:
		score += failedLoginMid
		reasons = append(reasons, fmt.Sprintf("High number of failed login attempts (%d in %d minutes)", failedLogins, minutes))
	case failedLogins >= 3:
		score += failedLoginLow
		reasons = append(reasons, fmt.Sprintf("Multiple failed login attempts (%d in %d minutes)", failedLogins, minutes))
	}

	failed2FA, twoFAErr := s.engine.CountInWindow(ctx, event.SubjectID, schema.Kind2FAFailure, event.Timestamp, s.cfg.Window)
	if twoFAErr != nil {
		s.logger.Error("failed 2FA count unavailable", "subject_id", event.SubjectID, "error", twoFAErr)
	}
	switch {
	case failed2FA >= 11:
		score += failed2FAHigh
		reasons = append(reasons, fmt.Sprintf("Severe 2FA brute force attack (%d failed attempts in %d minutes)", failed2FA, minutes))
	case failed2FA >= 6:
		score += failed2FAMid
		reasons = append(reasons, fmt.Sprintf("High number of failed 2FA attempts (%d in %d minutes)", failed2FA, minutes))
	case failed2FA >= 3:
		score += failed2FALow
		reasons = append(reasons, fmt.Sprintf("Multiple failed 2FA attempts (%d in %d minutes)", failed2FA, minutes))
	}

	if loginErr != nil && twoFAErr != nil {
		return schema.RiskAssessment{
			Score:      0,
			Notify:     false,
			Reason:     failedReason,
			Confidence: 0,
		}
	}

	if event.IP != "" {
		changed, err := s.engine.ChangedSinceLastSuccess(ctx, event.SubjectID, store.FieldIP, event.IP, event.Timestamp)
		if err != nil {
			s.logger.Error("IP change check unavailable", "subject_id", event.SubjectID, "error", err)
		} else if changed {
			score += ipChangedScore
			reasons = append(reasons, ipChangedReason)
		}
	}

	if event.ClientSignature != "" {
		changed, err := s.engine.ChangedSinceLastSuccess(ctx, event.SubjectID, store.FieldClientSignature, event.ClientSignature, event.Timestamp)
		if err != nil {
			s.logger.Error("client signature change check unavailable", "subject_id", event.SubjectID, "error", err)
		} else if changed {
			score += sigChangedScore
			reasons = append(reasons, sigChangedReason)
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	reason := normalReason
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return schema.RiskAssessment{
		Score:      score,
		Notify:     score >= s.cfg.Threshold,
		Reason:     reason,
		Confidence: 1.0,
	}
}

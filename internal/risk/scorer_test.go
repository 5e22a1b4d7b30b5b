package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/correlation"
	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// fakeHistory serves counts per event kind and last-seen values per field.
type fakeHistory struct {
	failedLogins int
	failed2FA    int
	countErrs    map[schema.EventKind]error

	lastValues map[store.HistoryField]string
	lastErr    error
}

func (f *fakeHistory) CountOfKind(ctx context.Context, subjectID int64, kind schema.EventKind, since, before time.Time) (int, error) {
	if err := f.countErrs[kind]; err != nil {
		return 0, err
	}
	switch kind {
	case schema.KindLoginFailure:
		return f.failedLogins, nil
	case schema.Kind2FAFailure:
		return f.failed2FA, nil
	}
	return 0, nil
}

func (f *fakeHistory) LastFieldValue(ctx context.Context, subjectID int64, kind schema.EventKind, field store.HistoryField, before time.Time) (string, bool, error) {
	if f.lastErr != nil {
		return "", false, f.lastErr
	}
	v, ok := f.lastValues[field]
	return v, ok, nil
}

// fakeAssessor is a scripted external assessor.
type fakeAssessor struct {
	available bool
	result    *schema.RiskAssessment
	err       error
	calls     int
}

func (f *fakeAssessor) Available() bool { return f.available }

func (f *fakeAssessor) Assess(ctx context.Context, actx AssessorContext) (*schema.RiskAssessment, error) {
	f.calls++
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEvent() *schema.AuthEvent {
	return &schema.AuthEvent{
		ID:          uuid.New(),
		SubjectID:   7,
		DisplayName: "casey",
		Kind:        schema.KindLoginFailure,
		IP:          "203.0.113.7",
		Timestamp:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func newTestScorer(history *fakeHistory, assessor Assessor, enabled bool) *Scorer {
	cfg := DefaultScorerConfig()
	cfg.AssessorEnabled = enabled
	return NewScorer(correlation.NewEngine(history), assessor, cfg, testLogger())
}

func TestScorer_FailedLoginTiers(t *testing.T) {
	tests := []struct {
		name      string
		failed    int
		wantScore float64
	}{
		{"below threshold", 2, 0},
		{"low tier lower bound", 3, 0.3},
		{"low tier upper bound", 5, 0.3},
		{"mid tier lower bound", 6, 0.5},
		{"mid tier upper bound", 10, 0.5},
		{"high tier", 11, 0.7},
		{"high tier large", 40, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &fakeHistory{failedLogins: tt.failed}
			scorer := newTestScorer(history, nil, false)

			got := scorer.Assess(context.Background(), testEvent())
			if got.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", got.Score, tt.wantScore)
			}
			if got.Confidence != 1.0 {
				t.Errorf("Confidence = %v, want 1.0", got.Confidence)
			}
		})
	}
}

func TestScorer_Failed2FATiers(t *testing.T) {
	tests := []struct {
		name      string
		failed    int
		wantScore float64
	}{
		{"below threshold", 2, 0},
		{"low tier", 3, 0.4},
		{"mid tier", 6, 0.6},
		{"high tier", 11, 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &fakeHistory{failed2FA: tt.failed}
			scorer := newTestScorer(history, nil, false)

			got := scorer.Assess(context.Background(), testEvent())
			if got.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", got.Score, tt.wantScore)
			}
		})
	}
}

func TestScorer_IPChange(t *testing.T) {
	history := &fakeHistory{
		lastValues: map[store.HistoryField]string{store.FieldIP: "198.51.100.9"},
	}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0.2 {
		t.Errorf("Score = %v, want 0.2", got.Score)
	}
	if got.Reason != "IP address changed from previous login" {
		t.Errorf("Reason = %q, want the IP change reason", got.Reason)
	}
	if got.Notify {
		t.Error("Notify = true for score below threshold")
	}
}

func TestScorer_NoPriorLogin_NoChangeSignal(t *testing.T) {
	// First ever login from any IP must not look like an IP change.
	history := &fakeHistory{lastValues: map[store.HistoryField]string{}}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0 {
		t.Errorf("Score = %v, want 0 with no prior login", got.Score)
	}
	if got.Reason != "Normal authentication pattern detected" {
		t.Errorf("Reason = %q, want normal pattern reason", got.Reason)
	}
}

func TestScorer_SignatureChange(t *testing.T) {
	history := &fakeHistory{
		lastValues: map[store.HistoryField]string{store.FieldClientSignature: "Mozilla/4.0"},
	}
	scorer := newTestScorer(history, nil, false)

	event := testEvent()
	event.IP = ""
	event.ClientSignature = "Mozilla/5.0"

	got := scorer.Assess(context.Background(), event)
	if got.Score != 0.1 {
		t.Errorf("Score = %v, want 0.1", got.Score)
	}
}

func TestScorer_CombinedSignalsAndClamp(t *testing.T) {
	// 0.7 + 0.8 + 0.2 + 0.1 clamps to 1.0.
	history := &fakeHistory{
		failedLogins: 12,
		failed2FA:    12,
		lastValues: map[store.HistoryField]string{
			store.FieldIP:              "198.51.100.9",
			store.FieldClientSignature: "Mozilla/4.0",
		},
	}
	scorer := newTestScorer(history, nil, false)

	event := testEvent()
	event.ClientSignature = "Mozilla/5.0"

	got := scorer.Assess(context.Background(), event)
	if got.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0 after clamp", got.Score)
	}
	if !got.Notify {
		t.Error("Notify = false for maximal score")
	}
}

func TestScorer_NotifyAtThreshold(t *testing.T) {
	history := &fakeHistory{failedLogins: 11}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0.7 {
		t.Fatalf("Score = %v, want 0.7", got.Score)
	}
	if !got.Notify {
		t.Error("Notify = false at exactly the threshold, want true")
	}
}

func TestScorer_ReasonAggregation(t *testing.T) {
	history := &fakeHistory{
		failedLogins: 4,
		lastValues:   map[store.HistoryField]string{store.FieldIP: "198.51.100.9"},
	}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	want := fmt.Sprintf("Multiple failed login attempts (%d in %d minutes); IP address changed from previous login", 4, 5)
	if got.Reason != want {
		t.Errorf("Reason = %q, want %q", got.Reason, want)
	}
}

func TestScorer_DegradedWhenCountersUnreadable(t *testing.T) {
	history := &fakeHistory{
		countErrs: map[schema.EventKind]error{
			schema.KindLoginFailure: errors.New("db down"),
			schema.Kind2FAFailure:   errors.New("db down"),
		},
	}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0 || got.Notify {
		t.Errorf("degraded assessment = {%v %v}, want zero score and no notify", got.Score, got.Notify)
	}
	if got.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 for degraded assessment", got.Confidence)
	}
	if got.Reason != "Analysis failed - defaulting to no risk" {
		t.Errorf("Reason = %q, want degraded reason", got.Reason)
	}
}

func TestScorer_PartialCounterFailureStillScores(t *testing.T) {
	history := &fakeHistory{
		failed2FA: 6,
		countErrs: map[schema.EventKind]error{
			schema.KindLoginFailure: errors.New("db down"),
		},
	}
	scorer := newTestScorer(history, nil, false)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0.6 {
		t.Errorf("Score = %v, want 0.6 from the readable counter", got.Score)
	}
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0 for partial failure", got.Confidence)
	}
}

func TestScorer_AssistedPath(t *testing.T) {
	assessor := &fakeAssessor{
		available: true,
		result: &schema.RiskAssessment{
			Score:      0.85,
			Notify:     true,
			Reason:     "Anomalous login velocity",
			Confidence: 0.9,
		},
	}
	scorer := newTestScorer(&fakeHistory{}, assessor, true)

	got := scorer.Assess(context.Background(), testEvent())
	if got.Score != 0.85 {
		t.Errorf("Score = %v, want assessor score 0.85", got.Score)
	}
	if got.Reason != "[assisted] Anomalous login velocity" {
		t.Errorf("Reason = %q, want assisted prefix", got.Reason)
	}
	if assessor.calls != 1 {
		t.Errorf("assessor calls = %d, want 1", assessor.calls)
	}
}

func TestScorer_AssistedFallback(t *testing.T) {
	tests := []struct {
		name     string
		assessor *fakeAssessor
	}{
		{"assessor unavailable", &fakeAssessor{available: false}},
		{"assessor error", &fakeAssessor{available: true, err: errors.New("timeout")}},
		{"nil result", &fakeAssessor{available: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := &fakeHistory{failedLogins: 6}
			scorer := newTestScorer(history, tt.assessor, true)

			got := scorer.Assess(context.Background(), testEvent())
			// Fallback must be bit-identical to the plain rule path.
			want := newTestScorer(history, nil, false).Assess(context.Background(), testEvent())
			if got != want {
				t.Errorf("fallback assessment = %+v, want rule-based %+v", got, want)
			}
		})
	}
}

func TestScorer_AssessorDisabledNeverCalled(t *testing.T) {
	assessor := &fakeAssessor{available: true, result: &schema.RiskAssessment{Score: 0.9}}
	scorer := newTestScorer(&fakeHistory{}, assessor, false)

	scorer.Assess(context.Background(), testEvent())
	if assessor.calls != 0 {
		t.Errorf("assessor calls = %d, want 0 when disabled", assessor.calls)
	}
}

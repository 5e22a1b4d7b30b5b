package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/alerting"
	"authsentry/internal/schema"
	"authsentry/internal/store"
)

type fakeEventStore struct {
	appended  []*schema.AuthEvent
	appendErr error

	attached  map[uuid.UUID]float64
	attachErr error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{attached: make(map[uuid.UUID]float64)}
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev *schema.AuthEvent) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, ev)
	return nil
}

func (f *fakeEventStore) AttachAssessment(ctx context.Context, id uuid.UUID, score float64, reason string, analyzedAt time.Time) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached[id] = score
	return nil
}

type fakeScorer struct {
	assessment schema.RiskAssessment
}

func (f *fakeScorer) Assess(ctx context.Context, event *schema.AuthEvent) schema.RiskAssessment {
	return f.assessment
}

type fakeRecorder struct {
	calls   int
	lastID  uuid.UUID
	outcome alerting.Outcome
	err     error
}

func (f *fakeRecorder) Record(ctx context.Context, subjectID int64, displayName string, eventID uuid.UUID, assessment schema.RiskAssessment) (alerting.Outcome, error) {
	f.calls++
	f.lastID = eventID
	return f.outcome, f.err
}

type fakeMirror struct {
	written []*schema.AuthEvent
	err     error
}

func (f *fakeMirror) Write(ev *schema.AuthEvent) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, ev)
	return nil
}

type fakePublisher struct {
	notices []AlertNotice
	err     error
}

func (f *fakePublisher) PublishAlert(ctx context.Context, notice AlertNotice) error {
	if f.err != nil {
		return f.err
	}
	f.notices = append(f.notices, notice)
	return nil
}

func validInput() EventInput {
	return EventInput{
		SubjectID:   7,
		DisplayName: "casey",
		Kind:        "login_failure",
		IP:          "203.0.113.7",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func newTestService(st *fakeEventStore, scorer Scorer, rec Recorder) *Service {
	logger := slog.New(slog.DiscardHandler)
	return New(st, scorer, rec, schema.NewValidator(), logger)
}

func TestService_Ingest(t *testing.T) {
	st := newFakeEventStore()
	rec := &fakeRecorder{}
	svc := newTestService(st, &fakeScorer{assessment: schema.RiskAssessment{Score: 0.2, Reason: "ok"}}, rec)

	id, err := svc.Ingest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if id == uuid.Nil {
		t.Error("Ingest() returned nil id")
	}

	if len(st.appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(st.appended))
	}
	if got := st.attached[id]; got != 0.2 {
		t.Errorf("attached score = %v, want 0.2", got)
	}
	if rec.calls != 0 {
		t.Errorf("recorder calls = %d for low-risk event, want 0", rec.calls)
	}
}

func TestService_Ingest_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EventInput)
	}{
		{"missing subject", func(in *EventInput) { in.SubjectID = 0 }},
		{"unknown kind", func(in *EventInput) { in.Kind = "session_start" }},
		{"empty display name", func(in *EventInput) { in.DisplayName = "" }},
		{"missing timestamp", func(in *EventInput) { in.Timestamp = "" }},
		{"unparseable timestamp", func(in *EventInput) { in.Timestamp = "last tuesday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeEventStore()
			svc := newTestService(st, &fakeScorer{}, &fakeRecorder{})

			in := validInput()
			tt.mutate(&in)

			_, err := svc.Ingest(context.Background(), in)
			if err == nil {
				t.Fatal("Ingest() should reject invalid input")
			}
			if !store.IsValidation(err) {
				t.Errorf("error = %v, want validation error", err)
			}
			if len(st.appended) != 0 {
				t.Error("invalid input reached the store")
			}
		})
	}
}

func TestService_Ingest_StoreFailure(t *testing.T) {
	st := newFakeEventStore()
	st.appendErr = errors.New("db down")
	svc := newTestService(st, &fakeScorer{}, &fakeRecorder{})

	if _, err := svc.Ingest(context.Background(), validInput()); err == nil {
		t.Error("Ingest() should fail when the append fails")
	}
}

func TestService_Ingest_HighRiskTriggersAlert(t *testing.T) {
	st := newFakeEventStore()
	rec := &fakeRecorder{outcome: alerting.Outcome{AlertID: uuid.New()}}
	pub := &fakePublisher{}
	svc := newTestService(st, &fakeScorer{assessment: schema.RiskAssessment{Score: 0.8, Notify: true, Reason: "brute force"}}, rec)
	svc.WithPublisher(pub)

	id, err := svc.Ingest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if rec.calls != 1 {
		t.Fatalf("recorder calls = %d, want 1", rec.calls)
	}
	if rec.lastID != id {
		t.Errorf("recorded event id = %v, want %v", rec.lastID, id)
	}
	if len(pub.notices) != 1 {
		t.Fatalf("published %d notices, want 1", len(pub.notices))
	}
	if pub.notices[0].RiskScore != 0.8 {
		t.Errorf("notice score = %v, want 0.8", pub.notices[0].RiskScore)
	}
}

func TestService_Ingest_AttachFailureDoesNotFailIngest(t *testing.T) {
	st := newFakeEventStore()
	st.attachErr = errors.New("db down")
	rec := &fakeRecorder{}
	svc := newTestService(st, &fakeScorer{assessment: schema.RiskAssessment{Score: 0.9, Notify: true}}, rec)

	id, err := svc.Ingest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Ingest() error = %v, ingestion must survive attach failure", err)
	}
	if id == uuid.Nil {
		t.Error("Ingest() returned nil id")
	}
	// Without a durable assessment nothing downstream runs.
	if rec.calls != 0 {
		t.Errorf("recorder calls = %d after attach failure, want 0", rec.calls)
	}
}

func TestService_Ingest_ConsolidationFailureDoesNotFailIngest(t *testing.T) {
	st := newFakeEventStore()
	rec := &fakeRecorder{err: errors.New("lock contended")}
	pub := &fakePublisher{}
	svc := newTestService(st, &fakeScorer{assessment: schema.RiskAssessment{Score: 0.9, Notify: true}}, rec)
	svc.WithPublisher(pub)

	if _, err := svc.Ingest(context.Background(), validInput()); err != nil {
		t.Fatalf("Ingest() error = %v, ingestion must survive consolidation failure", err)
	}
	if len(pub.notices) != 0 {
		t.Error("notice published despite consolidation failure")
	}
}

func TestService_Ingest_MirrorReceivesAssessedEvent(t *testing.T) {
	st := newFakeEventStore()
	mirror := &fakeMirror{}
	svc := newTestService(st, &fakeScorer{assessment: schema.RiskAssessment{Score: 0.3, Reason: "ok"}}, &fakeRecorder{})
	svc.WithMirror(mirror)

	if _, err := svc.Ingest(context.Background(), validInput()); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(mirror.written) != 1 {
		t.Fatalf("mirror received %d events, want 1", len(mirror.written))
	}
	ev := mirror.written[0]
	if !ev.Assessed() || *ev.RiskScore != 0.3 {
		t.Error("mirror received event without attached assessment")
	}
}

func TestService_Ingest_MirrorFailureDoesNotFailIngest(t *testing.T) {
	st := newFakeEventStore()
	svc := newTestService(st, &fakeScorer{}, &fakeRecorder{})
	svc.WithMirror(&fakeMirror{err: errors.New("clickhouse down")})

	if _, err := svc.Ingest(context.Background(), validInput()); err != nil {
		t.Fatalf("Ingest() error = %v, ingestion must survive mirror failure", err)
	}
}

func TestService_ParseInput_NormalizesTimestamp(t *testing.T) {
	svc := newTestService(newFakeEventStore(), &fakeScorer{}, &fakeRecorder{})

	in := validInput()
	in.Timestamp = time.Now().In(time.FixedZone("CET", 3600)).Format(time.RFC3339)

	event, err := svc.ParseInput(in)
	if err != nil {
		t.Fatalf("ParseInput() error = %v", err)
	}
	if event.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", event.Timestamp.Location())
	}
	if event.ID == uuid.Nil {
		t.Error("ParseInput() did not assign an id")
	}
}

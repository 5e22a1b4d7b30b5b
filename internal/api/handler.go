// Package api exposes the HTTP surface: event ingestion, assessment and
// alert queries, and alert triage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"authsentry/internal/pipeline"
	"authsentry/internal/schema"
	"authsentry/internal/store"
)

// Queryer is the read side of the store served over HTTP.
type Queryer interface {
	QueryEvents(ctx context.Context, f store.EventFilter) ([]*schema.AuthEvent, int, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*schema.AuthEvent, error)
	QueryAssessments(ctx context.Context, f store.AssessmentFilter) ([]*schema.AuthEvent, int, error)
	AssessmentStats(ctx context.Context, f store.AssessmentFilter) (store.Statistics, error)
	QueryAlerts(ctx context.Context, f store.AlertFilter) ([]*schema.Alert, int, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*schema.Alert, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, status schema.AlertStatus) (*schema.Alert, error)
	Ping(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	pipeline   *pipeline.Service
	queries    Queryer
	logger     *slog.Logger
	maxPayload int
	startTime  time.Time
}

// NewHandler creates the API handler.
func NewHandler(p *pipeline.Service, q Queryer, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline:   p,
		queries:    q,
		logger:     logger,
		maxPayload: 1 << 20, // 1MB default
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// Routes registers all API routes on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleIngest)
	mux.HandleFunc("GET /v1/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/events/{id}", h.HandleGetEvent)
	mux.HandleFunc("GET /v1/assessments", h.HandleListAssessments)
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", h.HandleGetAlert)
	mux.HandleFunc("PATCH /v1/alerts/{id}", h.HandleUpdateAlert)
	mux.HandleFunc("GET /health", h.HealthCheck)
	return mux
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// HandleIngest handles POST /v1/events.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	var in pipeline.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	id, err := h.pipeline.Ingest(r.Context(), in)
	if err != nil {
		if store.IsValidation(err) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("event ingestion failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	respondJSON(w, http.StatusCreated, IngestResponse{ID: id, Status: "accepted"})
}

// ListResponse is the envelope for paged query results.
type ListResponse struct {
	Items      any               `json:"items"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
	Statistics *store.Statistics `json:"statistics,omitempty"`
}

// HandleListEvents handles GET /v1/events.
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := h.queries.QueryEvents(r.Context(), f)
	if err != nil {
		h.logger.Error("event query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, ListResponse{
		Items:  events,
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

// HandleListAssessments handles GET /v1/assessments. The response carries
// band statistics for the filtered set alongside the page.
func (h *Handler) HandleListAssessments(w http.ResponseWriter, r *http.Request) {
	f, err := parseAssessmentFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := h.queries.QueryAssessments(r.Context(), f)
	if err != nil {
		if store.IsValidation(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("assessment query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	stats, err := h.queries.AssessmentStats(r.Context(), f)
	if err != nil {
		h.logger.Error("assessment stats failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, ListResponse{
		Items:      events,
		Total:      total,
		Limit:      f.Limit,
		Offset:     f.Offset,
		Statistics: &stats,
	})
}

// HandleListAlerts handles GET /v1/alerts.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseAlertFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, total, err := h.queries.QueryAlerts(r.Context(), f)
	if err != nil {
		if store.IsValidation(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("alert query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, ListResponse{
		Items:  alerts,
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

// HandleGetEvent handles GET /v1/events/{id}.
func (h *Handler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, err := h.queries.GetEvent(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		h.logger.Error("event fetch failed", "event_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

// HandleGetAlert handles GET /v1/alerts/{id}.
func (h *Handler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	alert, err := h.queries.GetAlert(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		h.logger.Error("alert fetch failed", "alert_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

// UpdateAlertRequest is the request body for alert triage.
type UpdateAlertRequest struct {
	Status string `json:"status"`
}

// HandleUpdateAlert handles PATCH /v1/alerts/{id}.
func (h *Handler) HandleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	status := schema.AlertStatus(req.Status)
	if !status.IsValid() {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	alert, err := h.queries.UpdateAlertStatus(r.Context(), id, status)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "alert not found")
			return
		}
		if store.IsValidation(err) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("alert update failed", "alert_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}

	h.logger.Info("alert status updated", "alert_id", id, "status", status)
	respondJSON(w, http.StatusOK, alert)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if err := h.queries.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// parseEventFilter reads GET /v1/events query parameters.
func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	var f store.EventFilter
	q := r.URL.Query()

	if v := q.Get("subject_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, fmt.Errorf("invalid subject_id %q", v)
		}
		f.SubjectID = &id
	}
	if v := q.Get("kind"); v != "" {
		kind := schema.EventKind(v)
		if !kind.IsValid() {
			return f, fmt.Errorf("unknown event kind %q", v)
		}
		f.Kind = &kind
	}
	var err error
	if f.Start, err = parseTimeParam(q.Get("start")); err != nil {
		return f, err
	}
	if f.End, err = parseTimeParam(q.Get("end")); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = parsePage(r); err != nil {
		return f, err
	}
	return f, nil
}

// parseAssessmentFilter reads GET /v1/assessments query parameters.
func parseAssessmentFilter(r *http.Request) (store.AssessmentFilter, error) {
	var f store.AssessmentFilter
	q := r.URL.Query()

	if v := q.Get("subject_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, fmt.Errorf("invalid subject_id %q", v)
		}
		f.SubjectID = &id
	}
	var err error
	if f.MinScore, err = parseScoreParam(q.Get("min_score")); err != nil {
		return f, err
	}
	if f.MaxScore, err = parseScoreParam(q.Get("max_score")); err != nil {
		return f, err
	}
	if f.Start, err = parseTimeParam(q.Get("start")); err != nil {
		return f, err
	}
	if f.End, err = parseTimeParam(q.Get("end")); err != nil {
		return f, err
	}
	f.SortBy = q.Get("sort_by")
	f.Order = q.Get("order")
	if f.Limit, f.Offset, err = parsePage(r); err != nil {
		return f, err
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// parseAlertFilter reads GET /v1/alerts query parameters.
func parseAlertFilter(r *http.Request) (store.AlertFilter, error) {
	var f store.AlertFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		status := schema.AlertStatus(v)
		if !status.IsValid() {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Status = &status
	}
	if v := q.Get("subject_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, fmt.Errorf("invalid subject_id %q", v)
		}
		f.SubjectID = &id
	}
	var err error
	if f.MinScore, err = parseScoreParam(q.Get("min_score")); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = parsePage(r); err != nil {
		return f, err
	}
	return f, nil
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// parsePage reads limit and offset with bounds applied.
func parsePage(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageLimit

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", v)
	}
	t = t.UTC()
	return &t, nil
}

func parseScoreParam(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	score, err := strconv.ParseFloat(v, 64)
	if err != nil || score < 0 || score > 1 {
		return nil, fmt.Errorf("invalid score %q", v)
	}
	return &score, nil
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

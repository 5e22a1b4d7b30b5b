// Package risk scores authentication events for fraud risk.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"authsentry/internal/schema"
)

// AssessorContext carries the event under assessment together with the
// historical signals the external assessor needs.
type AssessorContext struct {
	Event schema.AuthEvent `json:"event"`

	FailedLogins int `json:"failed_logins_5min"`
	Failed2FA    int `json:"failed_2fa_5min"`

	IPChanged        bool `json:"ip_changed"`
	SignatureChanged bool `json:"client_signature_changed"`
}

// Assessor is the capability interface for external risk assessment.
// A failing or unavailable assessor always falls back to rule-based
// scoring; it never aborts an assessment.
type Assessor interface {
	// Available reports whether the assessor can currently be consulted.
	Available() bool

	// Assess produces an assessment for the context, or an error when the
	// result is missing or malformed. Implementations must respect ctx
	// cancellation and deadlines.
	Assess(ctx context.Context, actx AssessorContext) (*schema.RiskAssessment, error)
}

// NoopAssessor is the null strategy: never available, always falls back.
type NoopAssessor struct{}

// Available always reports false.
func (NoopAssessor) Available() bool { return false }

// Assess is never reached in practice; it reports unavailability.
func (NoopAssessor) Assess(context.Context, AssessorContext) (*schema.RiskAssessment, error) {
	return nil, fmt.Errorf("assessor not configured")
}

// HTTPAssessorConfig holds configuration for the external assessor client.
type HTTPAssessorConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// DefaultHTTPAssessorConfig returns the default assessor client configuration.
func DefaultHTTPAssessorConfig() HTTPAssessorConfig {
	return HTTPAssessorConfig{
		BaseURL:       "http://localhost:9100",
		Timeout:       5 * time.Second,
		ProbeInterval: 30 * time.Second,
	}
}

// HTTPAssessor consults an external assessment service over HTTP.
type HTTPAssessor struct {
	cfg        HTTPAssessorConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	lastProbe time.Time
	healthy   bool
}

// NewHTTPAssessor creates a client for the external assessor service.
func NewHTTPAssessor(cfg HTTPAssessorConfig, logger *slog.Logger) *HTTPAssessor {
	return &HTTPAssessor{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Available probes the assessor's health endpoint, caching the result for
// the configured probe interval so every assessment does not pay for it.
func (a *HTTPAssessor) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.lastProbe) < a.cfg.ProbeInterval {
		return a.healthy
	}
	a.lastProbe = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/health", nil)
	if err != nil {
		a.healthy = false
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Debug("assessor health probe failed", "error", err)
		a.healthy = false
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	a.healthy = resp.StatusCode == http.StatusOK
	return a.healthy
}

// assessorResponse is the wire format the external assessor returns.
type assessorResponse struct {
	RiskScore  *float64 `json:"risk_score"`
	Notify     bool     `json:"notify"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// Assess sends the context to the assessor and decodes the result.
// Malformed responses are errors so the caller falls back.
func (a *HTTPAssessor) Assess(ctx context.Context, actx AssessorContext) (*schema.RiskAssessment, error) {
	body, err := json.Marshal(actx)
	if err != nil {
		return nil, fmt.Errorf("encode assessor context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/assess", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assessor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assessor returned status %d", resp.StatusCode)
	}

	var out assessorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode assessor response: %w", err)
	}

	if out.RiskScore == nil || *out.RiskScore < 0 || *out.RiskScore > 1 {
		return nil, fmt.Errorf("assessor response missing or out-of-range risk_score")
	}
	confidence := 1.0
	if out.Confidence != nil {
		if *out.Confidence < 0 || *out.Confidence > 1 {
			return nil, fmt.Errorf("assessor confidence out of range")
		}
		confidence = *out.Confidence
	}

	return &schema.RiskAssessment{
		Score:      *out.RiskScore,
		Notify:     out.Notify,
		Reason:     out.Reason,
		Confidence: confidence,
	}, nil
}

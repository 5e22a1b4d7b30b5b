package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator validates authentication events before they reach the store.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    90 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_kind", func(fl validator.FieldLevel) bool {
		return EventKind(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns an error describing the offending field if validation fails.
func (v *Validator) Validate(event *AuthEvent) error {
	if event.SubjectID <= 0 {
		return fmt.Errorf("subject_id must be positive, got %d", event.SubjectID)
	}

	if l := len(event.DisplayName); l < 1 || l > 255 {
		return fmt.Errorf("display_name length must be 1..255, got %d", l)
	}

	if !event.Kind.IsValid() {
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}

	if len(event.IP) > 45 {
		return fmt.Errorf("ip exceeds 45 characters")
	}

	if len(event.ClientSignature) > 500 {
		return fmt.Errorf("client_signature exceeds 500 characters")
	}

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	now := time.Now().UTC()
	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}
	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateStruct runs tag-based validation on any annotated input struct.
// Used by the ingestion boundary before the input is converted to an event.
func (v *Validator) ValidateStruct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

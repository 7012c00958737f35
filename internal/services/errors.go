package services

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects input that can never succeed. It is never retried.
type ValidationError struct {
	Field  string `json:"field"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("invalid %s (%s): %s", e.Field, e.Rule, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, rule, reason string) *ValidationError {
	return &ValidationError{Field: field, Rule: rule, Reason: reason}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RateLimitedError means a delivery was deferred, not failed.
type RateLimitedError struct {
	Channel string
	Window  string
	RetryAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit reached for %s window, retry at %s",
		e.Channel, e.Window, e.RetryAt.Format(time.RFC3339))
}

// DeliveryError is the failure half of a SendResult.
type DeliveryError struct {
	Transient  bool
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failure (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid state transition")
)

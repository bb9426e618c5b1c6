package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// ValidateTopic checks a Topic for constraint violations.
func ValidateTopic(t *Topic) error {
	var ve ValidationError

	name := strings.TrimSpace(t.Name)
	if name == "" {
		ve.add("name", "is required")
	} else if len(name) > 200 {
		ve.add("name", "must be 200 characters or fewer")
	} else if strings.ContainsAny(name, " \t\n*>") {
		ve.add("name", "must not contain whitespace or wildcard characters")
	}
	if strings.TrimSpace(t.TenantID) == "" {
		ve.add("tenant_id", "is required")
	}
	if !t.Status.IsValid() {
		ve.add("status", fmt.Sprintf("invalid value %q", t.Status))
	}

	return ve.orNil()
}

// ValidateEndpoint checks that a subscriber endpoint is an absolute http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// ValidateRetryPolicy checks retry policy bounds.
func ValidateRetryPolicy(p RetryPolicy) error {
	var ve ValidationError
	if p.MaxRetries < 0 || p.MaxRetries > 100 {
		ve.add("retry_policy.max_retries", fmt.Sprintf("must be between 0 and 100, got %d", p.MaxRetries))
	}
	if p.BaseDelay <= 0 {
		ve.add("retry_policy.base_delay", "must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		ve.add("retry_policy.max_delay", "must be at least base_delay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		ve.add("retry_policy.jitter", "must be between 0 and 1")
	}
	return ve.orNil()
}

// ValidateSubscription checks a Subscription for constraint violations.
// The filter expression is decoded eagerly so a bad filter is rejected at
// write time; that failure wraps ErrInvalidFilter rather than ValidationError.
func ValidateSubscription(s *Subscription) error {
	var ve ValidationError

	if strings.TrimSpace(s.TenantID) == "" {
		ve.add("tenant_id", "is required")
	}
	if strings.TrimSpace(s.EventType) == "" {
		ve.add("event_type", "is required")
	}
	if strings.TrimSpace(s.SubscriberService) == "" {
		ve.add("subscriber_service", "is required")
	}
	if err := ValidateEndpoint(s.SubscriberEndpoint); err != nil {
		ve.add("subscriber_endpoint", err.Error())
	}
	if !s.Status.IsValid() {
		ve.add("status", fmt.Sprintf("invalid value %q", s.Status))
	}
	if err := ValidateRetryPolicy(s.RetryPolicy); err != nil {
		if pe, ok := err.(*ValidationError); ok {
			ve.Errors = append(ve.Errors, pe.Errors...)
		}
	}
	if ve.HasErrors() {
		return &ve
	}

	if _, err := ParseFilter(s.FilterExpression); err != nil {
		return err
	}
	return nil
}

// ValidateEvent checks the fields the router and distributor rely on.
func ValidateEvent(e *Event) error {
	var ve ValidationError

	if strings.TrimSpace(e.ID) == "" {
		ve.add("id", "is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		ve.add("type", "is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		ve.add("tenant_id", "is required")
	}
	if e.CreatedAt.IsZero() {
		ve.add("created_at", "is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		ve.add("payload", "contains invalid JSON")
	}

	return ve.orNil()
}

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription.
// Cancelled is terminal.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// String returns the string representation of the subscription status.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid checks whether the subscription status is a known value.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionCancelled:
		return true
	}
	return false
}

// Duration is a time.Duration that encodes as a Go duration string ("1s")
// in JSON. Plain integers are accepted on input as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// RetryPolicy controls how failed deliveries are retried.
// The delay before retry n (1-based) is min(BaseDelay * 2^(n-1), MaxDelay),
// optionally spread by Jitter (0.0-1.0).
type RetryPolicy struct {
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
	Jitter     float64  `json:"jitter,omitempty"`
}

// DefaultRetryPolicy is applied when a subscription is created without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  Duration(time.Second),
	MaxDelay:   Duration(5 * time.Minute),
}

// IsZero reports whether no field of the policy has been set.
func (p RetryPolicy) IsZero() bool {
	return p == RetryPolicy{}
}

// Subscription routes events of one type, for one tenant, to a webhook.
type Subscription struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	EventType          string             `json:"event_type"`
	SubscriberService  string             `json:"subscriber_service"`
	SubscriberEndpoint string             `json:"subscriber_endpoint"`
	FilterExpression   json.RawMessage    `json:"filter_expression,omitempty"`
	RetryPolicy        RetryPolicy        `json:"retry_policy"`
	Status             SubscriptionStatus `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsActive reports whether the subscription currently receives events.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

package model

import "time"

// DeliveryStatus is the state of one (event, subscription) delivery lineage.
type DeliveryStatus string

// DeliveryFailed is part of the status vocabulary but no transition produces
// it: a failed attempt lands in RETRYING or DEAD.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDead      DeliveryStatus = "dead"
)

// String returns the string representation of the delivery status.
func (s DeliveryStatus) String() string {
	return string(s)
}

// IsValid checks whether the delivery status is a known value.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryRetrying, DeliveryDead:
		return true
	}
	return false
}

// IsRecorded reports whether a stored record can be in this status.
func (s DeliveryStatus) IsRecorded() bool {
	return s.IsValid() && s != DeliveryFailed
}

// IsTerminal reports whether no further mutation is allowed.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryDead
}

// DeliveryRecord tracks delivery of one event to one subscription.
// Exactly one record exists per (EventID, SubscriptionID).
type DeliveryRecord struct {
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	TenantID       string         `json:"tenant_id"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	MaxRetries     int            `json:"max_retries"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// LeasedUntil is set while a retry sweeper owns the record.
	LeasedUntil *time.Time `json:"-"`
}

// Key returns the (event, subscription) identity used for per-key locking.
func (r *DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{EventID: r.EventID, SubscriptionID: r.SubscriptionID}
}

// DeliveryKey identifies a delivery record.
type DeliveryKey struct {
	EventID        string
	SubscriptionID string
}

// String returns "eventID/subscriptionID".
func (k DeliveryKey) String() string {
	return k.EventID + "/" + k.SubscriptionID
}

// DeliveryFilter holds criteria for querying delivery records.
// At least one of EventID, SubscriptionID or TenantID should be set by
// tenant-facing callers.
type DeliveryFilter struct {
	EventID        string           `json:"event_id,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	TenantID       string           `json:"tenant_id,omitempty"`
	Status         []DeliveryStatus `json:"status,omitempty"`
	UpdatedAfter   *time.Time       `json:"updated_after,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}

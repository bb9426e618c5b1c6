// Package events carries bus traffic over NATS: inbound events on
// kbus.events.<topic> and delivery outcome notifications on
// kbus.delivery.<status>.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// Subject constants
const (
	// SubjectEventsPrefix prefixes inbound event subjects; the remainder is
	// the topic name.
	SubjectEventsPrefix = "kbus.events."
	SubjectEventsAll    = "kbus.events.>"

	SubjectDeliveryDelivered = "kbus.delivery.delivered"
	SubjectDeliveryRetrying  = "kbus.delivery.retrying"
	SubjectDeliveryDead      = "kbus.delivery.dead"
	SubjectDeliveryAll       = "kbus.delivery.>"
)

// EventSubject returns the inbound subject for a topic.
func EventSubject(topic string) string {
	return SubjectEventsPrefix + topic
}

// TopicFromSubject extracts the topic name from an inbound event subject.
func TopicFromSubject(subject string) (string, bool) {
	topic, ok := strings.CutPrefix(subject, SubjectEventsPrefix)
	if !ok || topic == "" {
		return "", false
	}
	return topic, true
}

// OutcomeSubject returns the notification subject for a delivery status.
// Non-terminal statuses other than retrying have no subject.
func OutcomeSubject(s model.DeliveryStatus) (string, bool) {
	switch s {
	case model.DeliveryDelivered:
		return SubjectDeliveryDelivered, true
	case model.DeliveryRetrying:
		return SubjectDeliveryRetrying, true
	case model.DeliveryDead:
		return SubjectDeliveryDead, true
	}
	return "", false
}

// DeliveryOutcome is published after every delivery attempt.
type DeliveryOutcome struct {
	EventID        string               `json:"event_id"`
	SubscriptionID string               `json:"subscription_id"`
	TenantID       string               `json:"tenant_id"`
	Status         model.DeliveryStatus `json:"status"`
	AttemptCount   int                  `json:"attempt_count"`
	NextRetryAt    *time.Time           `json:"next_retry_at,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	At             time.Time            `json:"at"`
}

// NewDeliveryOutcome snapshots a record.
func NewDeliveryOutcome(rec *model.DeliveryRecord) DeliveryOutcome {
	return DeliveryOutcome{
		EventID:        rec.EventID,
		SubscriptionID: rec.SubscriptionID,
		TenantID:       rec.TenantID,
		Status:         rec.Status,
		AttemptCount:   rec.AttemptCount,
		NextRetryAt:    rec.NextRetryAt,
		LastError:      rec.LastError,
		At:             rec.UpdatedAt,
	}
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

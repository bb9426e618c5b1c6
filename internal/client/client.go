// Package client provides the interface the kbus CLI uses to talk to a bus
// server, with an HTTP/JSON implementation over the admin API and a gRPC
// health probe.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// BusClient is the interface that all kbus CLI commands use to communicate
// with the bus server. Every call acts on behalf of one tenant.
type BusClient interface {
	// Topics
	RegisterTopic(ctx context.Context, req *RegisterTopicRequest) (*model.Topic, error)
	GetTopic(ctx context.Context, name string) (*model.Topic, error)
	ListTopics(ctx context.Context) ([]*model.Topic, error)
	ActivateTopic(ctx context.Context, name string) (*model.Topic, error)
	DeactivateTopic(ctx context.Context, name string) (*model.Topic, error)
	DeleteTopic(ctx context.Context, name string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*model.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, req *UpdateSubscriptionRequest) (*model.Subscription, error)
	ActivateSubscription(ctx context.Context, id string) (*model.Subscription, error)
	DeactivateSubscription(ctx context.Context, id string) (*model.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*model.Subscription, error)

	// Deliveries
	ListDeliveries(ctx context.Context, req *ListDeliveriesRequest) ([]*model.DeliveryRecord, error)

	// Events
	Publish(ctx context.Context, topic string, req *PublishRequest) (*PublishResponse, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// RegisterTopicRequest holds parameters for registering a topic.
type RegisterTopicRequest struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreateSubscriptionRequest holds parameters for creating a subscription.
type CreateSubscriptionRequest struct {
	EventType          string             `json:"event_type"`
	SubscriberService  string             `json:"subscriber_service"`
	SubscriberEndpoint string             `json:"subscriber_endpoint"`
	FilterExpression   json.RawMessage    `json:"filter_expression,omitempty"`
	RetryPolicy        *model.RetryPolicy `json:"retry_policy,omitempty"`
}

// UpdateSubscriptionRequest holds optional changes. Nil fields are left
// unchanged; set ClearFilter to remove the filter.
type UpdateSubscriptionRequest struct {
	SubscriberEndpoint *string
	FilterExpression   json.RawMessage
	ClearFilter        bool
	RetryPolicy        *model.RetryPolicy
}

// MarshalJSON encodes a cleared filter as an explicit JSON null.
func (r UpdateSubscriptionRequest) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	if r.SubscriberEndpoint != nil {
		body["subscriber_endpoint"] = *r.SubscriberEndpoint
	}
	switch {
	case r.ClearFilter:
		body["filter_expression"] = nil
	case r.FilterExpression != nil:
		body["filter_expression"] = r.FilterExpression
	}
	if r.RetryPolicy != nil {
		body["retry_policy"] = r.RetryPolicy
	}
	return json.Marshal(body)
}

// ListDeliveriesRequest holds delivery query filters.
type ListDeliveriesRequest struct {
	EventID        string
	SubscriptionID string
	Status         []string
	Limit          int
	Offset         int
}

// PublishRequest is an event submission.
type PublishRequest struct {
	ID            string          `json:"id,omitempty"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PublishResult mirrors the bus fan-out summary.
type PublishResult struct {
	EventID    string `json:"event_id"`
	Matched    int    `json:"matched"`
	Created    int    `json:"created"`
	Dispatched int    `json:"dispatched"`
}

// PublishResponse is returned by Publish.
type PublishResponse struct {
	Event  *model.Event  `json:"event"`
	Result PublishResult `json:"result"`
}

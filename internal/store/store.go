package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// Backend-agnostic errors. Implementations translate driver errors into these.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store defines the persistence interface for the bus.
type Store interface {
	// Topics
	CreateTopic(ctx context.Context, topic *model.Topic) error // ErrConflict on (tenant, name) collision
	GetTopic(ctx context.Context, tenantID, name string) (*model.Topic, error)
	ListTopics(ctx context.Context, tenantID string) ([]*model.Topic, error)
	UpdateTopic(ctx context.Context, topic *model.Topic) error
	DeleteTopic(ctx context.Context, tenantID, name string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*model.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error

	// Events
	SaveEvent(ctx context.Context, event *model.Event) error // no-op if the ID already exists
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// Delivery records
	FindOrCreateDelivery(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, bool, error) // returns created=true when inserted
	GetDelivery(ctx context.Context, eventID, subscriptionID string) (*model.DeliveryRecord, error)
	SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error // stamps UpdatedAt and clears the lease
	ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]*model.DeliveryRecord, error)

	// DueDeliveries returns RETRYING records with NextRetryAt <= now, plus
	// PENDING records not updated since staleBefore, skipping records leased
	// past now. Returned records are leased until now+lease.
	DueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int, lease time.Duration) ([]*model.DeliveryRecord, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/kbus/internal/idgen"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// NewSubscription holds the caller-supplied fields for Create.
type NewSubscription struct {
	TenantID           string
	EventType          string
	SubscriberService  string
	SubscriberEndpoint string
	FilterExpression   json.RawMessage
	RetryPolicy        model.RetryPolicy // zero value selects model.DefaultRetryPolicy
}

// SubscriptionUpdate holds optional changes. Nil fields are left untouched.
// A FilterExpression of JSON null clears the filter.
type SubscriptionUpdate struct {
	SubscriberEndpoint *string
	FilterExpression   json.RawMessage
	RetryPolicy        *model.RetryPolicy
}

// Subscriptions is the subscription registry. A subscription belongs to the
// tenant that created it; other tenants get ErrForbidden.
type Subscriptions struct {
	store store.Store
	now   Clock
}

// NewSubscriptions creates a subscription registry over s.
func NewSubscriptions(s store.Store) *Subscriptions {
	return &Subscriptions{store: s, now: utcNow}
}

// WithClock replaces the registry clock and returns the registry.
func (r *Subscriptions) WithClock(c Clock) *Subscriptions {
	r.now = c
	return r
}

// Create validates and stores a new ACTIVE subscription. A filter that does
// not parse is rejected with ErrInvalidFilter.
func (r *Subscriptions) Create(ctx context.Context, in NewSubscription) (*model.Subscription, error) {
	id, err := idgen.SubscriptionID()
	if err != nil {
		return nil, err
	}
	policy := in.RetryPolicy
	if policy.IsZero() {
		policy = model.DefaultRetryPolicy
	}
	now := r.now()
	sub := &model.Subscription{
		ID:                 id,
		TenantID:           in.TenantID,
		EventType:          in.EventType,
		SubscriberService:  in.SubscriberService,
		SubscriberEndpoint: in.SubscriberEndpoint,
		FilterExpression:   normalizeFilter(in.FilterExpression),
		RetryPolicy:        policy,
		Status:             model.SubscriptionActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := model.ValidateSubscription(sub); err != nil {
		return nil, err
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Update applies changes to a subscription owned by tenantID. A subscription
// that belongs to another tenant is reported as not found (the error also
// matches ErrForbidden). Cancelled subscriptions cannot be updated.
func (r *Subscriptions) Update(ctx context.Context, id, tenantID string, u SubscriptionUpdate) (*model.Subscription, error) {
	sub, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, fmt.Errorf("subscription %s: %w: %w", id, model.ErrNotFound, model.ErrForbidden)
	}
	if sub.Status == model.SubscriptionCancelled {
		return nil, fmt.Errorf("update subscription %s: %w", id, model.ErrSubscriptionCancelled)
	}

	if u.SubscriberEndpoint != nil {
		sub.SubscriberEndpoint = *u.SubscriberEndpoint
	}
	if u.FilterExpression != nil {
		sub.FilterExpression = normalizeFilter(u.FilterExpression)
	}
	if u.RetryPolicy != nil {
		sub.RetryPolicy = *u.RetryPolicy
	}
	if err := model.ValidateSubscription(sub); err != nil {
		return nil, err
	}
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", id, translate(err))
	}
	return sub, nil
}

// Activate makes the subscription ACTIVE. It is a no-op if already active.
func (r *Subscriptions) Activate(ctx context.Context, id, tenantID string) (*model.Subscription, error) {
	return r.transition(ctx, id, tenantID, model.SubscriptionActive)
}

// Deactivate makes the subscription INACTIVE. It is a no-op if already inactive.
func (r *Subscriptions) Deactivate(ctx context.Context, id, tenantID string) (*model.Subscription, error) {
	return r.transition(ctx, id, tenantID, model.SubscriptionInactive)
}

// Cancel moves the subscription to CANCELLED. Cancellation is terminal;
// cancelling twice fails with ErrSubscriptionCancelled. Pending retries for
// the subscription are abandoned by the retry scheduler.
func (r *Subscriptions) Cancel(ctx context.Context, id, tenantID string) (*model.Subscription, error) {
	return r.transition(ctx, id, tenantID, model.SubscriptionCancelled)
}

func (r *Subscriptions) transition(ctx context.Context, id, tenantID string, to model.SubscriptionStatus) (*model.Subscription, error) {
	sub, err := r.Get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionCancelled {
		return nil, fmt.Errorf("%s subscription %s: %w", verb(to), id, model.ErrSubscriptionCancelled)
	}
	if sub.Status == to {
		return sub, nil
	}
	sub.Status = to
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("%s subscription %s: %w", verb(to), id, translate(err))
	}
	return sub, nil
}

// Get returns a subscription owned by tenantID.
func (r *Subscriptions) Get(ctx context.Context, id, tenantID string) (*model.Subscription, error) {
	sub, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, fmt.Errorf("subscription %s: %w", id, model.ErrForbidden)
	}
	return sub, nil
}

// List returns all subscriptions owned by tenantID.
func (r *Subscriptions) List(ctx context.Context, tenantID string) ([]*model.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveByEventType returns every ACTIVE subscription for eventType
// across all tenants, in store order.
func (r *Subscriptions) ListActiveByEventType(ctx context.Context, eventType string) ([]*model.Subscription, error) {
	subs, err := r.store.ListActiveSubscriptions(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions for %q: %w", eventType, err)
	}
	return subs, nil
}

func (r *Subscriptions) load(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, translate(err))
	}
	return sub, nil
}

// normalizeFilter stores an empty or null filter as nil.
func normalizeFilter(raw json.RawMessage) json.RawMessage {
	if model.IsEmptyFilter(raw) {
		return nil
	}
	return raw
}

func verb(s model.SubscriptionStatus) string {
	switch s {
	case model.SubscriptionActive:
		return "activate"
	case model.SubscriptionInactive:
		return "deactivate"
	}
	return "cancel"
}

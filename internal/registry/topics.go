package registry

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Topics is the topic registry. Names are unique per tenant.
type Topics struct {
	store store.Store
	now   Clock
}

// NewTopics creates a topic registry over s.
func NewTopics(s store.Store) *Topics {
	return &Topics{store: s, now: utcNow}
}

// WithClock replaces the registry clock and returns the registry.
func (r *Topics) WithClock(c Clock) *Topics {
	r.now = c
	return r
}

// Register creates an ACTIVE topic. It fails with ErrDuplicateTopic when the
// tenant already has a topic of that name.
func (r *Topics) Register(ctx context.Context, tenantID, name, owner, description string) (*model.Topic, error) {
	now := r.now()
	t := &model.Topic{
		Name:        name,
		TenantID:    tenantID,
		Owner:       owner,
		Description: description,
		Status:      model.TopicActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := model.ValidateTopic(t); err != nil {
		return nil, err
	}
	if err := r.store.CreateTopic(ctx, t); err != nil {
		return nil, fmt.Errorf("register topic %q: %w", name, translate(err))
	}
	return t, nil
}

// Activate sets the topic ACTIVE.
func (r *Topics) Activate(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	return r.setStatus(ctx, tenantID, name, model.TopicActive)
}

// Deactivate sets the topic INACTIVE. Events published to an inactive topic
// are rejected by the publish path.
func (r *Topics) Deactivate(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	return r.setStatus(ctx, tenantID, name, model.TopicInactive)
}

func (r *Topics) setStatus(ctx context.Context, tenantID, name string, status model.TopicStatus) (*model.Topic, error) {
	t, err := r.FindByName(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	t.Status = status
	if err := r.store.UpdateTopic(ctx, t); err != nil {
		return nil, fmt.Errorf("set topic %q %s: %w", name, status, translate(err))
	}
	return t, nil
}

// FindByName returns the tenant's topic or ErrNotFound.
func (r *Topics) FindByName(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	t, err := r.store.GetTopic(ctx, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("topic %q: %w", name, translate(err))
	}
	return t, nil
}

// ListByTenant returns the tenant's topics ordered by name.
func (r *Topics) ListByTenant(ctx context.Context, tenantID string) ([]*model.Topic, error) {
	topics, err := r.store.ListTopics(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// Delete removes a topic. Callers must check that no subscription still
// depends on it first.
func (r *Topics) Delete(ctx context.Context, tenantID, name string) error {
	if err := r.store.DeleteTopic(ctx, tenantID, name); err != nil {
		return fmt.Errorf("delete topic %q: %w", name, translate(err))
	}
	return nil
}

// Package memory implements store.Store in process memory. It backs tests
// and `kbus serve --memory`; nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

type topicKey struct {
	tenantID string
	name     string
}

// Store is an in-memory store.Store.
type Store struct {
	// Now stamps UpdatedAt on writes. Defaults to time.Now in UTC.
	Now func() time.Time

	mu            sync.RWMutex
	topics        map[topicKey]*model.Topic
	subscriptions map[string]*model.Subscription
	subOrder      []string
	events        map[string]*model.Event
	deliveries    map[model.DeliveryKey]*model.DeliveryRecord
	deliveryOrder []model.DeliveryKey
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		Now:           func() time.Time { return time.Now().UTC() },
		topics:        make(map[topicKey]*model.Topic),
		subscriptions: make(map[string]*model.Subscription),
		events:        make(map[string]*model.Event),
		deliveries:    make(map[model.DeliveryKey]*model.DeliveryRecord),
	}
}

// --- Topics ---

func (s *Store) CreateTopic(ctx context.Context, t *model.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := topicKey{t.TenantID, t.Name}
	if _, ok := s.topics[k]; ok {
		return store.ErrConflict
	}
	s.topics[k] = cloneTopic(t)
	return nil
}

func (s *Store) GetTopic(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.topics[topicKey{tenantID, name}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTopic(t), nil
}

func (s *Store) ListTopics(ctx context.Context, tenantID string) ([]*model.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Topic
	for k, t := range s.topics {
		if k.tenantID == tenantID {
			out = append(out, cloneTopic(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateTopic(ctx context.Context, t *model.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := topicKey{t.TenantID, t.Name}
	if _, ok := s.topics[k]; !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = s.Now()
	s.topics[k] = cloneTopic(t)
	return nil
}

func (s *Store) DeleteTopic(ctx context.Context, tenantID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := topicKey{tenantID, name}
	if _, ok := s.topics[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.topics, k)
	return nil
}

// --- Subscriptions ---

func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; ok {
		return store.ErrConflict
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	s.subOrder = append(s.subOrder, sub.ID)
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*model.Subscription, error) {
	return s.listSubscriptions(ctx, func(sub *model.Subscription) bool {
		return sub.TenantID == tenantID
	})
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error) {
	return s.listSubscriptions(ctx, func(sub *model.Subscription) bool {
		return sub.Status == model.SubscriptionActive && sub.EventType == eventType
	})
}

// listSubscriptions returns matching subscriptions in creation order.
func (s *Store) listSubscriptions(ctx context.Context, keep func(*model.Subscription) bool) ([]*model.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subscription
	for _, id := range s.subOrder {
		sub := s.subscriptions[id]
		if keep(sub) {
			out = append(out, cloneSubscription(sub))
		}
	}
	return out, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return store.ErrNotFound
	}
	sub.UpdatedAt = s.Now()
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

// --- Events ---

func (s *Store) SaveEvent(ctx context.Context, e *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return nil
	}
	s.events[e.ID] = cloneEvent(e)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEvent(e), nil
}

// --- Delivery records ---

func (s *Store) FindOrCreateDelivery(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rec.Key()
	if existing, ok := s.deliveries[k]; ok {
		return cloneDelivery(existing), false, nil
	}
	now := s.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.deliveries[k] = cloneDelivery(rec)
	s.deliveryOrder = append(s.deliveryOrder, k)
	return cloneDelivery(rec), true, nil
}

func (s *Store) GetDelivery(ctx context.Context, eventID, subscriptionID string) (*model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deliveries[model.DeliveryKey{EventID: eventID, SubscriptionID: subscriptionID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDelivery(rec), nil
}

func (s *Store) SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rec.Key()
	if _, ok := s.deliveries[k]; !ok {
		return store.ErrNotFound
	}
	rec.UpdatedAt = s.Now()
	rec.LeasedUntil = nil
	s.deliveries[k] = cloneDelivery(rec)
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, f model.DeliveryFilter) ([]*model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.DeliveryRecord
	for _, k := range s.deliveryOrder {
		rec := s.deliveries[k]
		if f.EventID != "" && rec.EventID != f.EventID {
			continue
		}
		if f.SubscriptionID != "" && rec.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.TenantID != "" && rec.TenantID != f.TenantID {
			continue
		}
		if len(f.Status) > 0 && !hasStatus(f.Status, rec.Status) {
			continue
		}
		if f.UpdatedAfter != nil && !rec.UpdatedAt.After(*f.UpdatedAfter) {
			continue
		}
		out = append(out, cloneDelivery(rec))
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) DueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int, lease time.Duration) ([]*model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.DeliveryRecord
	for _, k := range s.deliveryOrder {
		rec := s.deliveries[k]
		if rec.LeasedUntil != nil && rec.LeasedUntil.After(now) {
			continue
		}
		switch rec.Status {
		case model.DeliveryRetrying:
			if rec.NextRetryAt == nil || rec.NextRetryAt.After(now) {
				continue
			}
		case model.DeliveryPending:
			if rec.UpdatedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		due = append(due, rec)
	}

	sort.SliceStable(due, func(i, j int) bool { return dueAt(due[i]).Before(dueAt(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leasedUntil := now.Add(lease)
	out := make([]*model.DeliveryRecord, 0, len(due))
	for _, rec := range due {
		t := leasedUntil
		rec.LeasedUntil = &t
		out = append(out, cloneDelivery(rec))
	}
	return out, nil
}

// RunInTransaction runs fn against the store itself. The memory backend has
// no rollback; each call is individually atomic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Ping reports only context cancellation.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func dueAt(r *model.DeliveryRecord) time.Time {
	if r.Status == model.DeliveryRetrying && r.NextRetryAt != nil {
		return *r.NextRetryAt
	}
	return r.UpdatedAt
}

func hasStatus(set []model.DeliveryStatus, s model.DeliveryStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTopic(t *model.Topic) *model.Topic {
	c := *t
	return &c
}

func cloneSubscription(s *model.Subscription) *model.Subscription {
	c := *s
	c.FilterExpression = cloneRaw(s.FilterExpression)
	return &c
}

func cloneEvent(e *model.Event) *model.Event {
	c := *e
	c.Payload = cloneRaw(e.Payload)
	return &c
}

func cloneDelivery(r *model.DeliveryRecord) *model.DeliveryRecord {
	c := *r
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.LeasedUntil = cloneTime(r.LeasedUntil)
	return &c
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(json.RawMessage, len(m))
	copy(out, m)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

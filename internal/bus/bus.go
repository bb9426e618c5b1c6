// Package bus is the publish boundary: it persists an admitted event, routes
// it, creates one delivery record per matching subscription and hands the
// new records to the delivery pool.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/alfredjeanlab/kbus/internal/delivery"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/router"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Bus fans events out to their subscribers.
type Bus struct {
	store   store.Store
	router  *router.Router
	pool    *delivery.Pool
	locks   *delivery.KeyLock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a bus. locks must be the arena the pool uses so record
// creation and attempts on one key never overlap.
func New(s store.Store, r *router.Router, p *delivery.Pool, locks *delivery.KeyLock, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{store: s, router: r, pool: p, locks: locks, metrics: m, logger: logger}
}

// Result summarizes one Publish call.
type Result struct {
	EventID    string `json:"event_id"`
	Matched    int    `json:"matched"`
	Created    int    `json:"created"`
	Dispatched int    `json:"dispatched"`
}

// Publish routes e, published on topicName, to every matching subscription.
// It is safe to call again for the same event: existing records are reused
// and only PENDING ones are dispatched. Reusing an event ID for a different
// event fails with model.ErrEventConflict. Individual delivery failures are
// absorbed into record state, and a full delivery queue leaves the record
// PENDING for the retry sweep; the returned error reports only storage,
// conflict or routing failures. e is not modified.
func (b *Bus) Publish(ctx context.Context, topicName string, e *model.Event) (Result, error) {
	res := Result{EventID: e.ID}

	ev, err := b.save(ctx, topicName, e)
	if err != nil {
		return res, err
	}

	subs, err := b.router.Route(ctx, ev)
	if err != nil {
		return res, err
	}
	res.Matched = len(subs)

	for _, sub := range subs {
		rec, created, err := b.findOrCreate(ctx, ev, sub)
		if err != nil {
			// The remaining subscribers still get their records.
			b.logger.Error("bus: create delivery record failed",
				"event_id", ev.ID, "subscription_id", sub.ID, "err", err)
			continue
		}
		if created {
			res.Created++
			b.metrics.DeliveryCreated()
		}
		if rec.Status != model.DeliveryPending || rec.AttemptCount != 0 {
			continue
		}

		job := delivery.Job{
			Key:          rec.Key(),
			Event:        ev,
			Subscription: sub,
			Status:       rec.Status,
			AttemptCount: rec.AttemptCount,
		}
		if err := b.pool.TrySubmit(job); err != nil {
			b.logger.Warn("bus: dispatch deferred to retry sweep",
				"event_id", ev.ID, "subscription_id", sub.ID, "err", err)
			continue
		}
		res.Dispatched++
	}

	b.logger.Debug("bus: event published",
		"event_id", ev.ID, "topic", topicName, "matched", res.Matched, "created", res.Created)
	return res, nil
}

// save persists a copy of e and returns the stored event, which is what every
// attempt for this ID sends. An ID already stored for a different event is a
// conflict.
func (b *Bus) save(ctx context.Context, topicName string, e *model.Event) (*model.Event, error) {
	ev := *e
	if ev.Topic == "" {
		ev.Topic = topicName
	}
	if err := b.store.SaveEvent(ctx, &ev); err != nil {
		return nil, fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	stored, err := b.store.GetEvent(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", ev.ID, err)
	}
	if !sameEvent(stored, &ev) {
		b.logger.Warn("bus: event id reused",
			"event_id", ev.ID, "tenant_id", ev.TenantID, "stored_tenant_id", stored.TenantID)
		return nil, fmt.Errorf("publish %s: %w", ev.ID, model.ErrEventConflict)
	}
	return stored, nil
}

// sameEvent compares the fields a subscriber can observe or be routed on,
// except CreatedAt, which a producer retry may restamp; the stored value is
// what gets sent. Payloads compare as JSON values since the store may
// reformat them.
func sameEvent(a, b *model.Event) bool {
	if a.Topic != b.Topic || a.TenantID != b.TenantID || a.Type != b.Type || a.Source != b.Source {
		return false
	}
	if a.CorrelationID != b.CorrelationID {
		return false
	}
	return sameJSON(a.Payload, b.Payload)
}

func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return isNull(a) && isNull(b)
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func isNull(raw json.RawMessage) bool {
	s := bytes.TrimSpace(raw)
	return len(s) == 0 || string(s) == "null"
}

// findOrCreate records the delivery under the subscription owner's tenant,
// which is the tenant that may query it.
func (b *Bus) findOrCreate(ctx context.Context, e *model.Event, sub *model.Subscription) (*model.DeliveryRecord, bool, error) {
	key := model.DeliveryKey{EventID: e.ID, SubscriptionID: sub.ID}
	unlock := b.locks.Lock(key)
	defer unlock()

	return b.store.FindOrCreateDelivery(ctx, &model.DeliveryRecord{
		EventID:        e.ID,
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Status:         model.DeliveryPending,
		MaxRetries:     sub.RetryPolicy.MaxRetries,
	})
}

// Flush waits for every dispatched delivery to finish its current attempt.
func (b *Bus) Flush() {
	b.pool.Flush()
}

package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPublisher captures outcome notifications.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	p.subjects = append(p.subjects, subject)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is one event, one subscription and their PENDING record, stored in
// a memory store driven by a fake clock.
type fixture struct {
	store *memory.Store
	clock *fakeClock
	event *model.Event
	sub   *model.Subscription
	rec   *model.DeliveryRecord
}

func newFixture(t *testing.T, endpoint string, policy model.RetryPolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	st := memory.New()
	st.Now = clock.Now

	e := &model.Event{
		ID:            "evt-1",
		Topic:         "orders",
		Type:          "order.created",
		Source:        "checkout",
		TenantID:      "T1",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"region":"us","amount":42}`),
		CreatedAt:     t0,
	}
	if err := st.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	sub := &model.Subscription{
		ID:                 "sub-1",
		TenantID:           "T1",
		EventType:          "order.created",
		SubscriberService:  "billing",
		SubscriberEndpoint: endpoint,
		RetryPolicy:        policy,
		Status:             model.SubscriptionActive,
		CreatedAt:          t0,
	}
	if err := st.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	rec, created, err := st.FindOrCreateDelivery(ctx, &model.DeliveryRecord{
		EventID:        e.ID,
		SubscriptionID: sub.ID,
		TenantID:       e.TenantID,
		Status:         model.DeliveryPending,
		MaxRetries:     policy.MaxRetries,
	})
	if err != nil || !created {
		t.Fatalf("FindOrCreateDelivery = %v, %v", created, err)
	}
	return &fixture{store: st, clock: clock, event: e, sub: sub, rec: rec}
}

func (f *fixture) distributor(opts Options) *Distributor {
	if opts.Clock == nil {
		opts.Clock = f.clock.Now
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewDistributor(f.store, opts)
}

func (f *fixture) record(t *testing.T) *model.DeliveryRecord {
	t.Helper()
	rec, err := f.store.GetDelivery(context.Background(), f.event.ID, f.sub.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	return rec
}

func policy(maxRetries int, base time.Duration) model.RetryPolicy {
	return model.RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  model.Duration(base),
		MaxDelay:   model.Duration(time.Minute),
	}
}

package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
)

func (f *fixture) scheduler(p *Pool) *Scheduler {
	return NewScheduler(f.store, p, SchedulerOptions{
		Clock:      f.clock.Now,
		StaleAfter: 5 * time.Minute,
		Logger:     quietLogger(),
	})
}

func TestScheduler_RetriesUntilDead(t *testing.T) {
	srv, calls := countingServer(t, http.StatusServiceUnavailable)
	f := newFixture(t, srv.URL, policy(2, time.Second))
	p := f.pool(f.distributor(Options{}), 2)
	defer p.Stop()
	s := f.scheduler(p)
	ctx := context.Background()

	if err := p.Submit(ctx, f.job()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.Flush()

	type step struct {
		advance time.Duration
		swept   int
		status  model.DeliveryStatus
		attempt int
	}
	steps := []step{
		{0, 0, model.DeliveryRetrying, 1},
		{time.Second, 1, model.DeliveryRetrying, 2},
		{time.Second, 0, model.DeliveryRetrying, 2}, // second backoff is 2s
		{time.Second, 1, model.DeliveryDead, 3},
		{time.Hour, 0, model.DeliveryDead, 3},
	}
	for i, st := range steps {
		f.clock.Advance(st.advance)
		if n := s.SweepOnce(ctx); n != st.swept {
			t.Fatalf("step %d: swept %d, want %d", i, n, st.swept)
		}
		p.Flush()
		rec := f.record(t)
		if rec.Status != st.status || rec.AttemptCount != st.attempt {
			t.Fatalf("step %d: record = %s/%d, want %s/%d", i, rec.Status, rec.AttemptCount, st.status, st.attempt)
		}
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestScheduler_SuccessOnRetryStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, policy(3, time.Second))
	p := f.pool(f.distributor(Options{}), 1)
	defer p.Stop()
	s := f.scheduler(p)
	ctx := context.Background()

	if err := p.Submit(ctx, f.job()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.Flush()
	if rec := f.record(t); rec.Status != model.DeliveryRetrying || rec.AttemptCount != 1 || rec.NextRetryAt == nil {
		t.Fatalf("after first attempt: %+v", rec)
	}

	f.clock.Advance(time.Second)
	if n := s.SweepOnce(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	p.Flush()

	rec := f.record(t)
	if rec.Status != model.DeliveryDelivered || rec.AttemptCount != 2 {
		t.Fatalf("after retry: %s/%d, want delivered/2", rec.Status, rec.AttemptCount)
	}
	if rec.NextRetryAt != nil || rec.LastError != "" {
		t.Fatalf("delivered record kept retry state: next=%v err=%q", rec.NextRetryAt, rec.LastError)
	}

	f.clock.Advance(time.Hour)
	if n := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("swept %d after delivery, want 0", n)
	}
	p.Flush()
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestScheduler_CancelledSubscriptionAbandons(t *testing.T) {
	srv, calls := countingServer(t, http.StatusServiceUnavailable)
	f := newFixture(t, srv.URL, policy(3, time.Second))
	p := f.pool(f.distributor(Options{}), 1)
	defer p.Stop()
	s := f.scheduler(p)
	ctx := context.Background()

	if err := p.Submit(ctx, f.job()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.Flush()

	sub, err := f.store.GetSubscription(ctx, f.sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	sub.Status = model.SubscriptionCancelled
	if err := f.store.UpdateSubscription(ctx, sub); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}

	f.clock.Advance(time.Second)
	if n := s.SweepOnce(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	p.Flush()

	rec := f.record(t)
	if rec.Status != model.DeliveryDead || rec.LastError != "subscription inactive" || rec.AttemptCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScheduler_RecoversStalePending(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)
	f := newFixture(t, srv.URL, policy(3, time.Second))
	p := f.pool(f.distributor(Options{}), 1)
	defer p.Stop()
	s := f.scheduler(p)
	ctx := context.Background()

	if n := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("fresh pending swept %d, want 0", n)
	}

	f.clock.Advance(5 * time.Minute)
	if n := s.SweepOnce(ctx); n != 1 {
		t.Fatalf("stale pending swept %d, want 1", n)
	}
	p.Flush()

	if rec := f.record(t); rec.Status != model.DeliveryDelivered {
		t.Fatalf("status = %s, want delivered", rec.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScheduler_MissingEventAbandons(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)
	f := newFixture(t, srv.URL, policy(3, time.Second))
	p := f.pool(f.distributor(Options{}), 1)
	defer p.Stop()
	s := f.scheduler(p)
	ctx := context.Background()

	orphan, _, err := f.store.FindOrCreateDelivery(ctx, &model.DeliveryRecord{
		EventID:        "evt-gone",
		SubscriptionID: f.sub.ID,
		TenantID:       "T1",
		Status:         model.DeliveryPending,
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatalf("FindOrCreateDelivery: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	if n := s.SweepOnce(ctx); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	p.Flush()

	got, err := f.store.GetDelivery(ctx, orphan.EventID, orphan.SubscriptionID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Status != model.DeliveryDead || got.LastError != "event not found" {
		t.Fatalf("orphan record = %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1/hook", policy(1, time.Second))
	p := f.pool(f.distributor(Options{}), 1)
	defer p.Stop()

	s := NewScheduler(f.store, p, SchedulerOptions{Interval: 10 * time.Millisecond, Logger: quietLogger()})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}

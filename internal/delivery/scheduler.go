package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Scheduler defaults.
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultSweepBatch    = 100
	DefaultLease         = time.Minute
	DefaultStalePending  = 5 * time.Minute
)

// reasonEventMissing is recorded when a due record's event no longer exists.
const reasonEventMissing = "event not found"

// SchedulerOptions tunes the retry sweep. Zero values select defaults.
type SchedulerOptions struct {
	Interval   time.Duration
	Batch      int
	Lease      time.Duration
	StaleAfter time.Duration
	Clock      func() time.Time
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Scheduler periodically claims due delivery records and hands them to the
// pool. A record whose subscription is no longer ACTIVE is abandoned without
// a call.
type Scheduler struct {
	store store.Store
	pool  *Pool
	opts  SchedulerOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that sweeps s and submits work to p.
func NewScheduler(s store.Store, p *Pool, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultSweepBatch
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStalePending
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{store: s, pool: p, opts: opts}
}

// Start begins the periodic sweep. It sweeps once immediately, then on each
// tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce claims one batch of due records and submits a job for each. It
// returns the number of jobs submitted. Errors are logged, never returned.
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	now := s.opts.Clock()
	due, err := s.store.DueDeliveries(ctx, now, now.Add(-s.opts.StaleAfter), s.opts.Batch, s.opts.Lease)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Logger.Error("retry: due query failed", "err", err)
		}
		return 0
	}
	s.opts.Metrics.Swept(len(due))

	submitted := 0
	for _, rec := range due {
		job, err := s.resolve(ctx, rec)
		if err != nil {
			s.opts.Logger.Error("retry: resolve failed",
				"event_id", rec.EventID, "subscription_id", rec.SubscriptionID, "err", err)
			continue
		}
		if err := s.pool.Submit(ctx, job); err != nil {
			// The lease expires and a later sweep retries the record.
			s.opts.Logger.Warn("retry: submit failed",
				"event_id", rec.EventID, "subscription_id", rec.SubscriptionID, "err", err)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		s.opts.Logger.Debug("retry: sweep dispatched", "due", len(due), "submitted", submitted)
	}
	return submitted
}

// resolve re-reads the record's subscription and event, either of which may
// have changed since the last attempt.
func (s *Scheduler) resolve(ctx context.Context, rec *model.DeliveryRecord) (Job, error) {
	job := Job{Key: rec.Key(), Status: rec.Status, AttemptCount: rec.AttemptCount}

	sub, err := s.store.GetSubscription(ctx, rec.SubscriptionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		job.AbandonReason = model.ErrSubscriptionInactive.Error()
		return job, nil
	case err != nil:
		return Job{}, err
	case sub.Status != model.SubscriptionActive:
		job.AbandonReason = model.ErrSubscriptionInactive.Error()
		return job, nil
	}

	e, err := s.store.GetEvent(ctx, rec.EventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		job.AbandonReason = reasonEventMissing
		return job, nil
	case err != nil:
		return Job{}, err
	}

	job.Event = e
	job.Subscription = sub
	return job, nil
}

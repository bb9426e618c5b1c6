package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

var (
	// ErrPoolClosed is returned by Submit and TrySubmit after Stop.
	ErrPoolClosed = errors.New("delivery pool closed")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("delivery queue full")
)

// Job is one unit of delivery work for a single delivery key. The worker
// re-reads the record under the key lock and skips the job unless the record
// still has the Status and AttemptCount the job was issued for, so a
// duplicate or stale job never repeats an attempt.
type Job struct {
	Key          model.DeliveryKey
	Event        *model.Event
	Subscription *model.Subscription
	Status       model.DeliveryStatus
	AttemptCount int

	// AbandonReason, when set, moves the record to DEAD without a call.
	AbandonReason string
}

// Pool runs delivery jobs on a fixed set of workers.
type Pool struct {
	dist    *Distributor
	store   store.Store
	locks   *KeyLock
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger

	jobs     chan Job
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewPool creates a pool. Call Start before Submit.
func NewPool(dist *Distributor, s store.Store, locks *KeyLock, workers, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dist:    dist,
		store:   s,
		locks:   locks,
		workers: workers,
		metrics: m,
		logger:  logger,
		jobs:    make(chan Job, queueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.metrics.SetQueueDepth(len(p.jobs))
				p.process(ctx, job)
				p.inflight.Done()
			}
		}()
	}
}

// Submit queues a job, blocking while the queue is full. A job that cannot
// be queued leaves its record as is for the retry sweep to recover.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	}
}

// TrySubmit queues a job without waiting. It returns ErrQueueFull when every
// worker is busy and the queue is full.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
		p.inflight.Done()
		return ErrQueueFull
	}
}

// Flush waits until every submitted job has finished.
func (p *Pool) Flush() {
	p.inflight.Wait()
}

// Stop refuses new jobs and waits for the workers. Queued and in-flight jobs
// observe cancellation and leave their records for the retry sweep.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) process(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	unlock := p.locks.Lock(job.Key)
	defer unlock()

	if err := p.run(ctx, job); err != nil {
		p.logger.Error("delivery: job failed",
			"event_id", job.Key.EventID, "subscription_id", job.Key.SubscriptionID, "err", err)
	}
}

func (p *Pool) run(ctx context.Context, job Job) error {
	rec, err := p.store.GetDelivery(ctx, job.Key.EventID, job.Key.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.Status != job.Status || rec.AttemptCount != job.AttemptCount {
		p.logger.Debug("delivery: stale job skipped",
			"event_id", rec.EventID, "subscription_id", rec.SubscriptionID,
			"status", rec.Status, "attempt_count", rec.AttemptCount)
		return nil
	}

	if job.AbandonReason != "" {
		_, err := p.dist.Abandon(ctx, rec, job.AbandonReason)
		return err
	}
	_, err = p.dist.Deliver(ctx, job.Event, job.Subscription, rec)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/metrics"
	"github.com/Priya8975/event-webhooks/internal/store"
)

// PendingClaimer takes over the first-attempt lease of a pending delivery.
type PendingClaimer interface {
	ClaimPending(ctx context.Context, tenantID, id string, heldUntil, until time.Time) (bool, error)
}

// Pool manages a fixed number of worker goroutines that perform first
// attempts for freshly published deliveries.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	deliverer  *Deliverer
	claimer    PendingClaimer
	lease      time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a worker pool with the given number of workers and a
// bounded job queue. Before a first attempt each worker re-takes the
// delivery's lease through claimer for lease, so a record the scheduler
// already picked up is never sent twice.
func NewPool(numWorkers, queueSize int, deliverer *Deliverer, claimer PendingClaimer, lease time.Duration, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, queueSize),
		deliverer:  deliverer,
		claimer:    claimer,
		lease:      lease,
		logger:     logger,
	}
}

// Start launches all worker goroutines. Jobs run under ctx, never under the
// context of the request that published them.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers, "queue_size", cap(p.jobs))
}

// TrySubmit queues a job without blocking. It reports false when the queue
// is full or the pool is stopped.
func (p *Pool) TrySubmit(job engine.DeliveryJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.jobs <- job:
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		return false
	}
}

// Stop closes the job queue and waits for all workers to finish. Jobs still
// queued after the start context is cancelled resolve as deferred; their
// deliveries stay pending until the scheduler claims them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		select {
		case <-ctx.Done():
			resolve(job, engine.Outcome{
				DeliveryID:     job.Delivery.ID,
				SubscriptionID: job.Subscription.ID,
				Status:         domain.StatusPending,
				Error:          ctx.Err().Error(),
				Deferred:       true,
			}, nil)
		default:
			p.process(ctx, id, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, id int, job engine.DeliveryJob) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			p.logger.Error("recovered from worker panic",
				"worker_id", id,
				"delivery_id", job.Delivery.ID,
				"error", err,
			)
			resolve(job, engine.Outcome{
				DeliveryID:     job.Delivery.ID,
				SubscriptionID: job.Subscription.ID,
				Status:         job.Delivery.Status,
				AttemptNumber:  job.Delivery.AttemptNumber,
			}, err)
		}
	}()

	delivery, ok := p.claim(ctx, job)
	if !ok {
		return
	}
	outcome, err := p.deliverer.Attempt(ctx, delivery, &job.Subscription)
	resolve(job, outcome, err)
}

// claim re-takes the publisher's lease on the queued snapshot. A job whose
// record was claimed by the scheduler, or already moved on, resolves as
// deferred without contacting the endpoint.
func (p *Pool) claim(ctx context.Context, job engine.DeliveryJob) (*domain.DeliveryAttempt, bool) {
	d := job.Delivery
	if p.claimer == nil || d.Status != domain.StatusPending || d.AttemptNumber != 0 || d.LockedUntil == nil {
		return d, true
	}

	until := p.deliverer.now().UTC().Add(p.lease)
	ok, err := p.claimer.ClaimPending(ctx, d.TenantID, d.ID, *d.LockedUntil, until)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("first attempt for delivery %s: %w", d.ID, store.ErrStaleDelivery)
			metrics.StaleWritesTotal.Inc()
			p.logger.Info("skipping first attempt claimed elsewhere", "delivery_id", d.ID)
		} else {
			p.logger.Error("failed to claim pending delivery", "error", err, "delivery_id", d.ID)
		}
		resolve(job, engine.Outcome{
			DeliveryID:     d.ID,
			SubscriptionID: job.Subscription.ID,
			Status:         domain.StatusPending,
			Error:          err.Error(),
			Deferred:       true,
		}, err)
		return nil, false
	}

	claimed := d.Clone()
	claimed.LockedUntil = &until
	return claimed, true
}

func resolve(job engine.DeliveryJob, o engine.Outcome, err error) {
	if job.Receipt != nil {
		job.Receipt.Resolve(o, err)
	}
}

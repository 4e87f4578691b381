package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/metrics"
	"github.com/Priya8975/event-webhooks/internal/store"
)

// DueClaimer leases deliveries that need a dispatcher pass.
type DueClaimer interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryAttempt, error)
}

// SubscriptionGetter looks a subscription up within its tenant. A missing
// subscription is (nil, nil).
type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error)
}

// SchedulerConfig tunes the retry scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Lease       time.Duration
}

// PassResult summarises one scheduler pass.
type PassResult struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Stale     int `json:"stale"`
	Errors    int `json:"errors"`
}

// Scheduler periodically claims due deliveries and hands them to the deliverer.
type Scheduler struct {
	claimer   DueClaimer
	registry  SubscriptionGetter
	deliverer *Deliverer
	logger    *slog.Logger
	cfg       SchedulerConfig
	now       func() time.Time
}

// NewScheduler creates a scheduler. Zero config values fall back to defaults.
func NewScheduler(claimer DueClaimer, registry SubscriptionGetter, deliverer *Deliverer, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Scheduler{
		claimer:   claimer,
		registry:  registry,
		deliverer: deliverer,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start runs a pass every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started",
		"interval", s.cfg.Interval.String(),
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduler pass failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due deliveries and processes them
// concurrently. A failing delivery never stops the others.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	start := time.Now()
	defer func() {
		metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())
	}()

	var result PassResult

	due, err := s.claimer.ClaimDue(ctx, s.now().UTC(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	result.Claimed = len(due)
	if len(due) == 0 {
		return result, nil
	}
	metrics.SchedulerClaimedTotal.Add(float64(len(due)))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, d := range due {
		d := d
		g.Go(func() error {
			status, deferred, err := s.process(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, store.ErrStaleDelivery):
				result.Stale++
			case err != nil:
				result.Errors++
			case deferred:
				result.Deferred++
			case status == domain.StatusDelivered:
				result.Delivered++
			case status == domain.StatusRetrying:
				result.Retrying++
			case status == domain.StatusFailed:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("scheduler pass complete",
		"claimed", result.Claimed,
		"delivered", result.Delivered,
		"retrying", result.Retrying,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"stale", result.Stale,
		"errors", result.Errors,
	)
	return result, nil
}

func (s *Scheduler) process(ctx context.Context, d *domain.DeliveryAttempt) (status domain.DeliveryStatus, deferred bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from scheduler panic", "delivery_id", d.ID, "panic", r)
			err = panicError{value: r}
		}
	}()

	sub, err := s.registry.GetSubscription(ctx, d.TenantID, d.SubscriptionID)
	if err != nil {
		s.logger.Error("failed to load subscription for delivery",
			"error", err,
			"delivery_id", d.ID,
			"subscription_id", d.SubscriptionID,
		)
		return d.Status, false, err
	}

	switch {
	case sub == nil:
		o, err := s.deliverer.Fail(ctx, d, domain.ReasonSubscriptionGone, "subscription no longer exists")
		return o.Status, false, err
	case !sub.IsActive:
		o, err := s.deliverer.Fail(ctx, d, domain.ReasonSubscriptionInactive, "subscription is inactive")
		return o.Status, false, err
	}

	o, err := s.deliverer.Attempt(ctx, d, sub)
	return o.Status, o.Deferred, err
}

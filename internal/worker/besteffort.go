package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/event-webhooks/internal/metrics"
)

type sideEffect struct {
	name string
	run  func(ctx context.Context) error
}

// BestEffort runs fire-and-forget side effects (lifecycle notifications,
// circuit breaker bookkeeping) with a bounded number of retries. A failed or
// dropped side effect never changes a delivery's result.
type BestEffort struct {
	tasks       chan sideEffect
	numWorkers  int
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBestEffort creates a side effect queue. maxAttempts bounds how many
// times one side effect is tried.
func NewBestEffort(numWorkers, queueSize, maxAttempts int, retryDelay time.Duration, logger *slog.Logger) *BestEffort {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BestEffort{
		tasks:       make(chan sideEffect, queueSize),
		numWorkers:  numWorkers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		timeout:     5 * time.Second,
		logger:      logger,
	}
}

// Start launches the workers. Side effects already queued still run after
// ctx is cancelled so Stop can drain them.
func (b *BestEffort) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < b.numWorkers; i++ {
		b.wg.Add(1)
		go b.worker(runCtx)
	}
}

// Submit queues fn without blocking. It reports false when the queue is
// full or stopped; the side effect is then dropped.
func (b *BestEffort) Submit(name string, fn func(ctx context.Context) error) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.tasks <- sideEffect{name: name, run: fn}:
		return true
	default:
		metrics.SideEffectFailuresTotal.WithLabelValues(name).Inc()
		b.logger.Warn("side effect queue full, dropping", "side_effect", name)
		return false
	}
}

// Stop stops accepting side effects and waits for queued ones to finish.
func (b *BestEffort) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.tasks)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *BestEffort) worker(ctx context.Context) {
	defer b.wg.Done()
	for task := range b.tasks {
		b.run(ctx, task)
	}
}

func (b *BestEffort) run(ctx context.Context, task sideEffect) {
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		err = b.try(ctx, task)
		if err == nil {
			return
		}
		if attempt < b.maxAttempts && b.retryDelay > 0 {
			time.Sleep(b.retryDelay * time.Duration(attempt))
		}
	}
	metrics.SideEffectFailuresTotal.WithLabelValues(task.name).Inc()
	b.logger.Warn("side effect failed",
		"side_effect", task.name,
		"attempts", b.maxAttempts,
		"error", err,
	)
}

func (b *BestEffort) try(ctx context.Context, task sideEffect) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return task.run(ctx)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks consecutive retryable failures per subscription in a
// Redis hash so every dispatcher instance sees the same state.
//
// - Closed: deliveries proceed, retryable failures are counted.
// - Open: deliveries are deferred until the cooldown elapses.
// - Half-Open: probes are allowed. Success closes, failure re-opens.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the externally visible state of one subscription's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.failureThreshold = n
		}
	}
}

// WithCooldown sets how long an open circuit defers deliveries.
func WithCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.cooldownPeriod = d
		}
	}
}

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: 5,
		cooldownPeriod:   30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func cbKey(subscriptionID string) string {
	return fmt.Sprintf("webhooks:cb:%s", subscriptionID)
}

// Cooldown returns the open-state duration.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.cooldownPeriod
}

// AllowRequest reports whether a delivery for the subscription may hit the
// network. Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, subscriptionID string) (string, bool) {
	key := cbKey(subscriptionID)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		cb.logger.Warn("circuit breaker lookup failed", "error", err, "subscription_id", subscriptionID)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	switch data["state"] {
	case StateOpen:
		if cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds()) {
			cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
			cb.logger.Info("circuit breaker half-open", "subscription_id", subscriptionID)
			return StateHalfOpen, true
		}
		return StateOpen, false
	case StateHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriptionID string) error {
	key := cbKey(subscriptionID)

	state, err := cb.redisClient.HGet(ctx, key, "state").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading circuit state: %w", err)
	}

	if err := cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		return fmt.Errorf("closing circuit: %w", err)
	}

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "subscription_id", subscriptionID)
	}
	return nil
}

// RecordFailure counts a retryable failure and opens the circuit once the
// threshold is reached, or immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriptionID string) error {
	key := cbKey(subscriptionID)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		return fmt.Errorf("incrementing circuit failures: %w", err)
	}

	if err := cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix()).Err(); err != nil {
		return fmt.Errorf("stamping circuit failure: %w", err)
	}

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)", "subscription_id", subscriptionID)
	case failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"subscription_id", subscriptionID,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
	return nil
}

// GetState returns the current circuit breaker state for a subscription.
func (cb *CircuitBreaker) GetState(ctx context.Context, subscriptionID string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(subscriptionID)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if state == StateOpen && cb.now().Unix()-lastFailed >= int64(cb.cooldownPeriod.Seconds()) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}

// Reset forgets all state for a subscription, used when it is deleted.
func (cb *CircuitBreaker) Reset(ctx context.Context, subscriptionID string) error {
	if err := cb.redisClient.Del(ctx, cbKey(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("resetting circuit: %w", err)
	}
	return nil
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/metrics"
	"github.com/Priya8975/event-webhooks/internal/store"
)

var tracer = otel.Tracer("github.com/Priya8975/event-webhooks/internal/worker")

const (
	userAgent             = "event-webhooks/1.0"
	defaultRequestTimeout = 10 * time.Second
	drainLimit            = 64 << 10
)

// DeliveryWriter persists delivery transitions with compare-and-set semantics.
type DeliveryWriter interface {
	TransitionDelivery(ctx context.Context, expectStatus domain.DeliveryStatus, expectAttempt int, d *domain.DeliveryAttempt) error
}

// Breaker gates deliveries per subscription.
type Breaker interface {
	AllowRequest(ctx context.Context, subscriptionID string) (string, bool)
	RecordSuccess(ctx context.Context, subscriptionID string) error
	RecordFailure(ctx context.Context, subscriptionID string) error
	Cooldown() time.Duration
}

// Limiter throttles deliveries per subscription.
type Limiter interface {
	Allow(ctx context.Context, subscriptionID string, limit int) bool
	Window() time.Duration
}

// LifecycleSink receives flattened lifecycle events, e.g. a Redis stream.
type LifecycleSink interface {
	AppendLifecycle(ctx context.Context, fields map[string]any) error
}

// Broadcaster pushes lifecycle events to live observers.
type Broadcaster interface {
	Broadcast(event domain.LifecycleEvent) error
}

// Deliverer performs one dispatcher pass over a delivery: sign, POST,
// classify and record the resulting state.
type Deliverer struct {
	httpClient  *http.Client
	store       DeliveryWriter
	breaker     Breaker
	limiter     Limiter
	backoff     engine.Backoff
	effects     *BestEffort
	stream      LifecycleSink
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// DelivererOption customises a Deliverer.
type DelivererOption func(*Deliverer)

func WithHTTPClient(c *http.Client) DelivererOption {
	return func(d *Deliverer) { d.httpClient = c }
}

func WithCircuitBreaker(b Breaker) DelivererOption {
	return func(d *Deliverer) { d.breaker = b }
}

func WithRateLimiter(l Limiter) DelivererOption {
	return func(d *Deliverer) { d.limiter = l }
}

func WithBackoff(b engine.Backoff) DelivererOption {
	return func(d *Deliverer) { d.backoff = b }
}

// WithSideEffects routes lifecycle notifications and breaker bookkeeping
// through q. Without it they run inline and their errors are only logged.
func WithSideEffects(q *BestEffort) DelivererOption {
	return func(d *Deliverer) { d.effects = q }
}

func WithLifecycleStream(s LifecycleSink) DelivererOption {
	return func(d *Deliverer) { d.stream = s }
}

func WithBroadcaster(b Broadcaster) DelivererOption {
	return func(d *Deliverer) { d.broadcaster = b }
}

// NewDeliverer creates a deliverer. Redirects are never followed: a 3xx
// response is recorded as a permanent rejection.
func NewDeliverer(store DeliveryWriter, logger *slog.Logger, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:   store,
		backoff: engine.NewBackoff(0),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attempt runs one pass over delivery for sub and records the result. The
// returned error is non-nil when the result could not be stored; it wraps
// store.ErrStaleDelivery when another writer got there first, in which case
// the outcome was discarded.
func (d *Deliverer) Attempt(ctx context.Context, delivery *domain.DeliveryAttempt, sub *domain.Subscription) (engine.Outcome, error) {
	ctx, span := tracer.Start(ctx, "deliverer.attempt")
	span.SetAttributes(
		attribute.String("delivery.id", delivery.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.String("tenant.id", delivery.TenantID),
		attribute.Int("delivery.attempt", delivery.AttemptNumber),
	)
	defer span.End()

	if delivery.Status.IsTerminal() {
		return outcomeOf(delivery, false), nil
	}

	next := delivery.Clone()

	if delivery.AttemptNumber >= sub.MaxAttempts {
		return d.fail(ctx, delivery, next, domain.ReasonExhausted, "maximum attempts reached")
	}

	body, err := json.Marshal(domain.NewEnvelope(delivery))
	if err != nil {
		return d.fail(ctx, delivery, next, domain.ReasonMisconfigured, fmt.Sprintf("encoding envelope: %v", err))
	}

	signature, err := engine.Sign(body, sub.Secret)
	if err != nil {
		d.logger.Error("subscription has no signing secret",
			"delivery_id", delivery.ID,
			"subscription_id", sub.ID,
			"tenant_id", delivery.TenantID,
		)
		return d.fail(ctx, delivery, next, domain.ReasonMisconfigured, err.Error())
	}

	if d.breaker != nil {
		if state, ok := d.breaker.AllowRequest(ctx, sub.ID); !ok {
			return d.deferDelivery(ctx, delivery, next, d.breaker.Cooldown(), "circuit_"+state)
		}
	}
	if d.limiter != nil && sub.RateLimitPerSecond > 0 {
		if !d.limiter.Allow(ctx, sub.ID, sub.RateLimitPerSecond) {
			return d.deferDelivery(ctx, delivery, next, d.limiter.Window(), "rate_limited")
		}
	}

	attempt := delivery.AttemptNumber + 1
	start := d.now()
	statusCode, excerpt, transportErr := d.post(ctx, delivery, sub, body, signature, attempt)
	elapsed := d.now().Sub(start)

	class := engine.Classify(statusCode, transportErr)
	metrics.AttemptDuration.WithLabelValues(class.String()).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", statusCode), attribute.String("delivery.class", class.String()))

	now := d.now().UTC()
	next.AttemptNumber = attempt
	next.ResponseStatus = statusCode
	next.ResponseBodyExcerpt = domain.Truncate(excerpt)
	next.ErrorMessage = ""
	next.NextRetryAt = nil
	next.UpdatedAt = now
	if transportErr != nil {
		next.ErrorMessage = domain.Truncate(transportErr.Error())
	}

	switch class {
	case engine.ClassSuccess:
		next.Status = domain.StatusDelivered
		next.FailureReason = domain.ReasonNone
		next.DeliveredAt = &now
		d.sideEffect("breaker_success", func(ctx context.Context) error {
			return d.recordBreaker(ctx, sub.ID, true)
		})
	case engine.ClassPermanent:
		next.Status = domain.StatusFailed
		next.FailureReason = domain.ReasonRejected
		if next.ErrorMessage == "" {
			next.ErrorMessage = fmt.Sprintf("endpoint rejected delivery with status %d", statusCode)
		}
	default:
		d.sideEffect("breaker_failure", func(ctx context.Context) error {
			return d.recordBreaker(ctx, sub.ID, false)
		})
		if attempt >= sub.MaxAttempts {
			next.Status = domain.StatusFailed
			next.FailureReason = domain.ReasonExhausted
		} else {
			retryAt := now.Add(d.backoff.Delay(sub.BaseRetryDelay(), attempt))
			next.Status = domain.StatusRetrying
			next.NextRetryAt = &retryAt
		}
	}

	outcome, err := d.commit(ctx, delivery, next, elapsed, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}

	logAttrs := []any{
		"delivery_id", delivery.ID,
		"subscription_id", sub.ID,
		"tenant_id", delivery.TenantID,
		"attempt", attempt,
		"status_code", statusCode,
		"response_time_ms", elapsed.Milliseconds(),
		"status", next.Status,
	}
	switch next.Status {
	case domain.StatusDelivered:
		d.logger.Info("delivery successful", logAttrs...)
	case domain.StatusRetrying:
		d.logger.Warn("delivery failed, retry scheduled", append(logAttrs, "next_retry_at", next.NextRetryAt, "error", next.ErrorMessage)...)
	default:
		d.logger.Warn("delivery failed permanently", append(logAttrs, "reason", next.FailureReason, "error", next.ErrorMessage)...)
	}
	return outcome, nil
}

// Fail marks a delivery failed without contacting the endpoint. The attempt
// number is left unchanged.
func (d *Deliverer) Fail(ctx context.Context, delivery *domain.DeliveryAttempt, reason domain.FailureReason, message string) (engine.Outcome, error) {
	if delivery.Status.IsTerminal() {
		return outcomeOf(delivery, false), nil
	}
	outcome, err := d.fail(ctx, delivery, delivery.Clone(), reason, message)
	if err == nil {
		d.logger.Warn("delivery failed without attempt",
			"delivery_id", delivery.ID,
			"subscription_id", delivery.SubscriptionID,
			"tenant_id", delivery.TenantID,
			"reason", reason,
		)
	}
	return outcome, err
}

func (d *Deliverer) fail(ctx context.Context, prev, next *domain.DeliveryAttempt, reason domain.FailureReason, message string) (engine.Outcome, error) {
	next.Status = domain.StatusFailed
	next.FailureReason = reason
	next.ErrorMessage = domain.Truncate(message)
	next.NextRetryAt = nil
	next.UpdatedAt = d.now().UTC()
	return d.commit(ctx, prev, next, 0, false)
}

// deferDelivery pushes the delivery back without an HTTP call or an attempt.
func (d *Deliverer) deferDelivery(ctx context.Context, prev, next *domain.DeliveryAttempt, wait time.Duration, cause string) (engine.Outcome, error) {
	if wait <= 0 {
		wait = time.Second
	}
	now := d.now().UTC()
	retryAt := now.Add(wait)
	next.Status = domain.StatusRetrying
	next.NextRetryAt = &retryAt
	next.UpdatedAt = now

	metrics.DeferredTotal.WithLabelValues(cause).Inc()
	d.logger.Info("delivery deferred",
		"delivery_id", prev.ID,
		"subscription_id", prev.SubscriptionID,
		"tenant_id", prev.TenantID,
		"cause", cause,
		"next_retry_at", retryAt,
	)
	return d.commit(ctx, prev, next, 0, true)
}

func (d *Deliverer) commit(ctx context.Context, prev, next *domain.DeliveryAttempt, elapsed time.Duration, deferred bool) (engine.Outcome, error) {
	outcome := outcomeOf(next, deferred)

	if err := d.store.TransitionDelivery(ctx, prev.Status, prev.AttemptNumber, next); err != nil {
		if errors.Is(err, store.ErrStaleDelivery) {
			metrics.StaleWritesTotal.Inc()
			d.logger.Info("discarding stale delivery result",
				"delivery_id", prev.ID,
				"expected_status", prev.Status,
				"expected_attempt", prev.AttemptNumber,
			)
			return outcome, fmt.Errorf("recording delivery %s: %w", prev.ID, err)
		}
		d.logger.Error("failed to record delivery result",
			"error", err,
			"delivery_id", prev.ID,
			"subscription_id", prev.SubscriptionID,
		)
		return outcome, fmt.Errorf("recording delivery %s: %w", prev.ID, err)
	}

	statusLabel := string(next.Status)
	if deferred {
		statusLabel = "deferred"
	}
	metrics.AttemptsTotal.WithLabelValues(statusLabel, string(next.FailureReason)).Inc()

	d.publishLifecycle(next, deferred, elapsed)
	return outcome, nil
}

func (d *Deliverer) post(ctx context.Context, delivery *domain.DeliveryAttempt, sub *domain.Subscription, body []byte, signature string, attempt int) (int, string, error) {
	timeout := sub.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(engine.HeaderSignature, signature)
	req.Header.Set(engine.HeaderEvent, delivery.EventType)
	req.Header.Set(engine.HeaderID, delivery.ID)
	req.Header.Set(engine.HeaderAttempt, strconv.Itoa(attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, domain.ResponseExcerptLimit))
	io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	return resp.StatusCode, string(excerpt), nil
}

func (d *Deliverer) recordBreaker(ctx context.Context, subscriptionID string, success bool) error {
	if d.breaker == nil {
		return nil
	}
	if success {
		return d.breaker.RecordSuccess(ctx, subscriptionID)
	}
	return d.breaker.RecordFailure(ctx, subscriptionID)
}

func (d *Deliverer) publishLifecycle(next *domain.DeliveryAttempt, deferred bool, elapsed time.Duration) {
	if d.stream == nil && d.broadcaster == nil {
		return
	}

	event := domain.LifecycleEvent{
		Type:           lifecycleType(next.Status, deferred),
		DeliveryID:     next.ID,
		TenantID:       next.TenantID,
		SubscriptionID: next.SubscriptionID,
		EventType:      next.EventType,
		Attempt:        next.AttemptNumber,
		ResponseStatus: next.ResponseStatus,
		NextRetryAt:    next.NextRetryAt,
		FailureReason:  next.FailureReason,
		DurationMs:     elapsed.Milliseconds(),
		Error:          next.ErrorMessage,
		Timestamp:      next.UpdatedAt,
	}

	if d.stream != nil {
		d.sideEffect("lifecycle_stream", func(ctx context.Context) error {
			return d.stream.AppendLifecycle(ctx, event.Fields())
		})
	}
	if d.broadcaster != nil {
		d.sideEffect("lifecycle_broadcast", func(context.Context) error {
			return d.broadcaster.Broadcast(event)
		})
	}
}

func (d *Deliverer) sideEffect(name string, fn func(ctx context.Context) error) {
	if d.effects != nil {
		d.effects.Submit(name, fn)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		d.logger.Warn("side effect failed", "side_effect", name, "error", err)
	}
}

func lifecycleType(status domain.DeliveryStatus, deferred bool) string {
	switch {
	case deferred:
		return domain.LifecycleDeferred
	case status == domain.StatusDelivered:
		return domain.LifecycleDelivered
	case status == domain.StatusRetrying:
		return domain.LifecycleRetrying
	default:
		return domain.LifecycleFailed
	}
}

func outcomeOf(d *domain.DeliveryAttempt, deferred bool) engine.Outcome {
	return engine.Outcome{
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		Status:         d.Status,
		AttemptNumber:  d.AttemptNumber,
		ResponseStatus: d.ResponseStatus,
		NextRetryAt:    d.NextRetryAt,
		Reason:         d.FailureReason,
		Error:          d.ErrorMessage,
		Deferred:       deferred,
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/metrics"
)

var tracer = otel.Tracer("github.com/Priya8975/event-webhooks/internal/engine")

// Event is one domain event occurrence handed to the publisher by a producer.
type Event struct {
	TenantID   string
	EventType  string
	EntityID   string
	Attributes map[string]any
	// Data is the delivered payload. When empty, Attributes is encoded instead.
	Data json.RawMessage
}

// SubscriptionLister returns the active subscriptions of a tenant for an event type.
type SubscriptionLister interface {
	ActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
}

// DeliveryCreator persists a new delivery record.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, d *domain.DeliveryAttempt) error
}

// DeliveryJob is the unit of work for a first attempt.
type DeliveryJob struct {
	Delivery     *domain.DeliveryAttempt
	Subscription domain.Subscription
	Receipt      *Receipt
}

// Enqueuer accepts first-attempt jobs without blocking.
type Enqueuer interface {
	TrySubmit(job DeliveryJob) bool
}

// Receipt resolves to the outcome of a delivery's first attempt.
type Receipt struct {
	DeliveryID     string
	SubscriptionID string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	err     error
}

func NewReceipt(deliveryID, subscriptionID string) *Receipt {
	return &Receipt{
		DeliveryID:     deliveryID,
		SubscriptionID: subscriptionID,
		done:           make(chan struct{}),
	}
}

// Resolve records the first attempt's result. Only the first call has effect.
func (r *Receipt) Resolve(o Outcome, err error) {
	r.once.Do(func() {
		r.outcome = o
		r.err = err
		close(r.done)
	})
}

// Done is closed once the receipt is resolved.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the first attempt finishes or ctx is done.
func (r *Receipt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, r.err
	default:
	}
	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("%w: %v", ErrReceiptPending, ctx.Err())
	}
}

// Publication is what Publish hands back to a producer.
type Publication struct {
	EventType string
	Receipts  []*Receipt

	// Errors holds registry and store failures that were logged instead of returned.
	Errors []error
}

// DeliveryIDs lists the ids of the deliveries created for the event.
func (p *Publication) DeliveryIDs() []string {
	ids := make([]string, 0, len(p.Receipts))
	for _, r := range p.Receipts {
		ids = append(ids, r.DeliveryID)
	}
	return ids
}

// Outcomes waits for every receipt and returns the outcomes in receipt order.
func (p *Publication) Outcomes(ctx context.Context) ([]Outcome, error) {
	out := make([]Outcome, 0, len(p.Receipts))
	for _, r := range p.Receipts {
		o, err := r.Wait(ctx)
		if errors.Is(err, ErrReceiptPending) {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Publication) record(err error) {
	p.Errors = append(p.Errors, err)
}

// Publisher turns domain events into delivery records and queues their first attempt.
type Publisher struct {
	registry   SubscriptionLister
	deliveries DeliveryCreator
	queue      Enqueuer
	logger     *slog.Logger
	lease      time.Duration
	now        func() time.Time
}

// NewPublisher creates a publisher. lease is how long a pending delivery is
// reserved for the worker pool before the scheduler may pick it up.
func NewPublisher(registry SubscriptionLister, deliveries DeliveryCreator, queue Enqueuer, logger *slog.Logger, lease time.Duration) *Publisher {
	return &Publisher{
		registry:   registry,
		deliveries: deliveries,
		queue:      queue,
		logger:     logger,
		lease:      lease,
		now:        time.Now,
	}
}

// Publish matches the event against the tenant's active subscriptions,
// records one pending delivery per match and queues its first attempt. Only
// a missing tenant or event type is returned as an error.
func (p *Publisher) Publish(ctx context.Context, ev Event) (pub *Publication, err error) {
	if ev.TenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	if ev.EventType == "" {
		return nil, domain.ErrEventTypeRequired
	}

	ctx, span := tracer.Start(ctx, "publisher.publish")
	span.SetAttributes(
		attribute.String("tenant.id", ev.TenantID),
		attribute.String("event.type", ev.EventType),
	)
	defer span.End()

	pub = &Publication{EventType: ev.EventType}

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("publisher panic: %v", r)
			p.logger.Error("recovered from publisher panic", "error", perr, "tenant_id", ev.TenantID, "event_type", ev.EventType)
			metrics.PublishErrorsTotal.WithLabelValues("panic").Inc()
			pub.record(perr)
			err = nil
		}
		if len(pub.Errors) > 0 {
			span.SetStatus(codes.Error, pub.Errors[0].Error())
		}
	}()

	metrics.EventsPublishedTotal.WithLabelValues(ev.EventType).Inc()

	subs, lerr := p.registry.ActiveSubscriptions(ctx, ev.TenantID, ev.EventType)
	if lerr != nil {
		p.fail(pub, "registry", fmt.Errorf("listing subscriptions: %w", lerr), ev)
		return pub, nil
	}

	payload, perr := eventPayload(ev)
	if perr != nil {
		p.fail(pub, "payload", perr, ev)
		return pub, nil
	}

	for i := range subs {
		sub := subs[i]
		if !MatchFilter(sub.Filter, ev.Attributes) {
			continue
		}

		d := p.newDelivery(ev.TenantID, ev.EventType, ev.EntityID, payload, sub.ID)
		if cerr := p.deliveries.CreateDelivery(ctx, d); cerr != nil {
			p.fail(pub, "store", fmt.Errorf("creating delivery for subscription %s: %w", sub.ID, cerr), ev)
			continue
		}
		metrics.DeliveriesCreatedTotal.WithLabelValues(ev.EventType).Inc()
		pub.Receipts = append(pub.Receipts, p.submit(d, sub))
	}

	span.SetAttributes(attribute.Int("deliveries.created", len(pub.Receipts)))
	p.logger.Debug("event published",
		"tenant_id", ev.TenantID,
		"event_type", ev.EventType,
		"entity_id", ev.EntityID,
		"candidates", len(subs),
		"deliveries", len(pub.Receipts),
	)
	return pub, nil
}

// Replay records a new pending delivery carrying the payload of a terminal
// one and queues its first attempt. The original record is left untouched.
func (p *Publisher) Replay(ctx context.Context, original *domain.DeliveryAttempt, sub domain.Subscription) (*Receipt, error) {
	if original.TenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	if !original.Status.IsTerminal() {
		return nil, domain.ErrDeliveryNotTerminal
	}
	if sub.ID != original.SubscriptionID || sub.TenantID != original.TenantID {
		return nil, domain.ErrSubscriptionNotFound
	}

	ctx, span := tracer.Start(ctx, "publisher.replay")
	span.SetAttributes(
		attribute.String("tenant.id", original.TenantID),
		attribute.String("delivery.replay_of", original.ID),
	)
	defer span.End()

	d := p.newDelivery(original.TenantID, original.EventType, original.EntityID, original.Payload, sub.ID)
	if err := p.deliveries.CreateDelivery(ctx, d); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("creating replay delivery: %w", err)
	}
	metrics.DeliveriesCreatedTotal.WithLabelValues(d.EventType).Inc()

	p.logger.Info("delivery replayed",
		"delivery_id", d.ID,
		"replay_of", original.ID,
		"subscription_id", sub.ID,
		"tenant_id", d.TenantID,
	)
	return p.submit(d, sub), nil
}

func (p *Publisher) newDelivery(tenantID, eventType, entityID string, payload []byte, subscriptionID string) *domain.DeliveryAttempt {
	now := p.now().UTC().Truncate(time.Microsecond)
	lockedUntil := now.Add(p.lease)
	return &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		EntityID:       entityID,
		Payload:        append([]byte(nil), payload...),
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		LockedUntil:    &lockedUntil,
	}
}

// submit queues the first attempt. When the queue is full the receipt
// resolves as deferred and the scheduler picks the delivery up once its
// lease expires.
func (p *Publisher) submit(d *domain.DeliveryAttempt, sub domain.Subscription) *Receipt {
	receipt := NewReceipt(d.ID, sub.ID)
	if p.queue.TrySubmit(DeliveryJob{Delivery: d, Subscription: sub, Receipt: receipt}) {
		return receipt
	}

	metrics.QueueRejectionsTotal.Inc()
	p.logger.Warn("delivery queue full, leaving first attempt to scheduler",
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"tenant_id", d.TenantID,
	)
	receipt.Resolve(Outcome{
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		Status:         domain.StatusPending,
		Error:          ErrQueueFull.Error(),
		Deferred:       true,
	}, nil)
	return receipt
}

func (p *Publisher) fail(pub *Publication, stage string, err error, ev Event) {
	p.logger.Error("publish error",
		"stage", stage,
		"error", err,
		"tenant_id", ev.TenantID,
		"event_type", ev.EventType,
		"entity_id", ev.EntityID,
	)
	metrics.PublishErrorsTotal.WithLabelValues(stage).Inc()
	pub.record(err)
}

func eventPayload(ev Event) ([]byte, error) {
	if len(ev.Data) > 0 {
		if !json.Valid(ev.Data) {
			return nil, errors.New("event data is not valid JSON")
		}
		return append([]byte(nil), ev.Data...), nil
	}
	if ev.Attributes == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(ev.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encoding event attributes: %w", err)
	}
	return b, nil
}

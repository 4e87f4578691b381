package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
)

const testTenant = "tenant-a"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestDeliverer(st *store.MemoryStore, clock *testClock, opts ...DelivererOption) *Deliverer {
	d := NewDeliverer(st, testLogger(), opts...)
	d.now = clock.Now
	return d
}

func testSubscription(targetURL string) *domain.Subscription {
	return &domain.Subscription{
		ID:                    uuid.NewString(),
		TenantID:              testTenant,
		EventType:             "deal.funded",
		TargetURL:             targetURL,
		Secret:                "whsec_test_secret",
		IsActive:              true,
		MaxAttempts:           5,
		BaseRetryDelaySeconds: 10,
		RequestTimeoutSeconds: 5,
	}
}

func seedDelivery(t *testing.T, st *store.MemoryStore, sub *domain.Subscription, created time.Time) *domain.DeliveryAttempt {
	t.Helper()
	lease := created.Add(time.Minute)
	d := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventType:      sub.EventType,
		EntityID:       "deal-42",
		Payload:        []byte(`{"deal_id":"42","amount":5000,"status":"funded"}`),
		Status:         domain.StatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
		LockedUntil:    &lease,
	}
	if err := st.CreateDelivery(context.Background(), d); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return d
}

func reload(t *testing.T, st *store.MemoryStore, id string) *domain.DeliveryAttempt {
	t.Helper()
	d, err := st.GetDelivery(context.Background(), testTenant, id)
	if err != nil || d == nil {
		t.Fatalf("GetDelivery(%s) = %v, %v", id, d, err)
	}
	return d
}

func mustAttempt(t *testing.T, d *Deliverer, delivery *domain.DeliveryAttempt, sub *domain.Subscription) engine.Outcome {
	t.Helper()
	o, err := d.Attempt(context.Background(), delivery, sub)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	return o
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []engine.DeliveryJob
}

func (q *recordingQueue) TrySubmit(job engine.DeliveryJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

type fakeBreaker struct {
	mu    sync.Mutex
	reset []string
}

func (f *fakeBreaker) GetState(context.Context, string) engine.CircuitBreakerState {
	return engine.CircuitBreakerState{State: engine.StateOpen, Failures: 5}
}

func (f *fakeBreaker) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, id)
	return nil
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	queue   *recordingQueue
	breaker *fakeBreaker
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.NewMemory()
	queue := &recordingQueue{}
	breaker := &fakeBreaker{}

	cfg := Config{
		Store:     st,
		Publisher: engine.NewPublisher(st, st, queue, logger, time.Minute),
		Breaker:   breaker,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testServer{handler: NewRouter(cfg), store: st, queue: queue, breaker: breaker}
}

func (s *testServer) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createSubscription(t *testing.T, tenant string, req map[string]any) domain.CreateSubscriptionResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/subscriptions", tenant, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.CreateSubscriptionResponse](t, rec)
}

func TestRouter_RequiresTenant(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/subscriptions", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), TenantHeader)

	rec = s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptions_CreateReturnsSecretOnce(t *testing.T) {
	s := newTestServer(t)

	created := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
		"filter":     map[string]any{"status": "funded"},
	})
	assert.NotEmpty(t, created.ID)
	assert.Regexp(t, `^whsec_[0-9a-f]{64}$`, created.Secret)
	assert.Equal(t, domain.DefaultMaxAttempts, created.MaxAttempts)
	assert.True(t, created.IsActive)

	rec := s.do(t, http.MethodGet, "/api/v1/subscriptions/"+created.ID, "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)
	assert.NotContains(t, rec.Body.String(), `"secret"`)
}

func TestSubscriptions_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing event type", map[string]any{"target_url": "https://example.com"}},
		{"bad url", map[string]any{"event_type": "deal.funded", "target_url": "not a url"}},
		{"non-http url", map[string]any{"event_type": "deal.funded", "target_url": "ftp://example.com"}},
		{"nested filter", map[string]any{
			"event_type": "deal.funded",
			"target_url": "https://example.com",
			"filter":     map[string]any{"deal": map[string]any{"status": "funded"}},
		}},
		{"too many attempts", map[string]any{"event_type": "deal.funded", "target_url": "https://example.com", "max_attempts": 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/subscriptions", "tenant-a", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSubscriptions_TenantIsolation(t *testing.T) {
	s := newTestServer(t)
	created := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})

	rec := s.do(t, http.MethodGet, "/api/v1/subscriptions/"+created.ID, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/subscriptions", "tenant-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]domain.Subscription](t, rec))

	rec = s.do(t, http.MethodDelete, "/api/v1/subscriptions/"+created.ID, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptions_UpdateDeactivateDelete(t *testing.T) {
	s := newTestServer(t)
	created := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})
	path := "/api/v1/subscriptions/" + created.ID

	rec := s.do(t, http.MethodPatch, path, "tenant-a", map[string]any{"max_attempts": 3, "target_url": "https://example.com/v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[domain.Subscription](t, rec)
	assert.Equal(t, 3, updated.MaxAttempts)
	assert.Equal(t, "https://example.com/v2", updated.TargetURL)

	rec = s.do(t, http.MethodPatch, path, "tenant-a", map[string]any{"target_url": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/deactivate", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Subscription](t, rec).IsActive)

	rec = s.do(t, http.MethodDelete, path, "tenant-a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{created.ID}, s.breaker.reset)

	rec = s.do(t, http.MethodGet, path, "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_PublishCreatesMatchingDeliveries(t *testing.T) {
	s := newTestServer(t)
	funded := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/funded",
		"filter":     map[string]any{"status": "funded"},
	})
	s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/cancelled",
		"filter":     map[string]any{"status": "cancelled"},
	})
	s.createSubscription(t, "tenant-b", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/other",
	})

	rec := s.do(t, http.MethodPost, "/api/v1/events", "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"entity_id":  "deal-42",
		"attributes": map[string]any{"status": "funded", "amount": 5000},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[publishResponse](t, rec)
	require.Len(t, resp.DeliveryIDs, 1)
	require.Len(t, s.queue.jobs, 1)
	assert.Equal(t, funded.ID, s.queue.jobs[0].Subscription.ID)

	rec = s.do(t, http.MethodGet, "/api/v1/deliveries/"+resp.DeliveryIDs[0], "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view["status"])
	assert.Equal(t, "deal-42", view["entity_id"])
	assert.Equal(t, map[string]any{"status": "funded", "amount": float64(5000)}, view["payload"])
}

func TestEvents_PublishRequiresEventType(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/events", "tenant-a", map[string]any{"entity_id": "deal-42"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_ThrottledPerTenant(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.PublishRate = rate.Limit(0.001)
		c.PublishBurst = 1
	})
	body := map[string]any{"event_type": "deal.funded"}

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/events", "tenant-a", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/v1/events", "tenant-a", body).Code)
	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/events", "tenant-b", body).Code)
}

func seedTerminal(t *testing.T, s *testServer, tenant, subID string, status domain.DeliveryStatus) *domain.DeliveryAttempt {
	t.Helper()
	now := time.Now().UTC()
	d := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		TenantID:       tenant,
		SubscriptionID: subID,
		EventType:      "deal.funded",
		Payload:        []byte(`{"deal_id":"42"}`),
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.store.CreateDelivery(context.Background(), d))
	if status == domain.StatusPending {
		return d
	}

	next := d.Clone()
	next.Status = status
	next.AttemptNumber = 1
	if status == domain.StatusFailed {
		next.ResponseStatus = 410
		next.FailureReason = domain.ReasonRejected
	}
	require.NoError(t, s.store.TransitionDelivery(context.Background(), domain.StatusPending, 0, next))
	return next
}

func TestDeliveries_FailedAndReplay(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})
	failed := seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusFailed)

	rec := s.do(t, http.MethodGet, "/api/v1/deliveries/failed", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, failed.ID, list[0]["id"])

	rec = s.do(t, http.MethodPost, "/api/v1/deliveries/"+failed.ID+"/replay", "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	replay := decode[map[string]string](t, rec)
	assert.Equal(t, failed.ID, replay["replay_of"])
	assert.NotEqual(t, failed.ID, replay["delivery_id"])

	original, err := s.store.GetDelivery(context.Background(), "tenant-a", failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, original.Status)

	replayed, err := s.store.GetDelivery(context.Background(), "tenant-a", replay["delivery_id"])
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, string(failed.Payload), string(replayed.Payload))
	assert.Equal(t, domain.StatusPending, replayed.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/deliveries/"+replayed.ID+"/replay", "tenant-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "pending deliveries cannot be replayed")

	rec = s.do(t, http.MethodPost, "/api/v1/deliveries/"+failed.ID+"/replay", "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeliveries_ListFilters(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})
	seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusDelivered)
	seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusFailed)

	rec := s.do(t, http.MethodGet, "/api/v1/deliveries?status=delivered", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/v1/subscriptions/"+sub.ID+"/deliveries", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/v1/deliveries?status=bogus", "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/deliveries/does-not-exist", "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptions_Health(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})
	seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusDelivered)
	seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusFailed)

	rec := s.do(t, http.MethodGet, "/api/v1/subscriptions/"+sub.ID+"/health", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
		Counts         map[string]int             `json:"counts"`
		SuccessRate    float64                    `json:"success_rate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, engine.StateOpen, resp.CircuitBreaker.State)
	assert.Equal(t, 1, resp.Counts["delivered"])
	assert.Equal(t, 1, resp.Counts["failed"])
	assert.InDelta(t, 50.0, resp.SuccessRate, 0.001)
}

func TestDashboard_Metrics(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, "tenant-a", map[string]any{
		"event_type": "deal.funded",
		"target_url": "https://example.com/hooks",
	})
	seedTerminal(t, s, "tenant-a", sub.ID, domain.StatusDelivered)

	rec := s.do(t, http.MethodGet, "/api/v1/metrics", "tenant-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[store.DashboardStats](t, rec)
	assert.Equal(t, 1, stats.TotalDeliveries)
	assert.Equal(t, 1, stats.DeliveredCount)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
	assert.InDelta(t, 100.0, stats.SuccessRate, 0.001)
}

func TestHealth_ReportsFailingChecks(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.HealthChecks = map[string]func(context.Context) error{
			"store": func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestRouter_PrometheusEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// uuidColumnStore fails the way a uuid-typed column does when handed an id
// that does not parse.
type uuidColumnStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	rejects int
}

func (s *uuidColumnStore) check(id string) error {
	if id == "" {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		s.mu.Lock()
		s.rejects++
		s.mu.Unlock()
		return errors.New("invalid input syntax for type uuid")
	}
	return nil
}

func (s *uuidColumnStore) GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetSubscription(ctx, tenantID, id)
}

func (s *uuidColumnStore) UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return s.MemoryStore.UpdateSubscription(ctx, tenantID, id, req)
}

func (s *uuidColumnStore) DeactivateSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return s.MemoryStore.DeactivateSubscription(ctx, tenantID, id)
}

func (s *uuidColumnStore) DeleteSubscription(ctx context.Context, tenantID, id string) (bool, error) {
	if err := s.check(id); err != nil {
		return false, err
	}
	return s.MemoryStore.DeleteSubscription(ctx, tenantID, id)
}

func (s *uuidColumnStore) GetDelivery(ctx context.Context, tenantID, id string) (*domain.DeliveryAttempt, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetDelivery(ctx, tenantID, id)
}

func (s *uuidColumnStore) ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	if err := s.check(f.SubscriptionID); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListDeliveries(ctx, f)
}

func TestRouter_MalformedIDsAreNotFound(t *testing.T) {
	backend := &uuidColumnStore{MemoryStore: store.NewMemory()}
	s := newTestServer(t, func(cfg *Config) { cfg.Store = backend })

	notFound := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/v1/subscriptions/not-a-uuid", nil},
		{http.MethodPatch, "/api/v1/subscriptions/not-a-uuid", map[string]any{"is_active": false}},
		{http.MethodDelete, "/api/v1/subscriptions/not-a-uuid", nil},
		{http.MethodPost, "/api/v1/subscriptions/not-a-uuid/deactivate", nil},
		{http.MethodGet, "/api/v1/subscriptions/not-a-uuid/deliveries", nil},
		{http.MethodGet, "/api/v1/subscriptions/not-a-uuid/health", nil},
		{http.MethodGet, "/api/v1/deliveries/not-a-uuid", nil},
		{http.MethodPost, "/api/v1/deliveries/not-a-uuid/replay", nil},
	}
	for _, tc := range notFound {
		rec := s.do(t, tc.method, tc.path, "tenant-a", tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}

	for _, path := range []string{
		"/api/v1/deliveries?subscription_id=not-a-uuid",
		"/api/v1/deliveries/failed?subscription_id=not-a-uuid",
	} {
		rec := s.do(t, http.MethodGet, path, "tenant-a", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/deliveries/failed", "tenant-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/subscriptions/"+uuid.NewString(), "tenant-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Zero(t, backend.rejects, "malformed ids reached the store")
}

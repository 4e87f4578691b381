package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

// MemoryStore is an in-process Backend with the same compare-and-set and
// claim semantics as PostgresStore. Used for local runs and tests.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	deliveries    map[string]*domain.DeliveryAttempt
	now           func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*domain.Subscription),
		deliveries:    make(map[string]*domain.DeliveryAttempt),
		now:           time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateSubscription(_ context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	req.ApplyDefaults()

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	sub := &domain.Subscription{
		ID:                    uuid.NewString(),
		TenantID:              tenantID,
		EventType:             req.EventType,
		TargetURL:             req.TargetURL,
		Description:           req.Description,
		Secret:                secret,
		Filter:                copyFilter(req.Filter),
		IsActive:              true,
		MaxAttempts:           req.MaxAttempts,
		BaseRetryDelaySeconds: req.BaseRetryDelaySeconds,
		RequestTimeoutSeconds: req.RequestTimeoutSeconds,
		RateLimitPerSecond:    req.RateLimitPerSecond,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	out := *sub
	return &out, nil
}

// PutSubscription stores sub as is, replacing any subscription with the same id.
func (m *MemoryStore) PutSubscription(sub domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.Filter = copyFilter(sub.Filter)
	m.subscriptions[sub.ID] = &sub
}

func (m *MemoryStore) GetSubscription(_ context.Context, tenantID, id string) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return nil, nil
	}
	out := *sub
	out.Filter = copyFilter(sub.Filter)
	return &out, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, tenantID string) ([]domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return m.selectSubscriptions(func(s *domain.Subscription) bool {
		return s.TenantID == tenantID
	}, true), nil
}

func (m *MemoryStore) ActiveSubscriptions(_ context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	return m.selectSubscriptions(func(s *domain.Subscription) bool {
		return s.TenantID == tenantID && s.EventType == eventType && s.IsActive
	}, false), nil
}

func (m *MemoryStore) selectSubscriptions(keep func(*domain.Subscription) bool, newestFirst bool) []domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Subscription{}
	for _, s := range m.subscriptions {
		if keep(s) {
			c := *s
			c.Filter = copyFilter(s.Filter)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return nil, nil
	}

	if req.TargetURL != nil {
		sub.TargetURL = *req.TargetURL
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.Filter != nil {
		sub.Filter = copyFilter(*req.Filter)
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if req.MaxAttempts != nil {
		sub.MaxAttempts = *req.MaxAttempts
	}
	if req.BaseRetryDelaySeconds != nil {
		sub.BaseRetryDelaySeconds = *req.BaseRetryDelaySeconds
	}
	if req.RequestTimeoutSeconds != nil {
		sub.RequestTimeoutSeconds = *req.RequestTimeoutSeconds
	}
	if req.RateLimitPerSecond != nil {
		sub.RateLimitPerSecond = *req.RateLimitPerSecond
	}
	sub.UpdatedAt = m.now().UTC()

	out := *sub
	out.Filter = copyFilter(sub.Filter)
	return &out, nil
}

func (m *MemoryStore) DeactivateSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	inactive := false
	return m.UpdateSubscription(ctx, tenantID, id, domain.UpdateSubscriptionRequest{IsActive: &inactive})
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, tenantID, id string) (bool, error) {
	if tenantID == "" {
		return false, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return false, nil
	}
	delete(m.subscriptions, id)
	return true, nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *domain.DeliveryAttempt) error {
	if d.TenantID == "" {
		return domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, tenantID, id string) (*domain.DeliveryAttempt, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, nil
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, f domain.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	if f.TenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.DeliveryAttempt{}
	for _, d := range m.deliveries {
		if d.TenantID != f.TenantID {
			continue
		}
		if f.SubscriptionID != "" && d.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.EntityID != "" && d.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionDelivery(_ context.Context, expectStatus domain.DeliveryStatus, expectAttempt int, d *domain.DeliveryAttempt) error {
	if d.TenantID == "" {
		return domain.ErrTenantRequired
	}
	if err := checkTransition(expectStatus, expectAttempt, d); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deliveries[d.ID]
	if !ok || cur.TenantID != d.TenantID || cur.Status != expectStatus || cur.AttemptNumber != expectAttempt {
		return ErrStaleDelivery
	}

	next := cur.Clone()
	next.Status = d.Status
	next.AttemptNumber = d.AttemptNumber
	next.NextRetryAt = copyTime(d.NextRetryAt)
	next.ResponseStatus = d.ResponseStatus
	next.ResponseBodyExcerpt = domain.Truncate(d.ResponseBodyExcerpt)
	next.ErrorMessage = domain.Truncate(d.ErrorMessage)
	next.FailureReason = d.FailureReason
	next.DeliveredAt = copyTime(d.DeliveredAt)
	next.UpdatedAt = d.UpdatedAt
	next.LockedUntil = nil
	m.deliveries[d.ID] = next
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.DeliveryAttempt
	for _, d := range m.deliveries {
		if d.LockedUntil != nil && d.LockedUntil.After(now) {
			continue
		}
		switch d.Status {
		case domain.StatusRetrying:
			if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
				continue
			}
		case domain.StatusPending:
		default:
			continue
		}
		due = append(due, d)
	}

	sort.Slice(due, func(i, j int) bool { return dueAt(due[i]).Before(dueAt(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	claimed := make([]*domain.DeliveryAttempt, 0, len(due))
	for _, d := range due {
		u := until
		d.LockedUntil = &u
		claimed = append(claimed, d.Clone())
	}
	return claimed, nil
}

func (m *MemoryStore) ClaimPending(_ context.Context, tenantID, id string, heldUntil, until time.Time) (bool, error) {
	if tenantID == "" {
		return false, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return false, nil
	}
	if d.Status != domain.StatusPending || d.AttemptNumber != 0 {
		return false, nil
	}
	if d.LockedUntil == nil || !d.LockedUntil.Equal(heldUntil) {
		return false, nil
	}
	u := until
	d.LockedUntil = &u
	return true, nil
}

func (m *MemoryStore) ListArchivable(_ context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.DeliveryAttempt{}
	for _, d := range m.deliveries {
		if d.Status.IsTerminal() && d.ArchivedAt == nil && d.UpdatedAt.Before(before) {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if d, ok := m.deliveries[id]; ok && d.ArchivedAt == nil {
			t := at
			d.ArchivedAt = &t
		}
	}
	return nil
}

func (m *MemoryStore) DashboardStats(_ context.Context, tenantID string) (*DashboardStats, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var s DashboardStats
	for _, d := range m.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		s.TotalDeliveries++
		s.TotalAttempts += d.AttemptNumber
		switch d.Status {
		case domain.StatusPending:
			s.PendingCount++
		case domain.StatusDelivered:
			s.DeliveredCount++
		case domain.StatusRetrying:
			s.RetryingCount++
		case domain.StatusFailed:
			s.FailedCount++
		}
	}
	for _, sub := range m.subscriptions {
		if sub.TenantID == tenantID && sub.IsActive {
			s.ActiveSubscriptions++
		}
	}
	s.computeRate()
	return &s, nil
}

func (m *MemoryStore) SubscriptionDeliveryCounts(_ context.Context, tenantID, subscriptionID string, since time.Time) (map[domain.DeliveryStatus]int, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[domain.DeliveryStatus]int{}
	for _, d := range m.deliveries {
		if d.TenantID == tenantID && d.SubscriptionID == subscriptionID && !d.CreatedAt.Before(since) {
			counts[d.Status]++
		}
	}
	return counts, nil
}

func dueAt(d *domain.DeliveryAttempt) time.Time {
	if d.NextRetryAt != nil {
		return *d.NextRetryAt
	}
	return d.CreatedAt
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFilter(f domain.Filter) domain.Filter {
	if f == nil {
		return nil
	}
	out := make(domain.Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

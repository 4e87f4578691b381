package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

var (
	// ErrStaleDelivery means the delivery changed since it was read; the write was discarded.
	ErrStaleDelivery = errors.New("delivery was modified concurrently")
	// ErrInvalidTransition means the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid delivery status transition")
)

// Registry stores subscriptions. Every call is scoped to a tenant.
type Registry interface {
	CreateSubscription(ctx context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) (bool, error)
	ActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error)
}

// Deliveries stores delivery attempt records.
type Deliveries interface {
	CreateDelivery(ctx context.Context, d *domain.DeliveryAttempt) error
	GetDelivery(ctx context.Context, tenantID, id string) (*domain.DeliveryAttempt, error)
	ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryAttempt, error)
	// TransitionDelivery writes d only if the stored record still has
	// expectStatus and expectAttempt. Otherwise it returns ErrStaleDelivery.
	TransitionDelivery(ctx context.Context, expectStatus domain.DeliveryStatus, expectAttempt int, d *domain.DeliveryAttempt) error
	// ClaimDue leases up to limit deliveries that need a dispatcher pass:
	// retrying records whose next_retry_at has passed and pending records
	// whose first-attempt lease expired.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryAttempt, error)
	// ClaimPending moves the first-attempt lease of a pending delivery from
	// heldUntil to until. It reports false when the record is no longer
	// pending at attempt zero or its lease was taken by someone else.
	ClaimPending(ctx context.Context, tenantID, id string, heldUntil, until time.Time) (bool, error)
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// Stats aggregates delivery counts for the dashboard and health endpoints.
type Stats interface {
	DashboardStats(ctx context.Context, tenantID string) (*DashboardStats, error)
	SubscriptionDeliveryCounts(ctx context.Context, tenantID, subscriptionID string, since time.Time) (map[domain.DeliveryStatus]int, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	Registry
	Deliveries
	Stats
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// DashboardStats holds aggregated delivery statistics for one tenant.
type DashboardStats struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	PendingCount        int     `json:"pending_count"`
	DeliveredCount      int     `json:"delivered_count"`
	RetryingCount       int     `json:"retrying_count"`
	FailedCount         int     `json:"failed_count"`
	SuccessRate         float64 `json:"success_rate"`
	TotalAttempts       int     `json:"total_attempts"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
}

func (s *DashboardStats) computeRate() {
	if terminal := s.DeliveredCount + s.FailedCount; terminal > 0 {
		s.SuccessRate = float64(s.DeliveredCount) / float64(terminal) * 100
	}
}

// checkTransition validates a compare-and-set request before it reaches a backend.
func checkTransition(expectStatus domain.DeliveryStatus, expectAttempt int, d *domain.DeliveryAttempt) error {
	if !expectStatus.CanTransitionTo(d.Status) {
		return ErrInvalidTransition
	}
	if d.AttemptNumber < expectAttempt {
		return ErrInvalidTransition
	}
	if d.Status == domain.StatusRetrying && d.NextRetryAt == nil {
		return ErrInvalidTransition
	}
	return nil
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}

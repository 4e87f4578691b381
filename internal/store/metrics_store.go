package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

// DashboardStats returns aggregated delivery statistics for a tenant.
func (s *PostgresStore) DashboardStats(ctx context.Context, tenantID string) (*DashboardStats, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	var m DashboardStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'retrying') AS retrying,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(SUM(attempt_number), 0) AS attempts
		FROM delivery_attempts
		WHERE tenant_id = $1
	`, tenantID).Scan(&m.TotalDeliveries, &m.PendingCount, &m.DeliveredCount, &m.RetryingCount, &m.FailedCount, &m.TotalAttempts)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}
	m.computeRate()

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE tenant_id = $1 AND is_active = true
	`, tenantID).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	return &m, nil
}

// SubscriptionDeliveryCounts counts a subscription's deliveries by status since a point in time.
func (s *PostgresStore) SubscriptionDeliveryCounts(ctx context.Context, tenantID, subscriptionID string, since time.Time) (map[domain.DeliveryStatus]int, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_attempts
		WHERE tenant_id = $1 AND subscription_id = $2 AND created_at >= $3
		GROUP BY status
	`, tenantID, subscriptionID, since)
	if err != nil {
		return nil, fmt.Errorf("querying subscription delivery counts: %w", err)
	}
	defer rows.Close()

	counts := map[domain.DeliveryStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning delivery count: %w", err)
		}
		counts[domain.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

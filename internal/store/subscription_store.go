package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

const subscriptionColumns = `id, tenant_id, event_type, target_url, description, secret, filter, is_active,
	max_attempts, base_retry_delay_seconds, request_timeout_seconds, rate_limit_per_second, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	req.ApplyDefaults()

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = GenerateSecret(); err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
	}

	filter, err := encodeFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, tenant_id, event_type, target_url, description, secret, filter,
			max_attempts, base_retry_delay_seconds, request_timeout_seconds, rate_limit_per_second)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+subscriptionColumns,
		uuid.NewString(), tenantID, req.EventType, req.TargetURL, req.Description, secret, filter,
		req.MaxAttempts, req.BaseRetryDelaySeconds, req.RequestTimeoutSeconds, req.RateLimitPerSecond,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ActiveSubscriptions returns the tenant's active subscriptions for eventType.
func (s *PostgresStore) ActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1 AND event_type = $2 AND is_active = true
		ORDER BY created_at
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	setClauses := []string{}
	args := []any{}
	argIdx := 1

	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.TargetURL != nil {
		set("target_url", *req.TargetURL)
	}
	if req.Description != nil {
		set("description", *req.Description)
	}
	if req.Filter != nil {
		filter, err := encodeFilter(*req.Filter)
		if err != nil {
			return nil, err
		}
		set("filter", filter)
	}
	if req.IsActive != nil {
		set("is_active", *req.IsActive)
	}
	if req.MaxAttempts != nil {
		set("max_attempts", *req.MaxAttempts)
	}
	if req.BaseRetryDelaySeconds != nil {
		set("base_retry_delay_seconds", *req.BaseRetryDelaySeconds)
	}
	if req.RequestTimeoutSeconds != nil {
		set("request_timeout_seconds", *req.RequestTimeoutSeconds)
	}
	if req.RateLimitPerSecond != nil {
		set("rate_limit_per_second", *req.RateLimitPerSecond)
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, tenantID, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d AND tenant_id = $%d
		RETURNING %s
	`, strings.Join(setClauses, ", "), argIdx, argIdx+1, subscriptionColumns)
	args = append(args, id, tenantID)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// DeactivateSubscription stops matching new events. In-flight attempts are not cancelled.
func (s *PostgresStore) DeactivateSubscription(ctx context.Context, tenantID, id string) (*domain.Subscription, error) {
	inactive := false
	return s.UpdateSubscription(ctx, tenantID, id, domain.UpdateSubscriptionRequest{IsActive: &inactive})
}

// DeleteSubscription hard deletes a subscription. Its deliveries are kept.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, tenantID, id string) (bool, error) {
	if tenantID == "" {
		return false, domain.ErrTenantRequired
	}
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("deleting subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var filter []byte
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.EventType, &sub.TargetURL, &sub.Description, &sub.Secret, &filter,
		&sub.IsActive, &sub.MaxAttempts, &sub.BaseRetryDelaySeconds, &sub.RequestTimeoutSeconds,
		&sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.Filter, err = decodeFilter(filter); err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func encodeFilter(f domain.Filter) ([]byte, error) {
	if len(f) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return nil, fmt.Errorf("encoding filter: %w", err)
	}
	return b, nil
}

func decodeFilter(b []byte) (domain.Filter, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var f domain.Filter
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding filter: %w", err)
	}
	return f, nil
}

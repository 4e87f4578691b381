package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

const deliveryColumns = `id, tenant_id, subscription_id, event_type, entity_id, payload, status, attempt_number,
	next_retry_at, response_status, response_body_excerpt, error_message, failure_reason,
	created_at, updated_at, delivered_at, locked_until, archived_at`

// CreateDelivery inserts a new delivery record. Payload bytes are stored verbatim.
func (s *PostgresStore) CreateDelivery(ctx context.Context, d *domain.DeliveryAttempt) error {
	if d.TenantID == "" {
		return domain.ErrTenantRequired
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, tenant_id, subscription_id, event_type, entity_id, payload,
			status, attempt_number, created_at, updated_at, locked_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.TenantID, d.SubscriptionID, d.EventType, d.EntityID, d.Payload,
		d.Status, d.AttemptNumber, d.CreatedAt, d.UpdatedAt, d.LockedUntil)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, tenantID, id string) (*domain.DeliveryAttempt, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns the tenant's deliveries, newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	if f.TenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	conditions := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	argIdx := 2

	if f.SubscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, f.SubscriptionID)
		argIdx++
	}
	if f.EntityID != "" {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", argIdx))
		args = append(args, f.EntityID)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}

	query := `SELECT ` + deliveryColumns + ` FROM delivery_attempts WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC`

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// TransitionDelivery applies a compare-and-set update on (status, attempt_number).
// A successful write also releases any scheduler lease.
func (s *PostgresStore) TransitionDelivery(ctx context.Context, expectStatus domain.DeliveryStatus, expectAttempt int, d *domain.DeliveryAttempt) error {
	if d.TenantID == "" {
		return domain.ErrTenantRequired
	}
	if err := checkTransition(expectStatus, expectAttempt, d); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, expectStatus, d.Status)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts SET
			status = $3,
			attempt_number = $4,
			next_retry_at = $5,
			response_status = $6,
			response_body_excerpt = $7,
			error_message = $8,
			failure_reason = $9,
			delivered_at = $10,
			updated_at = $11,
			locked_until = NULL
		WHERE id = $1 AND tenant_id = $2 AND status = $12 AND attempt_number = $13
	`, d.ID, d.TenantID, d.Status, d.AttemptNumber, d.NextRetryAt, d.ResponseStatus,
		domain.Truncate(d.ResponseBodyExcerpt), domain.Truncate(d.ErrorMessage), d.FailureReason,
		d.DeliveredAt, d.UpdatedAt, expectStatus, expectAttempt)
	if err != nil {
		return fmt.Errorf("updating delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// ClaimDue leases due deliveries with FOR UPDATE SKIP LOCKED so concurrent
// scheduler instances never claim the same row.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE delivery_attempts SET locked_until = $2
		WHERE id IN (
			SELECT id FROM delivery_attempts
			WHERE (locked_until IS NULL OR locked_until <= $1)
			  AND (
				(status = 'retrying' AND next_retry_at <= $1)
				OR status = 'pending'
			  )
			ORDER BY COALESCE(next_retry_at, created_at)
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}

	list, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	claimed := make([]*domain.DeliveryAttempt, len(list))
	for i := range list {
		claimed[i] = &list[i]
	}
	return claimed, nil
}

// ClaimPending takes over the publisher's first-attempt lease. The row lock
// taken by the UPDATE serialises it against ClaimDue.
func (s *PostgresStore) ClaimPending(ctx context.Context, tenantID, id string, heldUntil, until time.Time) (bool, error) {
	if tenantID == "" {
		return false, domain.ErrTenantRequired
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts SET locked_until = $4
		WHERE id = $1 AND tenant_id = $2
		  AND status = 'pending' AND attempt_number = 0
		  AND locked_until = $3
	`, id, tenantID, heldUntil, until)
	if err != nil {
		return false, fmt.Errorf("claiming pending delivery: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListArchivable returns terminal, unarchived deliveries last updated before the cutoff.
func (s *PostgresStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_attempts
		WHERE status IN ('delivered', 'failed') AND archived_at IS NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archivable deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *PostgresStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts SET archived_at = $2
		WHERE id = ANY($1::uuid[]) AND archived_at IS NULL
	`, ids, at)
	if err != nil {
		return fmt.Errorf("marking deliveries archived: %w", err)
	}
	return nil
}

func scanDelivery(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var d domain.DeliveryAttempt
	var status, reason string
	err := row.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.EntityID, &d.Payload,
		&status, &d.AttemptNumber, &d.NextRetryAt, &d.ResponseStatus,
		&d.ResponseBodyExcerpt, &d.ErrorMessage, &reason,
		&d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt, &d.LockedUntil, &d.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeliveryStatus(status)
	d.FailureReason = domain.FailureReason(reason)
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]domain.DeliveryAttempt, error) {
	defer rows.Close()

	deliveries := []domain.DeliveryAttempt{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return deliveries, nil
}

package domain

import (
	"strconv"
	"time"
)

// Lifecycle event types published after every dispatcher pass.
const (
	LifecycleDelivered = "delivery.delivered"
	LifecycleRetrying  = "delivery.retrying"
	LifecycleFailed    = "delivery.failed"
	LifecycleDeferred  = "delivery.deferred"
)

// LifecycleEvent describes a delivery state change for observers.
type LifecycleEvent struct {
	Type           string        `json:"type"`
	DeliveryID     string        `json:"delivery_id"`
	TenantID       string        `json:"tenant_id"`
	SubscriptionID string        `json:"subscription_id"`
	EventType      string        `json:"event_type"`
	Attempt        int           `json:"attempt"`
	ResponseStatus int           `json:"response_status,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Fields flattens the event for a Redis stream entry.
func (e LifecycleEvent) Fields() map[string]any {
	f := map[string]any{
		"type":            e.Type,
		"delivery_id":     e.DeliveryID,
		"tenant_id":       e.TenantID,
		"subscription_id": e.SubscriptionID,
		"event_type":      e.EventType,
		"attempt":         strconv.Itoa(e.Attempt),
		"response_status": strconv.Itoa(e.ResponseStatus),
		"duration_ms":     strconv.FormatInt(e.DurationMs, 10),
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.NextRetryAt != nil {
		f["next_retry_at"] = e.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	if e.FailureReason != ReasonNone {
		f["failure_reason"] = string(e.FailureReason)
	}
	if e.Error != "" {
		f["error"] = e.Error
	}
	return f
}

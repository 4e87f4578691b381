package domain

import (
	"time"
)

// Filter maps an event attribute name to the literal value it must equal.
type Filter map[string]any

// Subscription routes one event type of one tenant to one target endpoint.
type Subscription struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	EventType             string    `json:"event_type"`
	TargetURL             string    `json:"target_url"`
	Description           string    `json:"description,omitempty"`
	Secret                string    `json:"-"`
	Filter                Filter    `json:"filter,omitempty"`
	IsActive              bool      `json:"is_active"`
	MaxAttempts           int       `json:"max_attempts"`
	BaseRetryDelaySeconds int       `json:"base_retry_delay_seconds"`
	RequestTimeoutSeconds int       `json:"request_timeout_seconds"`
	RateLimitPerSecond    int       `json:"rate_limit_per_second"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// BaseRetryDelay returns the backoff base as a duration.
func (s *Subscription) BaseRetryDelay() time.Duration {
	return time.Duration(s.BaseRetryDelaySeconds) * time.Second
}

// RequestTimeout returns the per-request deadline as a duration.
func (s *Subscription) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// Subscription defaults applied when a create request leaves them unset.
const (
	DefaultMaxAttempts           = 5
	DefaultBaseRetryDelaySeconds = 30
	DefaultRequestTimeoutSeconds = 10
)

type CreateSubscriptionRequest struct {
	EventType             string `json:"event_type" validate:"required,max=255"`
	TargetURL             string `json:"target_url" validate:"required,url,startswith=http"`
	Description           string `json:"description" validate:"max=500"`
	Secret                string `json:"secret,omitempty" validate:"omitempty,min=16,max=255"`
	Filter                Filter `json:"filter,omitempty"`
	MaxAttempts           int    `json:"max_attempts" validate:"omitempty,min=1,max=50"`
	BaseRetryDelaySeconds int    `json:"base_retry_delay_seconds" validate:"omitempty,min=1,max=86400"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"omitempty,min=1,max=120"`
	RateLimitPerSecond    int    `json:"rate_limit_per_second" validate:"min=0,max=10000"`
}

// ApplyDefaults fills unset numeric settings.
func (r *CreateSubscriptionRequest) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BaseRetryDelaySeconds == 0 {
		r.BaseRetryDelaySeconds = DefaultBaseRetryDelaySeconds
	}
	if r.RequestTimeoutSeconds == 0 {
		r.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
}

type UpdateSubscriptionRequest struct {
	TargetURL             *string `json:"target_url,omitempty" validate:"omitempty,url,startswith=http"`
	Description           *string `json:"description,omitempty" validate:"omitempty,max=500"`
	Filter                *Filter `json:"filter,omitempty"`
	IsActive              *bool   `json:"is_active,omitempty"`
	MaxAttempts           *int    `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=50"`
	BaseRetryDelaySeconds *int    `json:"base_retry_delay_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
	RequestTimeoutSeconds *int    `json:"request_timeout_seconds,omitempty" validate:"omitempty,min=1,max=120"`
	RateLimitPerSecond    *int    `json:"rate_limit_per_second,omitempty" validate:"omitempty,min=0,max=10000"`
}

// CreateSubscriptionResponse is the only payload that ever carries the secret.
type CreateSubscriptionResponse struct {
	Subscription
	Secret string `json:"secret"`
}

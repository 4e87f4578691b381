package engine

import (
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

// Class is the retry classification of one HTTP attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Classify maps an attempt result to a Class. A non-nil transportErr means no
// HTTP response was received.
func Classify(statusCode int, transportErr error) Class {
	switch {
	case transportErr != nil:
		return ClassRetryable
	case statusCode >= 200 && statusCode < 300:
		return ClassSuccess
	case statusCode == 429:
		return ClassRetryable
	case statusCode >= 500 && statusCode < 600:
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

// Outcome is the result of one dispatcher pass over a delivery.
type Outcome struct {
	DeliveryID     string                `json:"delivery_id"`
	SubscriptionID string                `json:"subscription_id"`
	Status         domain.DeliveryStatus `json:"status"`
	AttemptNumber  int                   `json:"attempt_number"`
	ResponseStatus int                   `json:"response_status"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	Reason         domain.FailureReason  `json:"failure_reason,omitempty"`
	Error          string                `json:"error,omitempty"`

	// Deferred is set when the delivery was left for the scheduler without an HTTP call.
	Deferred bool `json:"deferred,omitempty"`
}

// Succeeded reports whether the attempt reached the receiver and was accepted.
func (o Outcome) Succeeded() bool {
	return o.Status == domain.StatusDelivered
}

package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DeliveryStatus is the lifecycle state of a delivery attempt record.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusFailed    DeliveryStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusDelivered || next == StatusRetrying || next == StatusFailed
	case StatusRetrying:
		return next == StatusRetrying || next == StatusDelivered || next == StatusFailed
	default:
		return false
	}
}

// FailureReason explains a failed delivery.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonRejected             FailureReason = "rejected"
	ReasonExhausted            FailureReason = "exhausted"
	ReasonMisconfigured        FailureReason = "misconfigured"
	ReasonSubscriptionGone     FailureReason = "subscription_gone"
	ReasonSubscriptionInactive FailureReason = "subscription_inactive"
)

// ResponseExcerptLimit bounds the stored response body and error message.
const ResponseExcerptLimit = 500

// DeliveryAttempt tracks one subscription's attempts to deliver one event occurrence.
type DeliveryAttempt struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	SubscriptionID      string         `json:"subscription_id"`
	EventType           string         `json:"event_type"`
	EntityID            string         `json:"entity_id"`
	Payload             []byte         `json:"-"`
	Status              DeliveryStatus `json:"status"`
	AttemptNumber       int            `json:"attempt_number"`
	NextRetryAt         *time.Time     `json:"next_retry_at,omitempty"`
	ResponseStatus      int            `json:"response_status"`
	ResponseBodyExcerpt string         `json:"response_body_excerpt,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	FailureReason       FailureReason  `json:"failure_reason,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeliveredAt         *time.Time     `json:"delivered_at,omitempty"`
	LockedUntil         *time.Time     `json:"-"`
	ArchivedAt          *time.Time     `json:"archived_at,omitempty"`
}

// Clone returns a copy that shares no mutable pointers with d.
func (d *DeliveryAttempt) Clone() *DeliveryAttempt {
	c := *d
	c.Payload = append([]byte(nil), d.Payload...)
	c.NextRetryAt = cloneTime(d.NextRetryAt)
	c.DeliveredAt = cloneTime(d.DeliveredAt)
	c.LockedUntil = cloneTime(d.LockedUntil)
	c.ArchivedAt = cloneTime(d.ArchivedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DeliveryFilter narrows delivery listings. TenantID is mandatory.
type DeliveryFilter struct {
	TenantID       string
	SubscriptionID string
	EntityID       string
	Status         DeliveryStatus
	Limit          int
}

// Truncate makes s safe for a text column and bounds it to
// ResponseExcerptLimit bytes without splitting a UTF-8 sequence. NUL bytes
// are dropped and invalid sequences become U+FFFD.
func Truncate(s string) string {
	s = SanitizeText(s)
	if len(s) <= ResponseExcerptLimit {
		return s
	}
	cut := ResponseExcerptLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SanitizeText drops NUL bytes and replaces invalid UTF-8 sequences.
func SanitizeText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return s
}

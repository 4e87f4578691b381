package domain

import "errors"

var (
	ErrTenantRequired       = errors.New("tenant id is required")
	ErrEventTypeRequired    = errors.New("event type is required")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDeliveryNotFound     = errors.New("delivery not found")
	ErrDeliveryNotTerminal  = errors.New("delivery is not in a terminal state")
)

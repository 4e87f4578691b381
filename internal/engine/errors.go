package engine

import "errors"

var (
	ErrMissingSecret  = errors.New("subscription secret is not configured")
	ErrInvalidFilter  = errors.New("invalid subscription filter")
	ErrQueueFull      = errors.New("delivery queue is full")
	ErrReceiptPending = errors.New("first attempt outcome not yet known")
)

package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON body POSTed to a subscription's target.
type Envelope struct {
	EventType  string          `json:"event_type"`
	DeliveryID string          `json:"delivery_id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
}

// NewEnvelope builds the envelope for d. The timestamp is the delivery's
// creation time so every attempt serialises to identical bytes.
func NewEnvelope(d *DeliveryAttempt) Envelope {
	data := json.RawMessage(d.Payload)
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Envelope{
		EventType:  d.EventType,
		DeliveryID: d.ID,
		Data:       data,
		Timestamp:  d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

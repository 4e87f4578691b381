package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
)

const maxPublishWait = 30 * time.Second

type EventHandler struct {
	publisher *engine.Publisher
}

func NewEventHandler(p *engine.Publisher) *EventHandler {
	return &EventHandler{publisher: p}
}

type publishRequest struct {
	EventType  string          `json:"event_type"`
	EntityID   string          `json:"entity_id"`
	Attributes map[string]any  `json:"attributes"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type publishResponse struct {
	EventType   string           `json:"event_type"`
	DeliveryIDs []string         `json:"delivery_ids"`
	Outcomes    []engine.Outcome `json:"outcomes,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
}

// Publish accepts a domain event and returns 202 once its deliveries are
// recorded. With ?wait=<duration> it also waits up to that long for the
// first attempts to finish.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "wait must be a positive duration")
			return
		}
		wait = min(d, maxPublishWait)
	}

	pub, err := h.publisher.Publish(r.Context(), engine.Event{
		TenantID:   tenantFrom(r.Context()),
		EventType:  req.EventType,
		EntityID:   req.EntityID,
		Attributes: req.Attributes,
		Data:       req.Data,
	})
	if err != nil {
		if errors.Is(err, domain.ErrEventTypeRequired) || errors.Is(err, domain.ErrTenantRequired) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	resp := publishResponse{
		EventType:   pub.EventType,
		DeliveryIDs: pub.DeliveryIDs(),
	}
	for _, e := range pub.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}

	if wait > 0 && len(pub.Receipts) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		resp.Outcomes, _ = pub.Outcomes(ctx)
		cancel()
	}

	respondJSON(w, http.StatusAccepted, resp)
}

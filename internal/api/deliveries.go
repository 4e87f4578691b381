package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
)

type DeliveryHandler struct {
	deliveries store.Deliveries
	registry   store.Registry
	publisher  *engine.Publisher
}

func NewDeliveryHandler(deliveries store.Deliveries, registry store.Registry, publisher *engine.Publisher) *DeliveryHandler {
	return &DeliveryHandler{deliveries: deliveries, registry: registry, publisher: publisher}
}

// deliveryView exposes the stored payload as raw JSON.
type deliveryView struct {
	domain.DeliveryAttempt
	Payload json.RawMessage `json:"payload"`
}

func newDeliveryView(d domain.DeliveryAttempt) deliveryView {
	payload := json.RawMessage(d.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage(`null`)
	}
	return deliveryView{DeliveryAttempt: d, Payload: payload}
}

func deliveryViews(list []domain.DeliveryAttempt) []deliveryView {
	out := make([]deliveryView, 0, len(list))
	for _, d := range list {
		out = append(out, newDeliveryView(d))
	}
	return out
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeliveryFilter{
		TenantID:       tenantFrom(r.Context()),
		SubscriptionID: q.Get("subscription_id"),
		EntityID:       q.Get("entity_id"),
		Limit:          parseLimit(r),
	}
	if !validSubscriptionParam(w, filter.SubscriptionID) {
		return
	}
	if status := domain.DeliveryStatus(q.Get("status")); status != "" {
		if !status.IsValid() {
			respondError(w, http.StatusBadRequest, "unknown delivery status")
			return
		}
		filter.Status = status
	}
	h.list(w, r, filter)
}

// Failed lists deliveries that ended in failure, newest first.
func (h *DeliveryHandler) Failed(w http.ResponseWriter, r *http.Request) {
	subID := r.URL.Query().Get("subscription_id")
	if !validSubscriptionParam(w, subID) {
		return
	}
	h.list(w, r, domain.DeliveryFilter{
		TenantID:       tenantFrom(r.Context()),
		SubscriptionID: subID,
		Status:         domain.StatusFailed,
		Limit:          parseLimit(r),
	})
}

func validSubscriptionParam(w http.ResponseWriter, id string) bool {
	if id == "" {
		return true
	}
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusBadRequest, "subscription_id must be a UUID")
		return false
	}
	return true
}

func (h *DeliveryHandler) list(w http.ResponseWriter, r *http.Request, filter domain.DeliveryFilter) {
	list, err := h.deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, deliveryViews(list))
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.deliveries.GetDelivery(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, newDeliveryView(*d))
}

// Replay queues a new delivery with the payload of a terminal one.
func (h *DeliveryHandler) Replay(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())

	original, err := h.deliveries.GetDelivery(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if original == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if !original.Status.IsTerminal() {
		respondError(w, http.StatusConflict, domain.ErrDeliveryNotTerminal.Error())
		return
	}

	sub, err := h.registry.GetSubscription(r.Context(), tenantID, original.SubscriptionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusConflict, "subscription no longer exists")
		return
	}
	if !sub.IsActive {
		respondError(w, http.StatusConflict, "subscription is inactive")
		return
	}

	receipt, err := h.publisher.Replay(r.Context(), original, *sub)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryNotTerminal) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to replay delivery")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"delivery_id": receipt.DeliveryID,
		"replay_of":   original.ID,
	})
}

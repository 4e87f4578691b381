package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
)

const healthWindow = 24 * time.Hour

var validate = validator.New()

type SubscriptionHandler struct {
	registry   store.Registry
	deliveries store.Deliveries
	stats      store.Stats
	breaker    Breaker
	logger     *slog.Logger
}

func NewSubscriptionHandler(registry store.Registry, deliveries store.Deliveries, stats store.Stats, breaker Breaker, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		registry:   registry,
		deliveries: deliveries,
		stats:      stats,
		breaker:    breaker,
		logger:     logger,
	}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateSubscription(req, req.Filter); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.registry.CreateSubscription(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		h.logger.Error("failed to create subscription", "error", err, "tenant_id", tenantFrom(r.Context()))
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		Subscription: *sub,
		Secret:       sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.ListSubscriptions(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var filter domain.Filter
	if req.Filter != nil {
		filter = *req.Filter
	}
	if err := validateSubscription(req, filter); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.registry.UpdateSubscription(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// Deactivate stops new deliveries. Attempts already in flight finish and
// pending retries fail as subscription_inactive on their next pass.
func (h *SubscriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.DeactivateSubscription(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to deactivate subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// Delete removes the subscription. Its delivery history is kept.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.registry.DeleteSubscription(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if h.breaker != nil {
		if err := h.breaker.Reset(r.Context(), id); err != nil {
			h.logger.Warn("failed to reset circuit for deleted subscription", "error", err, "subscription_id", id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	filter := domain.DeliveryFilter{
		TenantID:       tenantFrom(r.Context()),
		SubscriptionID: chi.URLParam(r, "id"),
		Limit:          parseLimit(r),
	}
	if status := domain.DeliveryStatus(r.URL.Query().Get("status")); status != "" {
		if !status.IsValid() {
			respondError(w, http.StatusBadRequest, "unknown delivery status")
			return
		}
		filter.Status = status
	}

	list, err := h.deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveryViews(list))
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.load(w, r)
	if !ok {
		return
	}

	counts, err := h.stats.SubscriptionDeliveryCounts(r.Context(), sub.TenantID, sub.ID, time.Now().Add(-healthWindow))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load delivery counts")
		return
	}

	circuit := engine.CircuitBreakerState{State: engine.StateClosed}
	if h.breaker != nil {
		circuit = h.breaker.GetState(r.Context(), sub.ID)
	}

	type healthResponse struct {
		SubscriptionID string                        `json:"subscription_id"`
		TargetURL      string                        `json:"target_url"`
		IsActive       bool                          `json:"is_active"`
		CircuitBreaker engine.CircuitBreakerState    `json:"circuit_breaker"`
		Window         string                        `json:"window"`
		Counts         map[domain.DeliveryStatus]int `json:"counts"`
		SuccessRate    float64                       `json:"success_rate"`
	}

	var rate float64
	if terminal := counts[domain.StatusDelivered] + counts[domain.StatusFailed]; terminal > 0 {
		rate = float64(counts[domain.StatusDelivered]) / float64(terminal) * 100
	}

	respondJSON(w, http.StatusOK, healthResponse{
		SubscriptionID: sub.ID,
		TargetURL:      sub.TargetURL,
		IsActive:       sub.IsActive,
		CircuitBreaker: circuit,
		Window:         healthWindow.String(),
		Counts:         counts,
		SuccessRate:    rate,
	})
}

func (h *SubscriptionHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Subscription, bool) {
	sub, err := h.registry.GetSubscription(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return nil, false
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return nil, false
	}
	return sub, true
}

func validateSubscription(req any, filter domain.Filter) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", domain.ErrInvalidSubscription, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubscription, err)
	}
	if err := engine.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubscription, err)
	}
	return nil
}

package api

import (
	"net/http"

	"github.com/Priya8975/event-webhooks/internal/store"
	ws "github.com/Priya8975/event-webhooks/internal/websocket"
)

type DashboardHandler struct {
	stats store.Stats
	hub   *ws.Hub
}

func NewDashboardHandler(stats store.Stats, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{stats: stats, hub: hub}
}

// Metrics returns aggregated delivery statistics for the caller's tenant.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.DashboardStats(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	type metricsResponse struct {
		store.DashboardStats
		WebSocketClients int `json:"websocket_clients"`
	}

	resp := metricsResponse{DashboardStats: *stats}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.TenantClientCount(tenantFrom(r.Context()))
	}
	respondJSON(w, http.StatusOK, resp)
}

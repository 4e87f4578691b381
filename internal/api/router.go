package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
	ws "github.com/Priya8975/event-webhooks/internal/websocket"
)

// Breaker exposes circuit state for the health endpoints.
type Breaker interface {
	GetState(ctx context.Context, subscriptionID string) engine.CircuitBreakerState
	Reset(ctx context.Context, subscriptionID string) error
}

// Config wires the router to the rest of the service.
type Config struct {
	Store     store.Backend
	Publisher *engine.Publisher
	Breaker   Breaker
	Hub       *ws.Hub
	Logger    *slog.Logger

	// PublishRate throttles POST /events per tenant. Zero disables it.
	PublishRate  rate.Limit
	PublishBurst int

	// HealthChecks are probed by GET /health, keyed by dependency name.
	HealthChecks map[string]func(context.Context) error
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(cfg.Store, cfg.Store, cfg.Store, cfg.Breaker, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Publisher)
	deliveryHandler := NewDeliveryHandler(cfg.Store, cfg.Store, cfg.Publisher)
	dashHandler := NewDashboardHandler(cfg.Store, cfg.Hub)
	health := HealthHandler(cfg.HealthChecks)
	throttle := newTenantLimiter(cfg.PublishRate, cfg.PublishBurst)

	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Use(requireUUIDParam("id", "subscription not found"))
					r.Get("/", subHandler.Get)
					r.Patch("/", subHandler.Update)
					r.Delete("/", subHandler.Delete)
					r.Post("/deactivate", subHandler.Deactivate)
					r.Get("/deliveries", subHandler.Deliveries)
					r.Get("/health", subHandler.Health)
				})
			})

			r.With(throttle.middleware).Post("/events", eventHandler.Publish)

			r.Route("/deliveries", func(r chi.Router) {
				r.Get("/", deliveryHandler.List)
				r.Get("/failed", deliveryHandler.Failed)
				r.Route("/{id}", func(r chi.Router) {
					r.Use(requireUUIDParam("id", "delivery not found"))
					r.Get("/", deliveryHandler.Get)
					r.Post("/replay", deliveryHandler.Replay)
				})
			})

			r.Get("/metrics", dashHandler.Metrics)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TenantHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

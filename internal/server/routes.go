package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes returns the router for the health check, the WebSocket
// endpoint, the stats endpoint and Prometheus metrics from gatherer.
func SetupRoutes(hub *Hub, cfg *Config, gatherer prometheus.Gatherer) http.Handler {
	if cfg == nil {
		cfg = NewConfig()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.HandleFunc("/ws", WebSocketHandler(hub, newOriginPolicy(cfg.AllowedOrigins, hub.log)))
	r.Get("/stats", StatsHandler(hub))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

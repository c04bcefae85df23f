package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lcbro/lcbro/internal/config"
	"github.com/lcbro/lcbro/internal/metrics"
	"github.com/lcbro/lcbro/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. profiles and limiter may be nil.
func (h *Handler) SetupRoutes(contexts *ContextHandler, profiles *ProfileHandler, limiter *ratelimit.Limiter, m *metrics.Metrics) http.Handler {
	r := mux.NewRouter()
	r.Use(observeMiddleware(m, h.logger))

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	if limiter != nil {
		api.Use(RateLimitMiddleware(limiter))
	}

	// Discovery and launch
	api.HandleFunc("/browsers", h.ListBrowsers).Methods("GET")
	api.HandleFunc("/browsers/launch", h.LaunchBrowser).Methods("POST")
	api.HandleFunc("/browsers/launched", h.ListLaunched).Methods("GET")
	api.HandleFunc("/browsers/launched/{id}", h.StopBrowser).Methods("DELETE")

	// Contexts
	api.HandleFunc("/contexts", contexts.CreateContext).Methods("POST")
	api.HandleFunc("/contexts", contexts.ListContexts).Methods("GET")
	api.HandleFunc("/contexts/{id}", contexts.GetContext).Methods("GET")
	api.HandleFunc("/contexts/{id}", contexts.DeleteContext).Methods("DELETE")
	api.HandleFunc("/contexts/{id}/navigate", contexts.Navigate).Methods("POST")
	api.HandleFunc("/contexts/{id}/evaluate", contexts.Evaluate).Methods("POST")
	api.HandleFunc("/contexts/{id}/screenshot", contexts.Screenshot).Methods("GET")
	api.HandleFunc("/contexts/{id}/content", contexts.Content).Methods("GET")

	// Long-lived sockets
	api.HandleFunc("/contexts/{id}/ws", contexts.DebugSocket).Methods("GET")
	api.HandleFunc("/contexts/{id}/events", contexts.Events).Methods("GET")

	// Profiles
	if profiles != nil {
		api.HandleFunc("/profiles", profiles.CreateProfile).Methods("POST")
		api.HandleFunc("/profiles", profiles.ListProfiles).Methods("GET")
		api.HandleFunc("/profiles/{id}", profiles.DeleteProfile).Methods("DELETE")
	}

	// CORS wraps the router so preflight requests never reach method matching
	return corsMiddleware(r)
}

// NewServer builds the HTTP server for the control API
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

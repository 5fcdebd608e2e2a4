package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/applyd/applyd/internal/notify"
	"github.com/applyd/applyd/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(hub *notify.Hub, rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Apply request rate limiting to mutating session endpoints
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))

	rateLimitedAPI.HandleFunc("/sessions", h.StartSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/advance", h.AdvanceSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/pause", h.PauseSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/resume", h.ResumeSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/cancel", h.CancelSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/interventions/{id}/resolve", h.ResolveIntervention).Methods("POST")

	// Read endpoints (not rate limited - frequent polling)
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/interventions", h.ListInterventions).Methods("GET")
	api.HandleFunc("/interventions/{id}", h.GetIntervention).Methods("GET")
	api.HandleFunc("/limits", h.GetLimits).Methods("GET")

	// Live observation channels (not rate limited)
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleSession(w, r, mux.Vars(r)["id"])
	}).Methods("GET")
	api.HandleFunc("/events", hub.HandleFeed).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

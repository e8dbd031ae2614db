package api

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"

	"github.com/tahirm/mongobranch/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(events *EventStream, rateLimiter *ratelimit.Limiter, rateLimitPerHour int) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Lifecycle operations are rate limited per project; reads are not.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, rateLimitPerHour))

	limited.HandleFunc("/projects/{project}/branches", h.CreateBranch).Methods("POST")
	limited.HandleFunc("/projects/{project}/branches/{branch}", h.DeleteBranch).Methods("DELETE")
	limited.HandleFunc("/projects/{project}/branches/{branch}/suspend", h.SuspendBranch).Methods("POST")
	limited.HandleFunc("/projects/{project}/branches/{branch}/resume", h.ResumeBranch).Methods("POST")
	limited.HandleFunc("/projects/{project}/branches/{branch}/time-travel", h.TimeTravel).Methods("POST")

	// Project endpoints
	api.HandleFunc("/projects", h.CreateProject).Methods("POST")
	api.HandleFunc("/projects", h.ListProjects).Methods("GET")
	api.HandleFunc("/projects/{project}", h.DeleteProject).Methods("DELETE")

	// Branch read endpoints (frequent polling from dashboards)
	api.HandleFunc("/projects/{project}/branches", h.ListBranches).Methods("GET")
	api.HandleFunc("/projects/{project}/branches/{branch}", h.GetBranch).Methods("GET")
	api.HandleFunc("/projects/{project}/branches/{branch}/versions", h.ListVersions).Methods("GET")
	api.HandleFunc("/projects/{project}/branches/{branch}/connect", h.Connect).Methods("GET")

	// Live lifecycle event stream
	api.HandleFunc("/events", events.HandleEvents).Methods("GET")

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	}).Methods("GET")

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

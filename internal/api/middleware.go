package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tahirm/mongobranch/internal/ratelimit"
)

// RateLimitMiddleware creates a middleware that enforces per-project rate
// limits on lifecycle operations.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			project := projectFrom(r)
			if project == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(project) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)

				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded for project " + project,
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(project))))

			next.ServeHTTP(w, r)
		})
	}
}

// projectFrom extracts the project scope of a request.
func projectFrom(r *http.Request) string {
	if project := mux.Vars(r)["project"]; project != "" {
		return project
	}
	return r.Header.Get("X-Project")
}

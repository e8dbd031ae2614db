// Package ratelimit bounds lifecycle API traffic per project so one
// project's automation cannot starve the others.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per project.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter allows `requests` per `interval` per project, with the given
// burst size.
func NewLimiter(requests int, interval time.Duration, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requests) / interval.Seconds()),
		burst:    burst,
	}
}

func (l *Limiter) limiter(project string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[project]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[project] = limiter
	}
	return limiter
}

// Allow reports whether a request for the project may proceed now.
func (l *Limiter) Allow(project string) bool {
	return l.limiter(project).Allow()
}

// Tokens returns the remaining burst capacity for a project.
func (l *Limiter) Tokens(project string) float64 {
	return l.limiter(project).Tokens()
}

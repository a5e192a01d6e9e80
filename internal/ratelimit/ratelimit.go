// Package ratelimit throttles the local IPC command surface (spec §6)
// so a misbehaving CLI caller or user-session agent can't starve the
// daemon's controller loops by flooding loopback requests.
package ratelimit

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Config tunes a Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig allows generous local-CLI traffic (polling
// GetComplianceEvaluationStatus etc. is expected) while still bounding a
// runaway loop.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 50, Burst: 100}
}

// Limiter wraps a token-bucket limiter shared across all IPC callers
// (the surface is loopback-only and single-daemon, so one bucket suffices).
type Limiter struct {
	tokens *rate.Limiter
}

// New builds a Limiter from cfg, filling in defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{tokens: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Allow reports whether the next request may proceed.
func (l *Limiter) Allow() bool {
	return l.tokens.Allow()
}

// Middleware rejects requests over the limit with 429, mirroring the
// registrar's own throttling signal (spec §6) back at IPC callers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

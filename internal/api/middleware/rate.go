package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// DefaultRateLimitConfig returns production-ready rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
	}
}

// IPLimiter tracks one token bucket per remote IP. Used by the VNC relay to
// slow brute-force attempts against token-bearing endpoints.
type IPLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewIPLimiter creates a per-IP limiter with the given configuration.
func NewIPLimiter(cfg RateLimitConfig) *IPLimiter {
	return &IPLimiter{
		cfg:     cfg,
		clients: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from addr may proceed.
func (l *IPLimiter) Allow(addr string) bool {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		ip = addr
	}

	l.mu.Lock()
	limiter, ok := l.clients[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
		l.clients[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Wrap guards an http.HandlerFunc with the per-IP limiter.
func (l *IPLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

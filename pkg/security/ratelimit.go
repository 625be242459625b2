// Package security holds request admission controls for the agent host and
// the MCP surface.
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a global token bucket plus one bucket per client.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. A non-positive rate disables
// limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(limit, burst),
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.getClientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

// Sweep drops client buckets idle for longer than idle and returns how many
// were removed.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clientLimiters)
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, ok := rl.clientLimiters[clientID]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	limit := rate.Limit(rl.requestsPerSecond)
	if rl.requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(limit, rl.burst), lastSeen: now}
	rl.clientLimiters[clientID] = cl
	return cl.limiter
}

// Middleware rejects requests over the limit with 429. Clients are keyed by
// remote IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"Too Many Requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ToolRateLimiter provides per-tool rate limiting
type ToolRateLimiter struct {
	toolLimiters map[string]*rate.Limiter
	mu           sync.RWMutex
}

// NewToolRateLimiter creates a new tool-specific rate limiter
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{
		toolLimiters: make(map[string]*rate.Limiter),
	}
}

// SetToolLimit configures rate limit for a specific tool
func (trl *ToolRateLimiter) SetToolLimit(toolName string, requestsPerSecond float64, burst int) {
	trl.mu.Lock()
	defer trl.mu.Unlock()
	trl.toolLimiters[toolName] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow checks if a tool execution should be allowed
func (trl *ToolRateLimiter) Allow(toolName string) bool {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return true
	}
	return limiter.Allow()
}

// Wait blocks until a tool execution can proceed
func (trl *ToolRateLimiter) Wait(ctx context.Context, toolName string) error {
	trl.mu.RLock()
	limiter, exists := trl.toolLimiters[toolName]
	trl.mu.RUnlock()

	if !exists {
		return nil
	}
	return limiter.Wait(ctx)
}

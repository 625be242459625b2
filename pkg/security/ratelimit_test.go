package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Test Rate Limit Enforcement
func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2) // 2 requests per second, burst of 2

	clientID := "client1"

	// First two requests should succeed (burst)
	if !limiter.Allow(clientID) {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow(clientID) {
		t.Error("second request should be allowed")
	}

	// Third request should fail (rate limited)
	if limiter.Allow(clientID) {
		t.Error("third request should be rate limited")
	}
}

// Test Rate Limit Reset
func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2) // 2 requests per second, burst of 2

	clientID := "client1"

	// Consume burst
	limiter.Allow(clientID)
	limiter.Allow(clientID)

	// Should be rate limited
	if limiter.Allow(clientID) {
		t.Error("request should be rate limited")
	}

	// Wait for rate to refill
	time.Sleep(600 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(clientID) {
		t.Error("request should be allowed after waiting")
	}
}

// Test Multiple Clients
func TestRateLimiter_MultipleClients(t *testing.T) {
	// Use higher limits to accommodate both global and per-client limits
	limiter := NewRateLimiter(10.0, 10)

	client1 := "client1"
	client2 := "client2"

	// Both clients should have independent per-client rate limits
	// but share the global rate limit
	if !limiter.Allow(client1) {
		t.Error("client1 first request should be allowed")
	}
	if !limiter.Allow(client1) {
		t.Error("client1 second request should be allowed")
	}

	if !limiter.Allow(client2) {
		t.Error("client2 first request should be allowed")
	}
	if !limiter.Allow(client2) {
		t.Error("client2 second request should be allowed")
	}

	// Exhaust both clients' burst capacity
	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			limiter.Allow(client1)
		} else {
			limiter.Allow(client2)
		}
	}

	// Both should be rate limited now (either by global or per-client limit)
	if limiter.Allow(client1) {
		t.Error("client1 should be rate limited after exhausting capacity")
	}
	if limiter.Allow(client2) {
		t.Error("client2 should be rate limited after exhausting capacity")
	}
}

// Test Global Rate Limit
func TestRateLimiter_GlobalLimit(t *testing.T) {
	limiter := NewRateLimiter(5.0, 5) // 5 requests per second globally

	// Create multiple clients trying to exceed global limit
	clients := []string{"client1", "client2", "client3"}
	allowed := 0
	denied := 0

	for i := 0; i < 20; i++ {
		clientID := clients[i%len(clients)]
		if limiter.Allow(clientID) {
			allowed++
		} else {
			denied++
		}
	}

	// Global limit should have kicked in
	if denied == 0 {
		t.Error("expected some requests to be denied by global rate limit")
	}

	t.Logf("allowed=%d, denied=%d", allowed, denied)
}

// Test Wait Functionality
func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(2.0, 1) // 2 requests per second, burst of 1

	clientID := "client1"
	ctx := context.Background()

	// First request should succeed immediately
	if err := limiter.Wait(ctx, clientID); err != nil {
		t.Errorf("first wait should succeed: %v", err)
	}

	// Second request should wait
	start := time.Now()
	if err := limiter.Wait(ctx, clientID); err != nil {
		t.Errorf("second wait should succeed: %v", err)
	}
	elapsed := time.Since(start)

	// Should have waited approximately 500ms (half second for 2 req/sec)
	if elapsed < 400*time.Millisecond {
		t.Errorf("wait duration too short: %v", elapsed)
	}
}

// Test Wait with Context Cancellation
func TestRateLimiter_WaitContextCancel(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1) // 1 request per second

	clientID := "client1"

	// Consume the burst
	limiter.Allow(clientID)

	// Create context with short timeout
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Should fail due to context cancellation
	err := limiter.Wait(ctx, clientID)
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
}

// Test Concurrent Access
func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(10.0, 10) // 10 requests per second

	var wg sync.WaitGroup
	var allowed, denied int32

	// Simulate 100 concurrent requests
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := "client1"
			if limiter.Allow(clientID) {
				atomic.AddInt32(&allowed, 1)
			} else {
				atomic.AddInt32(&denied, 1)
			}
		}(i)
	}

	wg.Wait()

	t.Logf("allowed=%d, denied=%d", allowed, denied)

	// Should have some allowed and some denied
	if allowed == 0 {
		t.Error("expected some requests to be allowed")
	}
	if denied == 0 {
		t.Error("expected some requests to be denied")
	}
}

// Test Tool Rate Limiter
func TestToolRateLimiter_BasicEnforcement(t *testing.T) {
	toolLimiter := NewToolRateLimiter()

	toolName := "dangerous_tool"
	toolLimiter.SetToolLimit(toolName, 1.0, 1) // 1 request per second

	// First request should succeed
	if !toolLimiter.Allow(toolName) {
		t.Error("first request should be allowed")
	}

	// Second request should fail
	if toolLimiter.Allow(toolName) {
		t.Error("second request should be rate limited")
	}

	// Wait and try again
	time.Sleep(1100 * time.Millisecond)

	if !toolLimiter.Allow(toolName) {
		t.Error("request should be allowed after waiting")
	}
}

// Test Tool Rate Limiter - No Limit Set
func TestToolRateLimiter_NoLimit(t *testing.T) {
	toolLimiter := NewToolRateLimiter()

	toolName := "safe_tool"

	// Should allow unlimited requests if no limit is set
	for i := 0; i < 100; i++ {
		if !toolLimiter.Allow(toolName) {
			t.Errorf("request %d should be allowed (no limit set)", i)
		}
	}
}

// Test Tool Rate Limiter - Multiple Tools
func TestToolRateLimiter_MultipleTools(t *testing.T) {
	toolLimiter := NewToolRateLimiter()

	tool1 := "tool1"
	tool2 := "tool2"

	toolLimiter.SetToolLimit(tool1, 2.0, 2)
	toolLimiter.SetToolLimit(tool2, 5.0, 5)

	// Tool1: consume burst
	if !toolLimiter.Allow(tool1) {
		t.Error("tool1 first request should be allowed")
	}
	if !toolLimiter.Allow(tool1) {
		t.Error("tool1 second request should be allowed")
	}
	if toolLimiter.Allow(tool1) {
		t.Error("tool1 should be rate limited")
	}

	// Tool2: should still have capacity
	for i := 0; i < 5; i++ {
		if !toolLimiter.Allow(tool2) {
			t.Errorf("tool2 request %d should be allowed", i)
		}
	}
}

// Test Tool Rate Limiter Wait
func TestToolRateLimiter_Wait(t *testing.T) {
	toolLimiter := NewToolRateLimiter()

	toolName := "slow_tool"
	toolLimiter.SetToolLimit(toolName, 2.0, 1)

	ctx := context.Background()

	// First request immediate
	if err := toolLimiter.Wait(ctx, toolName); err != nil {
		t.Errorf("first wait should succeed: %v", err)
	}

	// Second request should wait
	start := time.Now()
	if err := toolLimiter.Wait(ctx, toolName); err != nil {
		t.Errorf("second wait should succeed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 400*time.Millisecond {
		t.Errorf("wait duration too short: %v", elapsed)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	limiter := NewRateLimiter(10.0, 10)
	limiter.Allow("a")
	limiter.Allow("b")

	if limiter.Clients() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", limiter.Clients())
	}
	if n := limiter.Sweep(time.Hour); n != 0 {
		t.Errorf("fresh clients should survive, removed %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := limiter.Sweep(10 * time.Millisecond); n != 2 {
		t.Errorf("expected both idle clients removed, got %d", n)
	}
	if limiter.Clients() != 0 {
		t.Errorf("expected no tracked clients, got %d", limiter.Clients())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !limiter.Allow("client1") {
			t.Fatalf("request %d should be allowed when limiting is disabled", i)
		}
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/invoke", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("10.0.0.1:5000"); code != http.StatusNoContent {
		t.Errorf("first request: got %d", code)
	}
	if code := serve("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("second request from same host: got %d, want 429", code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	if got := ClientIP(req); got != "192.0.2.7" {
		t.Errorf("ClientIP = %q", got)
	}

	req.RemoteAddr = "not-a-host-port"
	if got := ClientIP(req); got != "not-a-host-port" {
		t.Errorf("ClientIP = %q", got)
	}
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
	limit  int64
	err    error
}

func newFakeLimiter(limit int64) *fakeLimiter {
	return &fakeLimiter{counts: make(map[string]int64), limit: limit}
}

func (f *fakeLimiter) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	if f.err != nil {
		return false, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[scope]++
	count := f.counts[scope]
	return count <= limit, count, nil
}

func rateLimitedHandler(policy RateLimitPolicy, store limiterStore) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return RateLimit(policy, store, middlewareTestLogger())(next)
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	store := newFakeLimiter(2)
	handler := rateLimitedHandler(RateLimitPolicy{Name: "api", Window: time.Minute, Limit: 2}, store)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
		req = req.WithContext(WithUserID(req.Context(), "user-a"))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	req = req.WithContext(WithUserID(req.Context(), "user-a"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rr.Code)
	}
}

func TestRateLimitKeysByUser(t *testing.T) {
	store := newFakeLimiter(1)
	handler := rateLimitedHandler(RateLimitPolicy{Name: "api", Window: time.Minute, Limit: 1}, store)

	for _, userID := range []string{"user-a", "user-b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
		req = req.WithContext(WithUserID(req.Context(), userID))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("user %s: unexpected status %d", userID, rr.Code)
		}
	}

	if len(store.counts) != 2 {
		t.Fatalf("expected separate windows per user, got %d scopes", len(store.counts))
	}
}

func TestRateLimitFallsBackToClientIP(t *testing.T) {
	store := newFakeLimiter(1)
	handler := rateLimitedHandler(RateLimitPolicy{Name: "api", Window: time.Minute, Limit: 1}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}

	if _, ok := store.counts["api:203.0.113.7"]; !ok {
		t.Fatalf("expected scope keyed by forwarded IP, got %v", store.counts)
	}
}

func TestRateLimitDisabledPolicyPassesThrough(t *testing.T) {
	store := newFakeLimiter(0)
	handler := rateLimitedHandler(RateLimitPolicy{Name: "api"}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if len(store.counts) != 0 {
		t.Fatalf("expected disabled policy to skip the store, got %v", store.counts)
	}
}

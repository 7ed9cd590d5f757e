package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ultramarket/orders-api/internal/platform/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRateLimitMiddleware_EnforcesLimit(t *testing.T) {
	handler := NewRateLimitMiddleware(2, time.Minute)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected request %d to pass, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited error, got %v", body["error"])
	}
}

func TestRateLimitMiddleware_SkipsReads(t *testing.T) {
	handler := NewRateLimitMiddleware(1, time.Minute)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected read %d to pass, got %d", i+1, rr.Code)
		}
	}
}

func TestRateLimitMiddleware_KeysByIdentity(t *testing.T) {
	handler := NewRateLimitMiddleware(1, time.Minute)(okHandler())

	send := func(uid string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("user-a"); code != http.StatusNoContent {
		t.Fatalf("expected first request for user-a to pass, got %d", code)
	}
	if code := send("user-b"); code != http.StatusNoContent {
		t.Fatalf("expected first request for user-b to pass, got %d", code)
	}
	if code := send("user-a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request for user-a to be limited, got %d", code)
	}
}

func TestRateLimitMiddleware_DisabledWithoutLimit(t *testing.T) {
	handler := NewRateLimitMiddleware(0, time.Minute)(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected request %d to pass with limiter disabled, got %d", i+1, rr.Code)
		}
	}
}

func TestSimpleRateLimiter_WindowReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	limiter := newSimpleRateLimiter(1, time.Minute, clock)
	if limiter == nil {
		t.Fatalf("expected limiter to be constructed")
	}

	if !limiter.Allow("user-1") {
		t.Fatalf("expected first request to pass")
	}
	if limiter.Allow("user-1") {
		t.Fatalf("expected second request in window to be limited")
	}

	now = now.Add(time.Minute + time.Second)

	if !limiter.Allow("user-1") {
		t.Fatalf("expected request after window reset to pass")
	}
}

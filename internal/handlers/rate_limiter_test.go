package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestFixedWindowLimiter(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := newFixedWindowLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry := limiter.Allow("10.0.0.1")
	if ok || retry != time.Minute {
		t.Fatalf("expected refusal with full window, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := limiter.Allow("10.0.0.2"); !ok {
		t.Fatal("other clients must not share the window")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("10.0.0.1"); !ok {
		t.Fatal("expected window reset")
	}
}

func TestNewFixedWindowLimiterDisabled(t *testing.T) {
	if newFixedWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected nil limiter for zero limit")
	}
}

func TestGenerationHandlers_RateLimited(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/generate", NewGenerationHandlers(nil, WithGenerationRateLimit(1, time.Hour)).Routes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/generate/single", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected first request to reach handler, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/generate/carousel", strings.NewReader(`{}`)))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "3600" {
		t.Fatalf("unexpected Retry-After %q", rr.Header().Get("Retry-After"))
	}
}

package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func newRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate/single", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	return req
}

func TestMiddleware_PassesThroughWithoutKey(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{"template_id":"a"}`, ""))
	}
	if calls != 2 {
		t.Fatalf("expected handler called twice, got %d", calls)
	}
	if store.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d", store.Len())
	}
}

func TestMiddleware_RequiredKey(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithRequiredKey())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{}`, ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("body not replayed to handler: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Render-ID", "r001")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"render_id":"r001"}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newRequest(`{"template_id":"a"}`, "abc-123"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newRequest(`{"template_id":"a"}`, "abc-123"))

	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}
	if rr2.Code != http.StatusOK || rr2.Body.String() != `{"render_id":"r001"}` {
		t.Fatalf("unexpected replay %d %s", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get(ReplayHeader) != "true" || rr2.Header().Get("X-Render-ID") != "r001" {
		t.Fatalf("unexpected replay headers %v", rr2.Header())
	}
	if rr1.Header().Get(ReplayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
}

func TestMiddleware_FingerprintMismatch(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest(`{"template_id":"a"}`, "key"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{"template_id":"b"}`, "key"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_FailedResponseReleasesKey(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{}`, "retry"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 passed through, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest(`{}`, "retry"))
	if rr.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry to run handler, got %d after %d calls", rr.Code, calls)
	}
}

func TestMiddleware_ScopesByClient(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	first := newRequest(`{}`, "shared")
	first.RemoteAddr = "10.0.0.1:1234"
	second := newRequest(`{}`, "shared")
	second.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(httptest.NewRecorder(), first)
	handler.ServeHTTP(httptest.NewRecorder(), second)
	if calls != 2 {
		t.Fatalf("expected separate scopes per client, got %d calls", calls)
	}
}

func TestMemoryStore_PendingAndExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, "k", "fp", fixedTime.Add(time.Second), time.Minute)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired reservation to be replaced, got %+v %v", res, err)
	}

	if _, err := store.Reserve(ctx, "old", "fp", fixedTime, time.Second); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	removed, err := store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 || store.Len() != 0 {
		t.Fatalf("expected both records removed, got removed=%d len=%d", removed, store.Len())
	}
}

func assertErrorCode(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error code %s, got %v", code, payload["error"])
	}
}

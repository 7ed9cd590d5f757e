package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ultramarket/orders-api/internal/platform/auth"
)

var testClock = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func frozenClock() MiddlewareOption {
	return WithClock(func() time.Time { return testClock })
}

func postOrder(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return envelope.Error
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore(), frozenClock())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a key")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postOrder(`{"cartId":"c-1"}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("error code = %s", code)
	}
}

func TestMiddlewareReplaysFirstResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), frozenClock())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := postOrder(`{"cartId":"c-1"}`)
		req.Header.Set("Idempotency-Key", "create-ord-7f3a")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if calls != 1 {
		t.Fatalf("handler calls after first request = %d", calls)
	}
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatal("fresh response must not carry the replay header")
	}

	second := send()
	if calls != 1 {
		t.Fatalf("handler calls after retry = %d, want 1", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("replayed status = %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("replay header missing")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replayed content-type = %s", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body = %s, want %s", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsReusedKeyWithNewBody(t *testing.T) {
	handler := Middleware(NewMemoryStore(), frozenClock())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := postOrder(`{"cartId":"c-1"}`)
	req1.Header.Set("Idempotency-Key", "shared-key")
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr1.Code)
	}

	req2 := postOrder(`{"cartId":"c-2"}`)
	req2.Header.Set("Idempotency-Key", "shared-key")
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr2.Code)
	}
	if code := errorCode(t, rr2.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("error code = %s", code)
	}
}

func TestMiddlewarePendingKeyReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, frozenClock())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is pending")
	}))

	req := postOrder(`{"cartId":"c-1"}`)
	req.Header.Set("Idempotency-Key", "in-flight")

	// Seed the reservation the way a concurrent request would.
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	requester := callerIdentity(req.Context())
	fingerprint := requestFingerprint(req, body, requester)
	if _, err := store.Reserve(req.Context(), scopedKey("in-flight", requester), fingerprint, testClock, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("error code = %s", code)
	}
}

func TestMiddlewareReleasesKeyWhenSaveFails(t *testing.T) {
	store := &flakyStore{failSave: true}
	handler := Middleware(store, frozenClock())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	}))

	req := postOrder(`{"cartId":"c-1"}`)
	req.Header.Set("Idempotency-Key", "doomed-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("error code = %s", code)
	}
	if !store.released {
		t.Fatal("reservation was not released after the save failure")
	}
}

func TestMiddlewareGuardsOnlyConfiguredMethods(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), frozenClock(), WithMethods(http.MethodPut))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	// POST is outside the configured set and passes through keyless.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postOrder(`{"cartId":"c-1"}`))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("unguarded POST: status = %d, calls = %d", rr.Code, calls)
	}

	put := httptest.NewRequest(http.MethodPut, "/v1/orders/ord-1", bytes.NewBufferString(`{"status":"confirmed"}`))
	put.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, put)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("guarded PUT without key: status = %d, want 400", rr.Code)
	}
	if calls != 1 {
		t.Fatalf("handler ran despite missing key, calls = %d", calls)
	}
}

func TestMiddlewareHonoursCustomHeader(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), frozenClock(), WithHeader("X-Request-Token"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	req := postOrder(`{"cartId":"c-1"}`)
	req.Header.Set("X-Request-Token", "tok-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("custom header request: status = %d, calls = %d", rr.Code, calls)
	}

	// The default header name is ignored once overridden.
	req = postOrder(`{"cartId":"c-1"}`)
	req.Header.Set("Idempotency-Key", "tok-2")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("default header should no longer satisfy the guard, status = %d", rr.Code)
	}
}

func TestMiddlewareScopesKeysByCaller(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), frozenClock())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(uid string) *httptest.ResponseRecorder {
		req := postOrder(`{"cartId":"c-1"}`)
		req.Header.Set("Idempotency-Key", "same-key")
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send("buyer-a"); rr.Code != http.StatusCreated {
		t.Fatalf("first caller status = %d", rr.Code)
	}
	if rr := send("buyer-b"); rr.Code != http.StatusCreated {
		t.Fatalf("second caller status = %d", rr.Code)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want one per caller", calls)
	}
}

func TestScopedKey(t *testing.T) {
	cases := []struct {
		key       string
		requester string
		want      string
	}{
		{"abc", "buyer-1", "abc|buyer-1"},
		{"  abc  ", "buyer-1", "abc|buyer-1"},
		{"abc", "", "abc|anonymous"},
		{"", "buyer-1", "buyer-1"},
	}
	for _, tc := range cases {
		if got := scopedKey(tc.key, tc.requester); got != tc.want {
			t.Errorf("scopedKey(%q, %q) = %q, want %q", tc.key, tc.requester, got, tc.want)
		}
	}
}

type flakyStore struct {
	failSave bool
	released bool
}

func (s *flakyStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *flakyStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *flakyStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *flakyStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

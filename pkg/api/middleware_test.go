package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moatlabs/moat/pkg/auth"
)

func TestRateLimitMiddleware(t *testing.T) {
	// Setup limiter: 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// Bursts: 2 allowed immediately
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(), "within burst limit")
	}

	// 3rd request exceeds the burst
	assert.Equal(t, http.StatusTooManyRequests, do(), "exceeded burst")

	// Wait for a token refill
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, do(), "refilled token")
}

func TestRateLimitIsPerIP(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("203.0.113.7:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.7:1001"), "same host, new port")
	assert.Equal(t, http.StatusOK, do("203.0.113.8:1000"), "different host has its own bucket")
}

func TestRequestIDMintsAndReflects(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestRequestIDReusesCallerID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "caller-supplied", w.Header().Get(RequestIDHeader))
}

func TestRequestIDRejectsOversizedCallerID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	got := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, got)
	assert.NotEqual(t, strings.Repeat("x", 200), got)
}

type stubVerifier struct {
	principal auth.Principal
	err       error
}

func (s stubVerifier) Authenticate(string) (auth.Principal, error) {
	return s.principal, s.err
}

func TestBearerAuth(t *testing.T) {
	cases := []struct {
		name       string
		authHeader string
		verifier   stubVerifier
		wantStatus int
		wantTenant string
	}{
		{
			name:       "missing header",
			verifier:   stubVerifier{principal: auth.Principal{TenantID: "acme"}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			authHeader: "Basic dXNlcjpwYXNz",
			verifier:   stubVerifier{principal: auth.Principal{TenantID: "acme"}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "rejected token",
			authHeader: "Bearer bad",
			verifier:   stubVerifier{err: errors.New("auth: token invalid")},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid token",
			authHeader: "Bearer good",
			verifier:   stubVerifier{principal: auth.Principal{TenantID: "acme"}},
			wantStatus: http.StatusOK,
			wantTenant: "acme",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotTenant string
			handler := BearerAuth(tc.verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotTenant, _ = auth.TenantFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Equal(t, tc.wantTenant, gotTenant)
		})
	}
}

func TestRequestLoggerPreservesStatus(t *testing.T) {
	handler := RequestLogger(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}

package api

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	t.Cleanup(rl.Close)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Burst spent, second request from the same address is limited.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiter_DistinctAddresses(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	t.Cleanup(rl.Close)

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, addr := range []string{"10.0.0.1:100", "10.0.0.2:100"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, addr)
	}
}

func TestServerCloseStopsBackgroundSweeps(t *testing.T) {
	baseline := runtime.NumGoroutine()

	limiters := make([]*RateLimiter, 10)
	stores := make([]*IdempotencyStore, 10)
	for i := range limiters {
		limiters[i] = NewRateLimiter(1, 1)
		stores[i] = NewIdempotencyStore(time.Minute)
	}
	for i := range limiters {
		limiters[i].Close()
		stores[i].Close()
	}

	// Each constructor started one sweep goroutine; Close must unwind them.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, time.Second, 10*time.Millisecond)
}

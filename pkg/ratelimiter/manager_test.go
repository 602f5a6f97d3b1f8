package ratelimiter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lowc1012/throttle-policy-go/internal/utils"
	"github.com/lowc1012/throttle-policy-go/rate_limiter"
	"github.com/stretchr/testify/assert"
)

type failingChecker struct{}

func (failingChecker) Check(context.Context, rate_limiter.Key, bool) (rate_limiter.Decision, error) {
	return rate_limiter.Decision{}, errors.New("redis: connection refused")
}

func newRequest(remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://example/api/v1/hello", nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestHTTPRateLimiterHandler(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	policy := rate_limiter.NewPolicy(rate_limiter.WithLimiters(
		rate_limiter.NewLimiter().Limit(1).Over(time.Minute).LockFor(time.Hour),
	))
	h := Middleware(&Config{
		Extractor: utils.NewRemoteAddrExtractor(false),
		Policy:    policy,
	})(next)

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, newRequest("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, newRequest("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "60", w2.Header().Get("Retry-After"))
	assert.Equal(t, stateThrottled, w2.Header().Get(rateLimitState))
	assert.Equal(t, "1", w2.Header().Get(rateLimitMaxRequests))
	assert.Equal(t, "Requests throttled; maximum allowed 1 per 1m0s.", w2.Body.String())

	w3 := httptest.NewRecorder()
	h.ServeHTTP(w3, newRequest("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
	assert.Equal(t, "3600", w3.Header().Get("Retry-After"))
	assert.Equal(t, stateLocked, w3.Header().Get(rateLimitState))
	assert.Equal(t, "Requests throttled; maximum allowed 1 per 1m0s. Requests blocked for 1h0m0s.", w3.Body.String())

	w4 := httptest.NewRecorder()
	h.ServeHTTP(w4, newRequest("10.0.0.2:1234"))
	assert.Equal(t, http.StatusOK, w4.Code, "other clients keep their own budget")

	assert.Equal(t, 2, calls)
}

func TestHTTPRateLimiterHandler_Errors(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("wrapped handler must not be called")
	})

	t.Run("missing key", func(t *testing.T) {
		h := NewHTTPRateLimiterHandler(next, &Config{
			Extractor: utils.NewHTTPHeadersExtractor("X-Api-Key"),
			Policy:    rate_limiter.NewPolicy(),
		})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:1234"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		h := NewHTTPRateLimiterHandler(next, &Config{
			Extractor: utils.NewRemoteAddrExtractor(false),
			Policy:    failingChecker{},
		})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest("10.0.0.1:1234"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(500*time.Millisecond))
	assert.Equal(t, "100", retryAfterSeconds(100*time.Second))
	assert.Equal(t, "0", retryAfterSeconds(0))
}

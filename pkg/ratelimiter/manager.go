package ratelimiter

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lowc1012/throttle-policy-go/internal/log"
	"github.com/lowc1012/throttle-policy-go/internal/utils"
	"github.com/lowc1012/throttle-policy-go/rate_limiter"
	"go.uber.org/zap"
)

const (
	rateLimitMaxRequests = "X-Ratelimit-Max-Requests"
	rateLimitState       = "X-Ratelimit-State"
	rateLimitRetryAfter  = "Retry-After"
	requestIDHeader      = "X-Request-Id"

	stateThrottled = "Throttled"
	stateLocked    = "Locked"
)

// Checker is the part of rate_limiter.Policy the handler needs.
type Checker interface {
	Check(ctx context.Context, key rate_limiter.Key, increment bool) (rate_limiter.Decision, error)
}

// Config defines the configuration for the rate limiter handler.
type Config struct {
	Extractor utils.Extractor
	Policy    Checker
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *Config
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler object performing rate limiting before
// sending the request to the wrapped handler. If any errors happen while trying to rate limit a request
// or if the request is throttled or locked, the rate limiting handler will send a response to the client
// and will not call the wrapped handler.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *Config) http.Handler {
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
	}
}

// Middleware adapts NewHTTPRateLimiterHandler to the func(http.Handler) http.Handler shape routers expect.
func Middleware(config *Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return NewHTTPRateLimiterHandler(next, config)
	}
}

func (h *httpRateLimiterHandler) writeResponse(writer http.ResponseWriter, status int, msg string, args ...interface{}) {
	writer.Header().Set("Content-Type", "text/plain")
	writer.WriteHeader(status)
	if _, err := writer.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		log.Logger().Warn("Failed to write body to HTTP response", zap.Error(err))
	}
}

// ServeHTTP performs rate limiting with the configuration it was provided and if there were no errors
// and the request was neither throttled nor locked it is sent to the wrapped handler.
func (h *httpRateLimiterHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	requestID := request.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	key, err := h.config.Extractor.Extract(request)
	if err != nil {
		h.writeResponse(writer, http.StatusBadRequest, "failed to collect rate limiting key from request: %v", err)
		return
	}

	decision, err := h.config.Policy.Check(request.Context(), key, true)
	if err != nil {
		// the store is unreachable; surface it rather than guessing fail-open or fail-closed
		log.Logger().Error("Failed to run rate limiting for request",
			zap.String("requestID", requestID), zap.Error(err))
		h.writeResponse(writer, http.StatusInternalServerError, "failed to run rate limiting for request: %v", err)
		return
	}

	if !decision.Blocked() {
		h.handler.ServeHTTP(writer, request)
		return
	}

	limiter := decision.Limiter
	writer.Header().Set(rateLimitMaxRequests, strconv.FormatInt(limiter.Count, 10))
	writer.Header().Set(rateLimitRetryAfter, retryAfterSeconds(decision.RetryAfter()))

	if decision.Locked {
		writer.Header().Set(rateLimitState, stateLocked)
		log.Logger().Info("Request locked out",
			zap.String("requestID", requestID), zap.String("lockKey", decision.LockKey))
		h.writeResponse(writer, http.StatusTooManyRequests,
			"Requests throttled; maximum allowed %d per %s. Requests blocked for %s.",
			limiter.Count, limiter.Period, limiter.LockDuration)
		return
	}

	writer.Header().Set(rateLimitState, stateThrottled)
	log.Logger().Info("Request throttled",
		zap.String("requestID", requestID), zap.String("throttleKey", decision.ThrottleKey))
	h.writeResponse(writer, http.StatusTooManyRequests,
		"Requests throttled; maximum allowed %d per %s.", limiter.Count, limiter.Period)
}

// retryAfterSeconds renders d as whole seconds, rounding up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

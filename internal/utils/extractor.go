package utils

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/lowc1012/throttle-policy-go/rate_limiter"
)

// Extractor represents the way we will extract a throttle key from an HTTP request, this could be
// a value from a header, request path, method used, user authentication information, any information that
// is available at the HTTP request that wouldn't cause side effects if it was collected (this object shouldn't
// read the body of the request).
type Extractor interface {
	Extract(r *http.Request) (rate_limiter.Key, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// NewHTTPHeadersExtractor creates a new HTTP header extractor
func NewHTTPHeadersExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

// Extract collects the configured headers, in order, as the segments of the key.
// You should use headers that are guaranteed to be unique for a client.
func (h *httpHeaderExtractor) Extract(r *http.Request) (rate_limiter.Key, error) {
	values := make([]interface{}, 0, len(h.headers))

	for _, key := range h.headers {
		// if we can't find a value for the headers, give up and return an error.
		value := strings.TrimSpace(r.Header.Get(key))
		if value == "" {
			return rate_limiter.Key{}, fmt.Errorf("the header %v must have a value set", key)
		}
		values = append(values, value)
	}

	return rate_limiter.NewKey(values...), nil
}

type remoteAddrExtractor struct {
	trustForwardedFor bool
}

// NewRemoteAddrExtractor keys requests by client IP. With trustForwardedFor the first
// X-Forwarded-For address wins over RemoteAddr; only enable it behind a proxy you control.
func NewRemoteAddrExtractor(trustForwardedFor bool) Extractor {
	return &remoteAddrExtractor{trustForwardedFor: trustForwardedFor}
}

func (e *remoteAddrExtractor) Extract(r *http.Request) (rate_limiter.Key, error) {
	if e.trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return rate_limiter.NewKey(ip), nil
			}
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return rate_limiter.NewKey(host), nil
	}
	if addr == "" {
		return rate_limiter.Key{}, fmt.Errorf("request has no remote address")
	}
	return rate_limiter.NewKey(addr), nil
}

type routeExtractor struct {
	inner Extractor
}

// WithRoute prefixes the key produced by inner with the request method and path,
// so each route gets its own budget.
func WithRoute(inner Extractor) Extractor {
	return &routeExtractor{inner: inner}
}

func (e *routeExtractor) Extract(r *http.Request) (rate_limiter.Key, error) {
	key, err := e.inner.Extract(r)
	if err != nil {
		return rate_limiter.Key{}, err
	}
	values := []interface{}{r.Method, r.URL.Path}
	for _, v := range key.Values() {
		values = append(values, v)
	}
	return rate_limiter.NewKey(values...), nil
}

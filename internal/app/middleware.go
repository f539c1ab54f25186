package app

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/httpserver"
	"github.com/ctxmemory/gateway/internal/telemetry"
	"github.com/ctxmemory/gateway/pkg/ratelimit"
)

// ipRateLimit applies a coarse per-IP request budget ahead of authentication
// (spec §4.13 pipeline order: correlation id, security headers, IP limit,
// then auth). It fails open on KV errors so a KV outage degrades to
// unthrottled traffic rather than taking the gateway down.
func ipRateLimit(limiter *ratelimit.Limiter, requests, windowSeconds int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientIP(r)
			result, err := limiter.IP(r.Context(), addr, requests, windowSeconds)
			if err == nil && !result.Allowed {
				telemetry.RateLimitDeniedTotal.With(prometheus.Labels{"scope": "ip"}).Inc()
				writeRateLimited(w, r, result)
				return
			}
			next.ServeHTTP(w, r.WithContext(r.Context()))
		})
	}
}

// keyRateLimit enforces the authenticated key's RPM and RPH budgets. Must
// run after auth.Middleware so an Identity is already in context.
func keyRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.FromContext(r.Context())
			if identity == nil || identity.RPMLimit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			rpm, err := limiter.RPM(r.Context(), identity.APIKeyHash(), int64(identity.RPMLimit))
			if err == nil && !rpm.Allowed {
				telemetry.RateLimitDeniedTotal.With(prometheus.Labels{"scope": "rpm"}).Inc()
				writeRateLimited(w, r, rpm)
				return
			}

			rph, err := limiter.RPH(r.Context(), identity.APIKeyHash(), int64(identity.RPMLimit))
			if err == nil && !rph.Allowed {
				telemetry.RateLimitDeniedTotal.With(prometheus.Labels{"scope": "rph"}).Inc()
				writeRateLimited(w, r, rph)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, result ratelimit.Result) {
	apiErr := apierr.RateLimited("rate limit exceeded").
		WithHeader("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10)).
		WithHeader("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10)).
		WithHeader("X-RateLimit-Reset", strconv.FormatInt(result.ResetSecs, 10))
	httpserver.RespondAPIError(w, r, apiErr)
}

// clientIP extracts the caller's address, preferring proxy headers, mirroring
// the convention used by the ambient request logger.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	return r.RemoteAddr
}

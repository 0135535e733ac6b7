package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/ratelimit"
)

// RequestIDHeader carries the request correlation ID.
const RequestIDHeader = "X-Request-Id"

// requestID assigns each request a correlation ID and a request-scoped
// logger, echoing the ID back in the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ip := clientIP(r)
		logger := s.logger.With("request_id", id)

		ctx := r.Context()
		ctx = context.WithValue(ctx, ctxkey.RequestIDKey{}, id)
		ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
		ctx = context.WithValue(ctx, ctxkey.ClientIPKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe records request count and latency per endpoint.
func (s *Server) observe(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := "ok"
		if sw.status >= 400 {
			status = "error"
		}
		s.metrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status for metrics. Flush is
// forwarded so SSE responses still stream.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// checkOrigin rejects browser requests from origins outside the allow
// list. Requests without an Origin header (non-browser clients) pass.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || s.originAllowed(r, origin) {
			next.ServeHTTP(w, r)
			return
		}

		s.auditor.Emit(r.Context(), &audit.Event{
			Kind:     audit.KindSecurityOriginDenied,
			Severity: audit.SeverityWarn,
			IP:       clientIP(r),
			Action:   r.URL.Path,
			Details:  map[string]any{"origin": origin},
		})
		writeHTTPError(w, gwerr.New(gwerr.Forbidden, "origin not allowed"))
	})
}

// originAllowed accepts same-host origins and anything in allowed_origins.
func (s *Server) originAllowed(r *http.Request, origin string) bool {
	if host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"); host == r.Host {
		return true
	}
	for _, allowed := range s.config.Current().AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate verifies the bearer token and stores the principal in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeHTTPError(w, gwerr.New(gwerr.Unauthenticated, "missing bearer token"))
			return
		}
		principal, err := s.auth.VerifyToken(r.Context(), token)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxkey.PrincipalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit enforces the per-user token bucket. Runs after authenticate so
// the bucket key is the user ID; unauthenticated endpoints use rateLimitIP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		key := "user:" + principal.UserID
		s.enforceRateLimit(w, r, key, next)
	})
}

// rateLimitIP enforces the token bucket keyed by client IP, for endpoints
// that run before authentication.
func (s *Server) rateLimitIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.enforceRateLimit(w, r, "ip:"+clientIP(r), next)
	})
}

func (s *Server) enforceRateLimit(w http.ResponseWriter, r *http.Request, key string, next http.Handler) {
	cfg := ratelimit.PerMinute(s.config.Current().RateLimitRPM)
	result, err := s.limiter.Allow(r.Context(), key, cfg)
	if err != nil {
		s.logger.Error("rate limiter failed", "error", err)
		next.ServeHTTP(w, r) // fail open, availability over strictness
		return
	}
	if result.Allowed {
		next.ServeHTTP(w, r)
		return
	}

	s.metrics.RateLimitedTotal.Inc()
	s.auditRateLimited(r, key)

	retryAfter := int(result.RetryAfter.Seconds() + 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeHTTPError(w, gwerr.New(gwerr.RateLimited, "rate limit exceeded"))
}

// auditRateLimited records a security.rate_limited event, sampled to at
// most one per second so a flood cannot amplify into store writes.
func (s *Server) auditRateLimited(r *http.Request, key string) {
	now := time.Now().UnixNano()
	last := s.lastRateAudit.Load()
	if now-last < int64(time.Second) {
		return
	}
	if !s.lastRateAudit.CompareAndSwap(last, now) {
		return
	}
	s.auditor.Emit(r.Context(), &audit.Event{
		Kind:     audit.KindSecurityRateLimited,
		Severity: audit.SeverityWarn,
		IP:       clientIP(r),
		Action:   r.URL.Path,
		Details:  map[string]any{"key": key},
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// principalFrom returns the authenticated principal, or an empty one if
// the middleware did not run (test-only paths).
func principalFrom(ctx context.Context) *identity.Principal {
	if p, ok := ctx.Value(ctxkey.PrincipalKey{}).(*identity.Principal); ok {
		return p
	}
	return &identity.Principal{}
}

// clientIP returns the client address, honoring X-Forwarded-For when set.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}


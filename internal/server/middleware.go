// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thomasng/taims/internal/session"
)

// ============================================================================
// SESSION AUTH
// ============================================================================

// sessionHandler is a handler that requires a resolved session.
type sessionHandler func(http.ResponseWriter, *http.Request, *session.Session)

// requireSession resolves the session token before invoking the handler.
// Requests without a valid session get 401.
func (s *Server) requireSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}

		sess, err := s.sessions.Get(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "session expired or unknown, sign in again")
			return
		}

		next(w, r, sess)
	}
}

// sessionToken extracts the token from the X-Session-Token header, falling
// back to a Bearer Authorization header.
func sessionToken(r *http.Request) string {
	if token := r.Header.Get(SessionHeader); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ============================================================================
// RATE LIMITING
// ============================================================================

const (
	defaultRateLimit = 10.0
	defaultRateBurst = 20

	limiterIdleExpiry  = 10 * time.Minute
	limiterSweepPeriod = time.Minute
)

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	perSec    rate.Limit
	burst     int
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		clients:   make(map[string]*clientLimiter),
		perSec:    rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// allow reports whether the client may proceed. Idle buckets are swept
// opportunistically so the map does not grow without bound.
func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) >= limiterSweepPeriod {
		for ip, cl := range rl.clients {
			if now.Sub(cl.lastSeen) >= limiterIdleExpiry {
				delete(rl.clients, ip)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.clients[clientIP]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.perSec, rl.burst)}
		rl.clients[clientIP] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

// rateLimitMiddleware rejects clients that exceed the request rate. The
// metrics endpoint is exempt so scrapes never compete with API traffic.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(clientIP(r)) {
			s.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address, honoring X-Forwarded-For when the
// server sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ============================================================================
// LOGGING & METRICS
// ============================================================================

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware writes one structured access log line per request and
// records the HTTP metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.metrics.HTTPRequestsInFlight.Inc()

		next.ServeHTTP(rec, r)

		s.metrics.HTTPRequestsInFlight.Dec()
		duration := time.Since(start)
		route := r.Method + " " + routeLabel(r.URL.Path)
		s.metrics.RecordHTTPRequest(route, http.StatusText(rec.status), duration)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("client", clientIP(r)).
			Msg("request")
	})
}

// routeLabel collapses per-conversation paths to one metric label so that
// IDs do not explode the cardinality.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/conversations/") {
		if strings.HasSuffix(path, "/turns") {
			return "/api/conversations/{id}/turns"
		}
		return "/api/conversations/{id}"
	}
	return path
}

// ============================================================================
// SECURITY HEADERS
// ============================================================================

// securityHeadersMiddleware sets standard hardening headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// PANIC RECOVERY
// ============================================================================

// recoveryMiddleware converts handler panics into 500 responses.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

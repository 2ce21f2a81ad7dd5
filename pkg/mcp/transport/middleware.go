// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/teradata-labs/spool/internal/lru"
	"github.com/teradata-labs/spool/pkg/mcp/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitWindow is the sliding window for request admission.
	DefaultRateLimitWindow = time.Minute

	// DefaultRateLimitCeiling is the number of requests admitted per client
	// IP per window.
	DefaultRateLimitCeiling = 120

	// DefaultRateLimitClients bounds the per-IP bucket table.
	DefaultRateLimitClients = 4096
)

// ClientIP extracts the client address from a request. Proxied requests are
// resolved through X-Forwarded-For (first hop) and X-Real-IP before falling
// back to the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// RateLimiter admits requests per client IP with a token bucket: the bucket
// refills at ceiling/window and bursts up to the ceiling. The bucket table is
// itself recency-bounded so hostile address churn cannot grow it without
// limit.
type RateLimiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]

	limit      rate.Limit
	burst      int
	retryAfter int
	logger     *zap.Logger
}

// RateLimitConfig configures a RateLimiter. Zero values fall back to the
// package defaults.
type RateLimitConfig struct {
	Window     time.Duration // admission window
	Ceiling    int           // requests per client per window
	MaxClients int           // bound on tracked client IPs
	Logger     *zap.Logger
}

// NewRateLimiter creates a per-client-IP rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitWindow
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultRateLimitCeiling
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitClients
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	limit := rate.Limit(float64(cfg.Ceiling) / cfg.Window.Seconds())
	retryAfter := int(math.Ceil(1 / float64(limit)))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return &RateLimiter{
		clients:    lru.New[string, *rate.Limiter](cfg.MaxClients, nil),
		limit:      limit,
		burst:      cfg.Ceiling,
		retryAfter: retryAfter,
		logger:     cfg.Logger,
	}
}

// Middleware rejects requests over the per-client budget with 429 and a
// Retry-After hint before they reach dispatch.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if !rl.allow(ip) {
			rl.logger.Warn("rate limit exceeded", zap.String("client_ip", ip))
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter))
			writeError(w, http.StatusTooManyRequests, nil,
				protocol.ServerError, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	lim, ok := rl.clients.Get(ip)
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients.Set(ip, lim)
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// CORSPolicy emits cross-origin headers only on allow-listed paths. A request
// carrying an Origin for any other path is refused outright, so a browser
// page can never read protocol responses from a path the policy does not
// name. Preflights on allowed paths are answered directly and never reach
// dispatch.
type CORSPolicy struct {
	// AllowedOrigins are origin patterns passed through to header emission,
	// e.g. "http://localhost:*". An empty list allows any origin.
	AllowedOrigins []string

	// AllowedPaths are the path prefixes, with segment-boundary matching,
	// on which cross-origin requests are permitted at all.
	AllowedPaths PathAllowlist

	Logger *zap.Logger
}

// Middleware applies the policy around next.
func (p CORSPolicy) Middleware(next http.Handler) http.Handler {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cors.New(cors.Options{
		AllowedOrigins: p.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Accept", "Mcp-Session-Id", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         86400,
	})
	corsHandler := c.Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !p.AllowedPaths.Allows(r.URL.Path) {
			logger.Warn("cross-origin request refused",
				zap.String("origin", origin),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, nil,
				protocol.InvalidRequest, "cross-origin requests are not permitted on this path")
			return
		}
		corsHandler.ServeHTTP(w, r)
	})
}

// NoStore marks every response as uncacheable. Protocol responses carry
// session-scoped data that intermediaries must never serve to someone else.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache")
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders applies strict content-type and framing headers on every
// response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

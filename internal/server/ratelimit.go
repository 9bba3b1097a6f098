// Copyright 2025 the db2i-toolbox authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	logLib "github.com/ibmi-community/db2i-toolbox/internal/log"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-key request limiter.
type RateLimitConfig struct {
	Enabled     bool
	MaxRequests int
	WindowMs    int
	SkipDev     bool
}

// rateLimitDefaults applied when the limiter is enabled without
// explicit tuning.
const (
	defaultMaxRequests = 100
	defaultWindowMs    = 60000
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter admits up to MaxRequests per window per client key.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	conf    RateLimitConfig
	logger  logLib.Logger
}

// newRateLimiter builds the limiter middleware. When disabled (or
// bypassed in development) it passes requests through untouched.
func newRateLimiter(conf RateLimitConfig, development bool, logger logLib.Logger) func(http.Handler) http.Handler {
	if !conf.Enabled || (conf.SkipDev && development) {
		return func(next http.Handler) http.Handler { return next }
	}
	if conf.MaxRequests <= 0 {
		conf.MaxRequests = defaultMaxRequests
	}
	if conf.WindowMs <= 0 {
		conf.WindowMs = defaultWindowMs
	}
	window := time.Duration(conf.WindowMs) * time.Millisecond
	rl := &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(conf.MaxRequests) / window.Seconds()),
		burst:   conf.MaxRequests,
		conf:    conf,
		logger:  logger,
	}
	go rl.evictIdle(window)
	return rl.middleware
}

// clientKey derives the limiter key: first X-Forwarded-For entry, then
// X-Real-IP, then the socket remote, then a shared fallback bucket.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown_ip"
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		limiter := rl.limiterFor(key)
		if !limiter.Allow() {
			reservation := limiter.Reserve()
			wait := reservation.Delay()
			reservation.Cancel()
			rl.logger.WarnContext(r.Context(), "rate limit exceeded for key %q", key)
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]any{
				"error": "rate limit exceeded",
				"details": map[string]any{
					"limit":           rl.conf.MaxRequests,
					"windowMs":        rl.conf.WindowMs,
					"waitTimeSeconds": int(wait.Seconds()) + 1,
					"key":             key,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// evictIdle drops keys idle for more than three windows, bounding the
// map.
func (rl *rateLimiter) evictIdle(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-3 * window)
		rl.mu.Lock()
		for key, c := range rl.clients {
			if c.lastSeen.Before(cutoff) {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

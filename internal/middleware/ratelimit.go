package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig bounds how many requests a single caller may make
// per minute. BurstSize is the hard ceiling; between MaxCallsPerMinute
// and BurstSize requests are admitted but logged.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

// DefaultRateLimit allows 60 sustained calls per minute with 2x burst.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxCallsPerMinute: 60, BurstSize: 120}
}

type callWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter tracks per-caller request counts over one-minute
// windows. Authenticated requests are keyed by user id so a caller
// cannot dodge the limit by rotating source addresses; anonymous
// requests fall back to the client IP.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*callWindow
	limits  RateLimitConfig
}

// NewRateLimiter starts the background sweep that drops windows idle
// for more than two minutes.
func NewRateLimiter(limits RateLimitConfig) *RateLimiter {
	if limits.MaxCallsPerMinute <= 0 {
		limits.MaxCallsPerMinute = DefaultRateLimit().MaxCallsPerMinute
	}
	if limits.BurstSize < limits.MaxCallsPerMinute {
		limits.BurstSize = limits.MaxCallsPerMinute * 2
	}
	rl := &RateLimiter{
		windows: make(map[string]*callWindow),
		limits:  limits,
	}
	go rl.sweep()
	return rl
}

// Allow records one call for key and reports whether it is under the
// hard ceiling.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	// Fast path under the read lock. The unsynchronized count bump can
	// drop increments under contention, which is acceptable for a soft
	// limit.
	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) < time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()
		if count > rl.limits.BurstSize {
			logger.Printf("rate limit exceeded for %s: %d calls this minute", key, count)
			return false
		}
		if count > rl.limits.MaxCallsPerMinute {
			logger.Printf("rate limit warning for %s: %d calls this minute", key, count)
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	window, exists = rl.windows[key]
	if !exists || now.Sub(window.windowStart) >= time.Minute {
		rl.windows[key] = &callWindow{count: 1, windowStart: now}
		return true
	}
	window.count++
	return window.count <= rl.limits.BurstSize
}

// Middleware rejects callers over the ceiling with 429 and a
// Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(callerKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in a minute.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats reports the live window counts, keyed by caller.
func (rl *RateLimiter) Stats() map[string]int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	stats := make(map[string]int, len(rl.windows))
	for key, window := range rl.windows {
		if time.Since(window.windowStart) < time.Minute {
			stats[key] = window.count
		}
	}
	return stats
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, window := range rl.windows {
			if time.Since(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

func callerKey(r *http.Request) string {
	if claims, ok := ClaimsFrom(r.Context()); ok {
		return "user:" + claims.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

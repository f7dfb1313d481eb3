package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
)

// KeyFunc extracts the rate limit key from a request. An empty key bypasses
// the limiter.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over the key's budget with 429.
func Middleware(l *Limiter, key KeyFunc, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := l.Allow(k)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", l.Limit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(l.Remaining(k))))
			if !allowed {
				retry := int(math.Ceil(l.RetryAfter(k).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				if logger != nil {
					logger.Printf("rate limit exceeded: key=%s path=%s", k, r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "rate limit exceeded, please try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package ratelimit enforces a per-client token bucket in front of the API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bastion/pkg/platform/httputil"
	"bastion/pkg/requestcontext"
)

// staleAfter is how long an idle client keeps its bucket before the sweeper
// drops it.
const staleAfter = 10 * time.Minute

// Limiter hands out one token bucket per client IP.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing rps requests per second with the given
// burst per client.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Handler rejects clients that exhausted their bucket with 429.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestcontext.ClientIP(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		if !l.take(key) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
				Error:            "rate_limited",
				ErrorDescription: "too many requests, slow down",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) take(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.bucket.Allow()
}

// Sweep drops buckets idle longer than staleAfter. Call it periodically from
// the server's run group.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, key)
		}
	}
}

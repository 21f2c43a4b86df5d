// Package ratelimit implements a per-client token bucket that admits recovery
// jobs.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

const (
	idleTTL      = 10 * time.Minute
	pruneAtCount = 1024
)

// Limiter manages per-client job admission.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	rate     rate.Limit
	burst    int
	now      func() time.Time
	disabled bool
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds rate limiter configuration. A non-positive JobsPerSecond
// disables limiting.
type Config struct {
	JobsPerSecond float64
	Burst         int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients:  make(map[string]*client),
		rate:     rate.Limit(cfg.JobsPerSecond),
		burst:    burst,
		now:      time.Now,
		disabled: cfg.JobsPerSecond <= 0,
	}
}

// Allow reports whether key may start a job now, and if not, how long until
// the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || l.disabled {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= pruneAtCount {
			l.pruneLocked(now)
		}
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idleTTL {
			delete(l.clients, key)
		}
	}
}

// Middleware rejects requests over the client's budget with 429 and a
// Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, delay := l.Allow(key)
		if !ok {
			telemetry.ObserveRateLimited()
			secs := int(delay.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many recovery requests, retry later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

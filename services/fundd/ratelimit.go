package fundd

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles admin requests per client address.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time

	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter builds a limiter allowing requestsPerMinute with burst.
func NewRateLimiter(cfg RateConfig) *RateLimiter {
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		idle:      5 * time.Minute,
		now:       time.Now,
		visitors:  make(map[string]*rateEntry),
	}
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientID(req)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
	entry, ok := r.visitors[id]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(r.perSecond, r.burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// clientID runs after chi's RealIP middleware, so RemoteAddr already
// reflects forwarding headers.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

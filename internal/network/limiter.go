package network

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultLimiterMax     = 60
	DefaultLimiterWindow  = time.Minute
	DefaultLimiterOrigins = 50000
)

// Limiter is a per-origin sliding window. Once an origin reaches max hits in
// the window it is blocked for one full window.
type Limiter struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	maxOrigins int
	buckets    map[string]*bucket
	now        func() time.Time
}

type bucket struct {
	hits         []time.Time
	blockedUntil time.Time
}

func NewLimiter(max int, window time.Duration, maxOrigins int) *Limiter {
	if max <= 0 {
		max = DefaultLimiterMax
	}
	if window <= 0 {
		window = DefaultLimiterWindow
	}
	if maxOrigins <= 0 {
		maxOrigins = DefaultLimiterOrigins
	}
	return &Limiter{
		max:        max,
		window:     window,
		maxOrigins: maxOrigins,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
	}
}

// Check records a hit for origin and reports whether it is admitted.
func (l *Limiter) Check(origin string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[origin]
	if !ok {
		if len(l.buckets) >= l.maxOrigins {
			l.cleanupLocked(now)
			if len(l.buckets) >= l.maxOrigins {
				return false
			}
		}
		b = &bucket{}
		l.buckets[origin] = b
	}
	if now.Before(b.blockedUntil) {
		return false
	}
	b.prune(now.Add(-l.window))
	if len(b.hits) >= l.max {
		b.blockedUntil = now.Add(l.window)
		return false
	}
	b.hits = append(b.hits, now)
	return true
}

// Cleanup drops buckets with no hits in the window and no active block.
func (l *Limiter) Cleanup() int {
	if l == nil {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanupLocked(now)
}

func (l *Limiter) cleanupLocked(now time.Time) int {
	removed := 0
	cutoff := now.Add(-l.window)
	for origin, b := range l.buckets {
		b.prune(cutoff)
		if len(b.hits) == 0 && !now.Before(b.blockedUntil) {
			delete(l.buckets, origin)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Middleware rejects requests from origins over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Check(RequestOrigin(r)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestOrigin is the remote IP of r.
func RequestOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

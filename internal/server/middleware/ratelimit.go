package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"batonrelay/internal/wire"
)

// limiterIdleTTL is how long an idle participant's bucket survives
// before the pruning pass drops it.
const limiterIdleTTL = 10 * time.Minute

// ScanRateLimiter keeps one token bucket per participant. Exceeding the
// budget answers 429 with the RATE_LIMITED wire code, which clients
// classify as retryable after a cooldown.
type ScanRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewScanRateLimiter allows perMinute scans with the given burst on top.
func NewScanRateLimiter(perMinute, burst int) *ScanRateLimiter {
	return &ScanRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		buckets: make(map[string]*bucket),
		lastGC:  time.Now(),
	}
}

// Allow reports whether participantID may scan now.
func (l *ScanRateLimiter) Allow(participantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > limiterIdleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastGC = now
	}

	b, ok := l.buckets[participantID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[participantID] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

// Middleware gates the wrapped handler per authenticated participant.
// It must run after ParticipantAuth; unauthenticated requests pass
// through untouched for auth to reject.
func (l *ScanRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ParticipantFromContext(r.Context())
		if ok && !l.Allow(p.ID) {
			writeCode(w, http.StatusTooManyRequests, wire.CodeRateLimited, "too many scans; slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

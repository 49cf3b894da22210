package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterTTL     = 10 * time.Minute
	limiterCleanup = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool — token bucket на ключ (IP или пользователь), создаётся при первом обращении.
// Неиспользуемые дольше limiterTTL записи удаляются фоновой очисткой.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	once  sync.Once
	now   func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps) * 3
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rate.Limit(rps), burst: burst, now: time.Now}
}

func (p *limiterPool) allow(key string) bool {
	p.once.Do(func() { go p.cleanupLoop() })
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = p.now()
	p.mu.Unlock()
	return e.l.Allow()
}

func (p *limiterPool) cleanupLoop() {
	t := time.NewTicker(limiterCleanup)
	defer t.Stop()
	for range t.C {
		p.evict()
	}
}

func (p *limiterPool) evict() {
	cutoff := p.now().Add(-limiterTTL)
	p.mu.Lock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}

// RateLimit ограничивает запросы к /api/* по IP и по пользователю (если он уже в контексте). 429 при превышении.
// IP-лимит в три раза мягче пользовательского.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	byUser := newLimiterPool(rps, burst)
	byIP := newLimiterPool(rps*3, burst*3)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(clientIP(r)) {
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !byUser.allow("u:"+userID) {
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/capsium/reactor/internal/httpmw"
)

const (
	defaultPerSecond   = 10
	defaultBurst       = 30
	defaultTTL         = 5 * time.Minute
	defaultMaxVisitors = 100000

	retryAfterSeconds = "30"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// denied is set on the first rejection and cleared when the entry is evicted
	denied bool
}

// IPLimiter keeps one token bucket per client IP.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	// full latches after the first capacity rejection until eviction frees room
	full bool

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(10, 50) admits a
// burst of 50 requests, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithMaxVisitors caps the number of tracked IPs. Unknown IPs are rejected
// while the table is full. Zero means no cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		l.maxVisitors = n
	}
}

// WithOnFirstDenied runs once per tracked IP, on its first rejection.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onFirstDenied = fn
	}
}

// WithOnDenied runs on every rate rejection.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onDenied = fn
	}
}

// WithOnCapacity runs when the visitor table first fills up.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.onCapacity = fn
	}
}

// New returns a limiter whose eviction loop runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   defaultPerSecond,
		burst:       defaultBurst,
		ttl:         defaultTTL,
		maxVisitors: defaultMaxVisitors,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// allow reports whether ip may proceed. Hooks run after the lock is released.
func (l *IPLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.full
			l.full = true
			l.mu.Unlock()
			if first && l.onCapacity != nil {
				l.onCapacity()
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	first := false
	if !allowed && !v.denied {
		v.denied = true
		first = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors == 0 || len(l.visitors) < l.maxVisitors {
		l.full = false
	}
}

// Middleware answers 429 for clients over their limit. The client IP comes
// from httpmw.ClientIP, so this must run after it.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			h := w.Header()
			h.Set("Content-Type", "text/plain; charset=utf-8")
			h.Set("Cache-Control", "no-store")
			h.Set("Retry-After", retryAfterSeconds)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("too many requests\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

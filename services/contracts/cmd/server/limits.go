package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
)

// requestLimiter admits limit requests per key in each fixed window. Buckets
// whose window has closed are swept at most once per window, so keys coming
// from one-off remote addresses do not accumulate.
type requestLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string]bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	opened time.Time
	used   int
}

func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	return &requestLimiter{
		limit:   limit,
		window:  window,
		buckets: map[string]bucket{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Take reports whether a request for key is admitted now and, when it is not,
// how long until the key's window reopens.
func (l *requestLimiter) Take(key string) (bool, time.Duration) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	return l.TakeAt(key, l.now())
}

func (l *requestLimiter) TakeAt(key string, now time.Time) (bool, time.Duration) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.opened) >= l.window {
		l.buckets[key] = bucket{opened: now, used: 1}
		return true, 0
	}
	if b.used >= l.limit {
		return false, b.opened.Add(l.window).Sub(now)
	}
	b.used++
	l.buckets[key] = b
	return true, 0
}

func (l *requestLimiter) sweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < l.window {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.opened) >= l.window {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

func (l *requestLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// rateLimitKey buckets authenticated callers by tenant and everyone else by
// remote address.
func rateLimitKey(r *http.Request) string {
	if p, ok := authn.PrincipalFrom(r.Context()); ok {
		return "tenant:" + p.TenantID
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return "addr:" + addr
}

// rateLimit answers 429 with Retry-After so the SDK can back off the exact
// amount.
func rateLimit(limiter *requestLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := limiter.Take(rateLimitKey(r)); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func readJSONWithLimit(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := httpx.ReadJSON(r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return false
		}
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON: "+err.Error(), nil)
		return false
	}
	return true
}

package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/porterhq/porter/internal/log"
)

const (
	// ipSweepEvery spaces out removal of idle buckets; the sweep runs
	// inline under the same lock as admission, so it must stay cheap.
	ipSweepEvery = 5 * time.Minute

	// ipIdleAfter is how long an address must stay silent before its
	// bucket is dropped.
	ipIdleAfter = 10 * time.Minute
)

// ipLimiter is the outer of the two throttles: a token bucket per source
// address covering the whole API surface. The inner per-user message window
// (ratelimit.UserLimiter) is keyed by authenticated identity and applied
// only in the chat handler, after this one already passed.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rate    rate.Limit
	burst   int
	sweepAt time.Time
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newIPLimiter allows burst immediate requests per address, refilling at
// perSecond tokens per second.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		sweepAt: time.Now().Add(ipSweepEvery),
	}
}

// allow admits or rejects one request from ip.
func (rl *ipLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweep(now)

	b := rl.buckets[ip]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

// sweep drops buckets for addresses idle past ipIdleAfter. Caller holds mu.
func (rl *ipLimiter) sweep(now time.Time) {
	if now.Before(rl.sweepAt) {
		return
	}
	for ip, b := range rl.buckets {
		if now.Sub(b.seen) > ipIdleAfter {
			delete(rl.buckets, ip)
		}
	}
	rl.sweepAt = now.Add(ipSweepEvery)
}

// rateLimitMiddleware rejects over-limit requests with 429 and a one-second
// Retry-After before they reach auth or any handler.
func rateLimitMiddleware(rl *ipLimiter, trustProxy bool, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if !rl.allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the address a request is throttled under.
//
// Proxy headers are honored only when the deployment says a trusted reverse
// proxy sets them: X-Real-IP first, then the first hop of X-Forwarded-For.
// Header values must parse as IPs, otherwise a client could mint arbitrary
// bucket keys and sidestep its own limit. Without trustProxy the peer
// address alone decides.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := headerIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, found := strings.Cut(xff, ",")
			if !found {
				first = xff
			}
			if ip := headerIP(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// headerIP validates one proxy-supplied address, empty when unusable.
func headerIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return ""
	}
	return ip.String()
}

package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"orderline/internal/obs"
)

// RateLimitConfig sizes the per-client token bucket. A zero Burst disables limiting.
// Clients are keyed by the connection address unless TrustForwardedFor is set,
// which is only safe behind a proxy that appends to X-Forwarded-For.
type RateLimitConfig struct {
	Burst             int
	PerSecond         float64
	TrustForwardedFor bool
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument logs each request and counts it by status class.
func instrument(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			obs.Metrics().HTTPRequests.WithLabelValues(strconv.Itoa(sw.code/100) + "xx").Inc()
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   sw.code,
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter keeps one token bucket per client IP and forgets idle clients.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	ttl     time.Duration
	swept   time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{buckets: map[string]*bucket{}, cfg: cfg, ttl: 5 * time.Minute, swept: time.Now()}
}

func (l *rateLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, l.cfg.TrustForwardedFor)
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the rate limit key. With trustXFF the last X-Forwarded-For
// hop is used, the one written by the proxy rather than by the client.
func clientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		parts := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		if hop := strings.TrimSpace(parts[len(parts)-1]); hop != "" {
			return hop
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

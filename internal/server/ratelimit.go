package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teemow/mailpass/internal/instrumentation"
)

// Rate limiter defaults.
const (
	DefaultRateLimit       = 10
	DefaultRateBurst       = 20
	DefaultCleanupInterval = 5 * time.Minute

	// limiterIdleTTL is how long an unused per-IP limiter is kept.
	limiterIdleTTL = 10 * time.Minute
)

// RateLimiter limits requests per client IP with a token bucket each.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*limiterEntry
	rate       int
	burst      int
	trustProxy bool
	cleanup    time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	stop       chan struct{}
	stopOnce   sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP rate limiter allowing rate requests per
// second with the given burst. trustProxy makes X-Forwarded-For and
// X-Real-IP decide the client IP. Call Stop to end the cleanup goroutine.
func NewRateLimiter(ratePerSecond, burst int, trustProxy bool, cleanupInterval time.Duration, logger *slog.Logger) *RateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	// A zero burst bucket never admits a request.
	if burst < 1 {
		burst = max(ratePerSecond, 1)
		logger.Warn("rate limit burst below 1, using the rate as burst", "burst", burst)
	}

	rl := &RateLimiter{
		limiters:   make(map[string]*limiterEntry),
		rate:       ratePerSecond,
		burst:      burst,
		trustProxy: trustProxy,
		cleanup:    cleanupInterval,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupInactiveLimiters()

	return rl
}

// WithMetrics makes the limiter count rejected requests.
func (rl *RateLimiter) WithMetrics(m *instrumentation.Metrics) *RateLimiter {
	rl.metrics = m
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	e, ok := rl.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.rate), rl.burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}

func (rl *RateLimiter) cleanupInactiveLimiters() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.removeIdle(now)
		}
	}
}

func (rl *RateLimiter) removeIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, e := range rl.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(rl.limiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("removed idle rate limiters", "count", removed, "remaining", len(rl.limiters))
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware answers 429 with Retry-After: 1 once a client exceeds its rate.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.trustProxy)

		if !rl.Allow(ip) {
			rl.metrics.RecordRateLimited(r.Context())
			rl.logger.Warn("rate limit exceeded", "remote_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP address from the request.
// Proxy headers are only consulted when trustProxy is set; the first
// X-Forwarded-For entry wins over X-Real-IP.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

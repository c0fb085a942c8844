package middle

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mstgnz/paygate/infra/response"
)

// RateLimiter is a fixed window limiter keyed by client IP
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

type visitor struct {
	count     int
	lastReset time.Time
}

// NewRateLimiter allows rate requests per window per client. A non-positive rate means 100.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = 100
	}
	if window <= 0 {
		window = time.Minute
	}

	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow checks if the request is allowed
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[clientIP]
	if !exists || now.Sub(v.lastReset) > rl.window {
		rl.visitors[clientIP] = &visitor{count: 1, lastReset: now}
		return true
	}

	if v.count >= rl.rate {
		return false
	}
	v.count++
	return true
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

func (rl *RateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastReset) > rl.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(GetClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				response.Error(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClientIP extracts the real client IP
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "::1" || host == "[::1]" {
		return "127.0.0.1"
	}
	return host
}

package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tileserv/coretiles/internal/apierr"
)

// rateLimiter enforces a per-client-IP token bucket over the on-demand tile
// paths, so one noisy client can't starve MAX_RENDER_PROCS out from under
// everyone else. Responds server_busy (429) rather than dropping the
// connection outright.
type rateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	rate        rate.Limit
	burst       int
	maxVisitors int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(r float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &rateLimiter{
		visitors:    make(map[string]*visitor),
		rate:        rate.Limit(r),
		burst:       burst,
		maxVisitors: 10000,
	}
	go rl.evictIdle()
	return rl
}

func (rl *rateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		if len(rl.visitors) >= rl.maxVisitors {
			rl.evictOldestLocked()
		}
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// evictOldestLocked assumes rl.mu is held.
func (rl *rateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true
	for ip, v := range rl.visitors {
		if first || v.lastSeen.Before(oldestTime) {
			oldestIP, oldestTime, first = ip, v.lastSeen, false
		}
	}
	if oldestIP != "" {
		delete(rl.visitors, oldestIP)
	}
}

// rateLimit is the router middleware; a nil limiter (RateLimit unset)
// passes every request through.
func (s *server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			apierr.WriteJSON(w, apierr.ErrServerBusy)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers X-Forwarded-For / X-Real-IP (set by a trusted reverse
// proxy) over RemoteAddr, which is only the proxy's own address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" && net.ParseIP(real) != nil {
		return real
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

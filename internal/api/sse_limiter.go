package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// SSELimits bounds long-lived streaming connections.
type SSELimits struct {
	// MaxDuration is the maximum lifetime of one SSE connection.
	// Zero disables the limit.
	MaxDuration time.Duration
	// MaxPerIP caps concurrent SSE connections from a single IP.
	// Zero or negative disables the cap.
	MaxPerIP int64
	// MaxGlobal caps concurrent SSE connections across all clients.
	// Zero or negative disables the cap.
	MaxGlobal int64
}

// DefaultSSELimits returns limits suitable for a public endpoint:
// 30 minute streams, 10 per IP, 1000 global.
func DefaultSSELimits() SSELimits {
	return SSELimits{
		MaxDuration: 30 * time.Minute,
		MaxPerIP:    10,
		MaxGlobal:   1000,
	}
}

// SSELimiter tracks concurrent SSE connections per IP and globally.
// It uses an atomic counter for the global cap and a mutex-protected map for
// per-IP tracking.
type SSELimiter struct {
	SSELimits

	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

// NewSSELimiter creates an SSE connection limiter with the given limits.
func NewSSELimiter(limits SSELimits) *SSELimiter {
	return &SSELimiter{
		SSELimits: limits,
		perIP:     make(map[string]*atomic.Int64),
	}
}

// Acquire attempts to register a new SSE connection for the given IP.
// Returns true if the connection is allowed, false if any limit is exceeded.
// On success, the caller MUST call Release when the connection ends.
func (l *SSELimiter) Acquire(ip string) bool {
	if l.MaxGlobal > 0 && l.globalCount.Load() >= l.MaxGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if l.MaxPerIP > 0 && counter.Load() >= l.MaxPerIP {
		return false
	}

	// Increment both counters, then re-check: another goroutine may have
	// incremented between the check and the add.
	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)

	if (l.MaxPerIP > 0 && ipCount > l.MaxPerIP) || (l.MaxGlobal > 0 && globalCount > l.MaxGlobal) {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}

	return true
}

// Release decrements the connection counters for the given IP.
// Must be called exactly once for each successful Acquire.
func (l *SSELimiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()

	if ok {
		if counter.Add(-1) <= 0 {
			// Clean up empty entries to avoid unbounded map growth.
			l.mu.Lock()
			if counter.Load() <= 0 {
				delete(l.perIP, ip)
			}
			l.mu.Unlock()
		}
	}
}

// GlobalCount returns the current global SSE connection count.
func (l *SSELimiter) GlobalCount() int64 {
	return l.globalCount.Load()
}

// IPCount returns the current SSE connection count for a specific IP.
func (l *SSELimiter) IPCount(ip string) int64 {
	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()

	if !ok {
		return 0
	}
	return counter.Load()
}

// clientIP extracts the client IP from the request, preferring X-Real-Ip
// (set by chi's RealIP middleware) and stripping the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Caps on long-lived event streams. These bound resource use from clients
// that open streams and never close them.
const (
	// MaxSSEDuration is the maximum lifetime of one event stream.
	MaxSSEDurationSeconds = 30 * 60

	// MaxSSEPerIP caps concurrent streams from one client IP.
	MaxSSEPerIP = 10

	// MaxSSEGlobal caps concurrent streams across all clients.
	MaxSSEGlobal = 1000
)

// SSELimiter tracks concurrent event-stream connections per IP and globally.
type SSELimiter struct {
	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

func NewSSELimiter() *SSELimiter {
	return &SSELimiter{perIP: make(map[string]*atomic.Int64)}
}

// Acquire registers a new stream for ip. Returns false when a cap is hit; on
// true the caller must Release exactly once.
func (l *SSELimiter) Acquire(ip string) bool {
	if l.globalCount.Load() >= MaxSSEGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(MaxSSEPerIP) {
		return false
	}

	// Increment then re-check: two racing acquires can both pass the load
	// above, so the loser rolls back.
	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)
	if ipCount > int64(MaxSSEPerIP) || globalCount > MaxSSEGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}
	return true
}

// Release undoes one Acquire.
func (l *SSELimiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return
	}
	if counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// GlobalCount returns the current global stream count.
func (l *SSELimiter) GlobalCount() int64 {
	return l.globalCount.Load()
}

// IPCount returns the current stream count for ip.
func (l *SSELimiter) IPCount(ip string) int64 {
	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// clientIP prefers X-Real-Ip (set by chi's RealIP middleware), falling back
// to RemoteAddr with the port stripped.
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

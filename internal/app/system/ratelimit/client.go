// internal/app/system/ratelimit/client.go
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ClientLimiter is an in-process fixed-window limiter keyed by client
// (IP address or token subject). It guards the session endpoints, which run
// before a caller identity exists and so cannot use the per-user Limiter.
// It is safe for concurrent use.
type ClientLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	limit    int
	duration time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

type window struct {
	count     int
	expiresAt time.Time
}

// NewClientLimiter allows limit requests per key per duration.
func NewClientLimiter(limit int, duration time.Duration) *ClientLimiter {
	l := &ClientLimiter{
		windows:  make(map[string]*window),
		limit:    limit,
		duration: duration,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop(duration * 2)
	return l
}

// Allow counts one request for key. When the key is over its limit it
// returns false and how long until the window resets.
func (l *ClientLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		l.windows[key] = &window{count: 1, expiresAt: now.Add(l.duration)}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.expiresAt.Sub(now)
	}
	w.count++
	return true, 0
}

// Reset clears the window for key.
func (l *ClientLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Stop ends the cleanup goroutine.
func (l *ClientLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, w := range l.windows {
				if !now.Before(w.expiresAt) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// ClientIP extracts the client IP from an HTTP request.
// It checks X-Forwarded-For and X-Real-IP first (proxied requests),
// then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// SessionLimiter throttles session creation both per IP and per token
// subject, so one address cannot spray tokens and one account cannot be
// hammered from many addresses.
type SessionLimiter struct {
	ip      *ClientLimiter
	subject *ClientLimiter
}

// NewSessionLimiter uses 20 attempts per IP per minute and 10 per subject
// per 5 minutes.
func NewSessionLimiter() *SessionLimiter {
	return &SessionLimiter{
		ip:      NewClientLimiter(20, time.Minute),
		subject: NewClientLimiter(10, 5*time.Minute),
	}
}

// Check counts an attempt from r for subject (may be empty before the token
// is parsed) and returns the wait time when either limit is hit.
func (s *SessionLimiter) Check(r *http.Request, subject string) (bool, time.Duration) {
	if ok, wait := s.ip.Allow(ClientIP(r)); !ok {
		return false, wait
	}
	if subject != "" {
		if ok, wait := s.subject.Allow(subject); !ok {
			return false, wait
		}
	}
	return true, 0
}

// Stop releases both limiters.
func (s *SessionLimiter) Stop() {
	s.ip.Stop()
	s.subject.Stop()
}

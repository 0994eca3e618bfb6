package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies an independent token bucket to each client key (remote
// address or API key). A non-positive rps disables limiting.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*client
	rps     float64
	burst   int
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter granting each client rps requests per second
// with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*client),
		rps:     rps,
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rps > 0
}

func (l *Limiter) get(key string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	c, ok := l.clients[key]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		c.lastSeen = now
		l.mu.Unlock()
		return c.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[key]; ok {
		c.lastSeen = now
		return c.limiter
	}
	c = &client{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst), lastSeen: now}
	l.clients[key] = c
	return c.limiter
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).Allow()
}

// RetryAfter is how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	r := l.get(key).Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Prune forgets clients idle for longer than idle and returns how many were
// dropped.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

func (l *Limiter) clientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// Package ratelimit implements a fixed-window request counter per client.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = 60 * time.Second
	// pruneAt is the table size above which expired windows are dropped.
	pruneAt = 10_000
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter allows at most Limit requests per client key in each fixed window.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(limit int, period time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow counts one request for key. A window past its reset time starts over;
// a request that would push the count over the limit is rejected and not counted.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve is Allow that also reports how long until the key's window resets.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		if !ok && len(l.windows) >= pruneAt {
			l.prune(now)
		}
		w = &window{resetAt: now.Add(l.period)}
		l.windows[key] = w
	}
	if w.count+1 > l.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, w.resetAt.Sub(now)
}

func (l *Limiter) prune(now time.Time) {
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

// Len reports how many client windows are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter keeps one token bucket per key, e.g. per instrument, so a client
// hammering one symbol cannot starve the others.
type Limiter struct {
	mu       sync.Mutex
	m        map[string]*entry
	every    rate.Limit
	interval time.Duration
	burst    int
	now      func() time.Time
}

// New allows burst requests per key, refilled at one token per interval.
// A non-positive interval disables limiting.
func New(interval time.Duration, burst int) *Limiter {
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	return &Limiter{m: make(map[string]*entry), every: every, interval: max(interval, 0), burst: max(burst, 1), now: time.Now}
}

// Allow reports whether one request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.every, l.burst)}
		l.m[key] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Prune drops keys idle for longer than idle and returns how many it removed.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.m {
		if e.seen.Before(cutoff) {
			delete(l.m, k)
			n++
		}
	}
	return n
}

// IdleAfter is how long a key must go unused before its bucket is full again
// and dropping it changes nothing.
func (l *Limiter) IdleAfter() time.Duration {
	return l.interval * time.Duration(l.burst)
}

// Run prunes refilled keys every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune(l.IdleAfter())
		}
	}
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

package effects

import "time"

// Limiter throttles toasts. A key seen within the dedupe window is
// suppressed, and no two toasts pass closer together than the minimum
// interval. Each watch session owns its own Limiter.
type Limiter struct {
	window      time.Duration
	minInterval time.Duration
	clock       func() time.Time
	seen        map[string]time.Time
	last        time.Time
}

func NewLimiter(window, minInterval time.Duration, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		window:      window,
		minInterval: minInterval,
		clock:       clock,
		seen:        make(map[string]time.Time),
	}
}

func (l *Limiter) Allow(key string) bool {
	now := l.clock()
	if at, ok := l.seen[key]; ok && now.Sub(at) < l.window {
		return false
	}
	if !l.last.IsZero() && now.Sub(l.last) < l.minInterval {
		return false
	}
	l.seen[key] = now
	l.last = now
	l.prune(now)
	return true
}

func (l *Limiter) prune(now time.Time) {
	for k, at := range l.seen {
		if now.Sub(at) >= l.window {
			delete(l.seen, k)
		}
	}
}

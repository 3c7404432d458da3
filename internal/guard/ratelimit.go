package guard

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxRequests = 10
	DefaultWindow      = 60 * time.Second

	sweepEvery = 1024
)

// SourceKey identifies a webhook sender for rate limiting.
type SourceKey struct {
	IP        string
	UserAgent string
}

// window is the sliding log of accepted request times for one source.
type window struct {
	mu   sync.Mutex
	hits []time.Time
	// dead is set when sweep removed the window from the key map.
	dead bool
}

func (w *window) evict(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]
}

// record reports whether a hit at now fits and stores it if so. live is false
// when the window was swept, the caller then retries with a fresh lookup.
func (w *window) record(now time.Time, size time.Duration, maxRequests int) (allowed, live bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return false, false
	}
	w.evict(now, size)
	if len(w.hits) >= maxRequests {
		return false, true
	}
	w.hits = append(w.hits, now)
	return true, true
}

// RateLimiter is a sliding-window log limiter keyed by source. Expired
// entries are evicted lazily on each check.
type RateLimiter struct {
	clock       clockwork.Clock
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	windows map[SourceKey]*window
	calls   int
}

func NewRateLimiter(maxRequests int, size time.Duration, clock clockwork.Clock) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if size <= 0 {
		size = DefaultWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:       clock,
		maxRequests: maxRequests,
		window:      size,
		windows:     make(map[SourceKey]*window),
	}
}

// Allow records a request from key and reports whether it fits in the window.
// Rejected requests are not recorded.
func (l *RateLimiter) Allow(key SourceKey) bool {
	now := l.clock.Now()
	for {
		allowed, live := l.windowFor(key, now).record(now, l.window, l.maxRequests)
		if live {
			return allowed
		}
	}
}

func (l *RateLimiter) windowFor(key SourceKey, now time.Time) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// sweep drops idle sources so the key map does not grow without bound.
// Caller holds l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		w.mu.Lock()
		w.evict(now, l.window)
		if len(w.hits) == 0 {
			w.dead = true
			delete(l.windows, key)
		}
		w.mu.Unlock()
	}
}

func (l *RateLimiter) sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

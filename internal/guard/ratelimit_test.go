package guard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

var source = SourceKey{IP: "203.0.113.7", UserAgent: "Network-Webhooks/1.0"}

func TestRateLimiter_Boundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(10, 60*time.Second, clock)

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow(source), "request %d should pass", i+1)
		clock.Advance(time.Second)
	}
	assert.False(t, limiter.Allow(source), "11th request in the window must be rejected")

	// the first request was made 60s ago now -> one slot frees up
	clock.Advance(50 * time.Second)
	assert.True(t, limiter.Allow(source))
	assert.False(t, limiter.Allow(source))
}

func TestRateLimiter_RecoversAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(source))
	}
	assert.False(t, limiter.Allow(source))

	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(source))
	}
	assert.False(t, limiter.Allow(source))
}

func TestRateLimiter_RejectedRequestsDoNotExtendWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(1, time.Minute, clock)

	assert.True(t, limiter.Allow(source))
	clock.Advance(30 * time.Second)
	assert.False(t, limiter.Allow(source))
	clock.Advance(30 * time.Second)
	assert.True(t, limiter.Allow(source))
}

func TestRateLimiter_SourcesAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute, clockwork.NewFakeClock())

	assert.True(t, limiter.Allow(source))
	assert.False(t, limiter.Allow(source))
	assert.True(t, limiter.Allow(SourceKey{IP: source.IP, UserAgent: "curl/8.0"}))
	assert.True(t, limiter.Allow(SourceKey{IP: "198.51.100.1", UserAgent: source.UserAgent}))
}

func TestRateLimiter_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute, clockwork.NewFakeClock())

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow(source) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestRateLimiter_SweepDropsIdleSources(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(1, time.Second, clock)

	for i := 0; i < sweepEvery-1; i++ {
		limiter.Allow(SourceKey{IP: "10.0.0.1", UserAgent: fmt.Sprintf("agent-%d", i)})
	}
	clock.Advance(2 * time.Second)
	limiter.Allow(source)

	assert.Equal(t, 1, limiter.sources())
}

func TestRateLimiter_SweptWindowDoesNotAcceptHits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(1, time.Second, clock)
	now := clock.Now()

	// a caller looked the window up but was preempted before recording
	stale := limiter.windowFor(source, now)

	limiter.mu.Lock()
	limiter.sweep(now)
	limiter.mu.Unlock()
	assert.Equal(t, 0, limiter.sources())

	allowed, live := stale.record(now, time.Second, 1)
	assert.False(t, allowed)
	assert.False(t, live)

	assert.True(t, limiter.Allow(source))
	assert.False(t, limiter.Allow(source))
}

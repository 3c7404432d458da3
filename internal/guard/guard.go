package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/model"
)

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorizedSource = errors.New("unauthorized source")
)

var (
	guardUnauthorizedCounter = metrics.GetOrCreateCounter(`webhook_guard_total{result="unauthorized_source"}`)
	guardRateLimitedCounter  = metrics.GetOrCreateCounter(`webhook_guard_total{result="rate_limited"}`)
	guardPassedCounter       = metrics.GetOrCreateCounter(`webhook_guard_total{result="passed"}`)
	replayFreshCounter       = metrics.GetOrCreateCounter(`webhook_replay_total{result="fresh"}`)
	replayDuplicateCounter   = metrics.GetOrCreateCounter(`webhook_replay_total{result="duplicate"}`)
	replayErrorCounter       = metrics.GetOrCreateCounter(`webhook_replay_total{result="error"}`)
	janitorPurgedCounter     = metrics.GetOrCreateCounter(`webhook_replay_purged_total`)
)

// Guard composes the source checks and replay detection consulted by the
// inbound pipeline before any state change.
type Guard struct {
	allowList *AllowList
	limiter   *RateLimiter
	replay    ReplayStore
}

func New(allowList *AllowList, limiter *RateLimiter, replay ReplayStore) *Guard {
	return &Guard{allowList: allowList, limiter: limiter, replay: replay}
}

// CheckSource applies the allow-list and the rate limit to a sender.
func (g *Guard) CheckSource(key SourceKey) error {
	if !g.allowList.Allowed(key.IP) {
		guardUnauthorizedCounter.Inc()
		return ErrUnauthorizedSource
	}
	if g.limiter != nil && !g.limiter.Allow(key) {
		guardRateLimitedCounter.Inc()
		return ErrRateLimited
	}
	guardPassedCounter.Inc()
	return nil
}

// Claim records rec's event id. fresh is false when the id was already seen.
func (g *Guard) Claim(ctx context.Context, rec model.WebhookEventRecord) (bool, error) {
	fresh, err := g.replay.Claim(ctx, rec)
	switch {
	case err != nil:
		replayErrorCounter.Inc()
		return false, err
	case fresh:
		replayFreshCounter.Inc()
	default:
		replayDuplicateCounter.Inc()
	}
	return fresh, nil
}

func (g *Guard) Release(ctx context.Context, eventID string) error {
	return g.replay.Release(ctx, eventID)
}

// Janitor garbage-collects replay records older than the horizon.
type Janitor struct {
	store    ReplayStore
	horizon  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewJanitor(store ReplayStore, horizon, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Janitor{store: store, horizon: horizon, interval: interval, clock: clock, logger: logger}
}

func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := j.clock.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				j.PurgeOnce(ctx)
			case <-ctx.Done():
				j.logger.InfoContext(ctx, "Context done, stopping replay janitor")
				return
			}
		}
	}()
}

func (j *Janitor) PurgeOnce(ctx context.Context) int {
	purged, err := j.store.Purge(ctx, j.clock.Now().Add(-j.horizon))
	if err != nil {
		j.logger.ErrorContext(ctx, "Error purging webhook event records", "error", err)
		return 0
	}
	if purged > 0 {
		j.logger.InfoContext(ctx, "Purged webhook event records", "count", purged)
		janitorPurgedCounter.Add(purged)
	}
	return purged
}

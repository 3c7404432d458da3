package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"pushpay-service/internal/model"
)

const DefaultSafetyMargin = 60 * time.Second

var (
	cacheHitCounter      = metrics.GetOrCreateCounter(`access_token_total{result="cache_hit"}`)
	cacheRefreshCounter  = metrics.GetOrCreateCounter(`access_token_total{result="refreshed"}`)
	cacheFailureCounter  = metrics.GetOrCreateCounter(`access_token_total{result="refresh_failed"}`)
	cacheInvalidateCount = metrics.GetOrCreateCounter(`access_token_total{result="invalidated"}`)
)

// Token is an access token as returned by the network.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

type Exchanger interface {
	Exchange(ctx context.Context, cred model.Credential) (Token, error)
}

type cached struct {
	value     string
	expiresAt time.Time
}

// Cache keeps one access token per merchant and refreshes it shortly before
// expiry. Concurrent refreshes for the same merchant share a single exchange.
type Cache struct {
	exchanger Exchanger
	margin    time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cached
}

func NewCache(exchanger Exchanger, margin time.Duration, clock clockwork.Clock, logger *slog.Logger) *Cache {
	if margin < 0 {
		margin = DefaultSafetyMargin
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		exchanger: exchanger,
		margin:    margin,
		clock:     clock,
		logger:    logger,
		entries:   make(map[string]cached),
	}
}

func (c *Cache) Token(ctx context.Context, cred model.Credential) (string, error) {
	msn := cred.MerchantSerialNumber
	if value, ok := c.lookup(msn); ok {
		cacheHitCounter.Inc()
		return value, nil
	}

	ch := c.group.DoChan(msn, func() (any, error) {
		// the exchange outlives any single waiter; its own timeout bounds it
		return c.refresh(context.WithoutCancel(ctx), cred)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) lookup(msn string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[msn]
	if !ok || !c.clock.Now().Before(entry.expiresAt.Add(-c.margin)) {
		return "", false
	}
	return entry.value, true
}

func (c *Cache) refresh(ctx context.Context, cred model.Credential) (string, error) {
	msn := cred.MerchantSerialNumber
	if value, ok := c.lookup(msn); ok {
		return value, nil
	}

	fetchedAt := c.clock.Now()
	tok, err := c.exchanger.Exchange(ctx, cred)
	if err != nil {
		cacheFailureCounter.Inc()
		c.logger.ErrorContext(ctx, "Error exchanging access token", "merchant", msn, "error", err)
		return "", errors.Wrapf(err, "access token for merchant %s", msn)
	}
	if tok.AccessToken == "" {
		cacheFailureCounter.Inc()
		return "", errors.Errorf("empty access token for merchant %s", msn)
	}

	c.mu.Lock()
	c.entries[msn] = cached{value: tok.AccessToken, expiresAt: fetchedAt.Add(tok.ExpiresIn)}
	c.mu.Unlock()

	cacheRefreshCounter.Inc()
	c.logger.InfoContext(ctx, "Access token refreshed", "merchant", msn, "expiresIn", tok.ExpiresIn)
	return tok.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the network answered 401.
func (c *Cache) Invalidate(merchantSerialNumber string) {
	c.mu.Lock()
	delete(c.entries, merchantSerialNumber)
	c.mu.Unlock()
	c.group.Forget(merchantSerialNumber)
	cacheInvalidateCount.Inc()
}

package token

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpay-service/internal/model"
)

type countingExchanger struct {
	calls   atomic.Int32
	expires time.Duration
	err     error
	release chan struct{}
}

func (e *countingExchanger) Exchange(ctx context.Context, cred model.Credential) (Token, error) {
	n := e.calls.Add(1)
	if e.release != nil {
		<-e.release
	}
	if e.err != nil {
		return Token{}, e.err
	}
	return Token{AccessToken: cred.MerchantSerialNumber + "-" + string(rune('0'+n)), ExpiresIn: e.expires}, nil
}

var merchant = model.Credential{MerchantSerialNumber: "123456"}

func TestCache_ReusesUntilSafetyMargin(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	exchanger := &countingExchanger{expires: time.Hour}
	cache := NewCache(exchanger, time.Minute, clock, slog.Default())

	first, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, "123456-1", first)

	clock.Advance(58 * time.Minute)
	second, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), exchanger.calls.Load())

	// inside the last minute the token counts as expired
	clock.Advance(time.Minute)
	third, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, "123456-2", third)
	assert.Equal(t, int32(2), exchanger.calls.Load())
}

func TestCache_CoalescesConcurrentRefreshes(t *testing.T) {
	ctx := context.Background()
	exchanger := &countingExchanger{expires: time.Hour, release: make(chan struct{})}
	cache := NewCache(exchanger, time.Minute, clockwork.NewFakeClock(), slog.Default())

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Token(ctx, merchant)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}

	assert.Eventually(t, func() bool { return exchanger.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(exchanger.release)
	wg.Wait()

	assert.Equal(t, int32(1), exchanger.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "123456-1", tok)
	}
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	exchanger := &countingExchanger{expires: time.Hour}
	cache := NewCache(exchanger, time.Minute, clockwork.NewFakeClock(), slog.Default())

	_, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	cache.Invalidate(merchant.MerchantSerialNumber)

	tok, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, "123456-2", tok)
}

func TestCache_ExchangeFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	exchanger := &countingExchanger{expires: time.Hour, err: errors.New("unauthorized")}
	cache := NewCache(exchanger, time.Minute, clockwork.NewFakeClock(), slog.Default())

	_, err := cache.Token(ctx, merchant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "123456")

	exchanger.err = nil
	tok, err := cache.Token(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, "123456-2", tok)
}

package network

import (
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 30 * time.Second
)

var breakerOpenedCounter = metrics.GetOrCreateCounter(`network_circuit_total{result="opened"}`)

// breakers holds one circuit breaker per merchant serial number.
type breakers struct {
	threshold uint32
	coolDown  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	byName map[string]*gobreaker.CircuitBreaker[*response]
}

func newBreakers(threshold int, coolDown time.Duration, logger *slog.Logger) *breakers {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &breakers{
		threshold: uint32(threshold),
		coolDown:  coolDown,
		logger:    logger,
		byName:    make(map[string]*gobreaker.CircuitBreaker[*response]),
	}
}

func (b *breakers) get(merchantSerialNumber string) *gobreaker.CircuitBreaker[*response] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byName[merchantSerialNumber]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        merchantSerialNumber,
		MaxRequests: 1,
		Timeout:     b.coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.threshold
		},
		// client errors say nothing about the health of the network
		IsSuccessful: func(err error) bool {
			var invalid *InvalidRequestError
			return err == nil || errors.Is(err, ErrAuthenticationFailed) || errors.As(err, &invalid)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerOpenedCounter.Inc()
			}
			b.logger.Warn("Circuit breaker state changed", "merchant", name, "from", from.String(), "to", to.String())
		},
	})
	b.byName[merchantSerialNumber] = cb
	return cb
}

func (b *breakers) state(merchantSerialNumber string) gobreaker.State {
	return b.get(merchantSerialNumber).State()
}

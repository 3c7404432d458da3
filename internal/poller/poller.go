package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"pushpay-service/internal/config"
	"pushpay-service/internal/logcontext"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/statemachine"
)

const (
	defaultPollingIntervalMs = 10_000
	defaultStaleAfterMs      = 30_000
	defaultFetchSize         = 100
)

var (
	// poller batch metrics
	pollerErrorFetchingCounter = metrics.GetOrCreateCounter(`reconciliation_poller_total{result="fetching_failed"}`)
	pollerSuccessCounter       = metrics.GetOrCreateCounter(`reconciliation_poller_total{result="success"}`)

	pollerProcessDurationHistogram = metrics.GetOrCreateHistogram(`reconciliation_poller_duration_milliseconds`)

	// poller per transaction metrics
	pollerCheckedCounter = metrics.GetOrCreateCounter(`reconciliation_poller_transactions_total{result="checked"}`)
	pollerChangedCounter = metrics.GetOrCreateCounter(`reconciliation_poller_transactions_total{result="changed"}`)
	pollerSkippedCounter = metrics.GetOrCreateCounter(`reconciliation_poller_transactions_total{result="skipped"}`)
	pollerFailedCounter  = metrics.GetOrCreateCounter(`reconciliation_poller_transactions_total{result="failed"}`)
)

type Repository interface {
	ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*model.Transaction, error)
	Update(ctx context.Context, localReference string, fn func(tx *model.Transaction) (bool, error)) (*model.Transaction, error)
}

type Network interface {
	GetPayment(ctx context.Context, cred model.Credential, reference string) (*network.PaymentStatus, error)
}

type Credentials interface {
	Get(merchantSerialNumber string) (model.Credential, error)
}

type Machine interface {
	Apply(ctx context.Context, localReference string, ev statemachine.Event) (statemachine.Result, error)
}

// Summary counts what one run did.
type Summary struct {
	Checked int
	Changed int
	Skipped int
	Failed  int
}

// Poller reconciles open transactions whose webhooks may have been lost by
// asking the network for their status.
type Poller struct {
	repo            Repository
	network         Network
	creds           Credentials
	machine         Machine
	clock           clockwork.Clock
	pollingInterval time.Duration
	staleAfter      time.Duration
	fetchSize       int
	logger          *slog.Logger
}

func New(repo Repository, net Network, creds Credentials, machine Machine, cfg config.Poller,
	clock clockwork.Clock, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	pollingInterval := cfg.PollingIntervalMs
	if pollingInterval <= 0 {
		pollingInterval = config.GetInt("POLLER_POLLING_INTERVAL_MS", defaultPollingIntervalMs)
	}
	staleAfter := cfg.StaleAfterMs
	if staleAfter <= 0 {
		staleAfter = config.GetInt("POLLER_STALE_AFTER_MS", defaultStaleAfterMs)
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = config.GetInt("POLLER_FETCH_SIZE", defaultFetchSize)
	}

	return &Poller{
		repo:            repo,
		network:         net,
		creds:           creds,
		machine:         machine,
		clock:           clock,
		pollingInterval: time.Duration(pollingInterval) * time.Millisecond,
		staleAfter:      time.Duration(staleAfter) * time.Millisecond,
		fetchSize:       fetchSize,
		logger:          logger,
	}
}

func (p *Poller) Start(ctx context.Context) {
	go func() {
		ticker := p.clock.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				p.RunOnce(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping poller")
				return
			}
		}
	}()
}

// RunOnce checks one batch of stale transactions.
func (p *Poller) RunOnce(ctx context.Context) Summary {
	startTime := p.clock.Now()
	defer func() {
		pollerProcessDurationHistogram.Update(float64(p.clock.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	var summary Summary

	p.logger.InfoContext(ctx, "Fetching stale transactions")
	transactions, err := p.repo.ListStale(ctx, startTime.Add(-p.staleAfter), p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching stale transactions", "error", err)
		pollerErrorFetchingCounter.Inc()
		return summary
	}

	if len(transactions) == 0 {
		p.logger.InfoContext(ctx, "No stale transactions found")
		pollerSuccessCounter.Inc()
		return summary
	}

	for _, tx := range transactions {
		txCtx := logcontext.AppendCtx(ctx, slog.String("reference", tx.LocalReference))

		cred, err := p.creds.Get(tx.MerchantSerialNumber)
		if err != nil || !cred.PollingEnabled {
			summary.Skipped++
			pollerSkippedCounter.Inc()
			p.touch(txCtx, tx.LocalReference, startTime)
			continue
		}

		status, err := p.network.GetPayment(txCtx, cred, tx.NetworkReference)
		if err != nil {
			summary.Failed++
			pollerFailedCounter.Inc()
			p.logger.WarnContext(txCtx, "Error fetching payment status", "error", err)
			p.touch(txCtx, tx.LocalReference, startTime)
			continue
		}

		result, err := p.machine.Apply(txCtx, tx.LocalReference, statemachine.Event{
			Source:           statemachine.SourcePoll,
			RemoteState:      status.RemoteState(),
			NetworkReference: status.Reference,
		})
		if err != nil {
			summary.Failed++
			pollerFailedCounter.Inc()
			p.logger.ErrorContext(txCtx, "Error applying payment status", "error", err)
			p.touch(txCtx, tx.LocalReference, startTime)
			continue
		}

		summary.Checked++
		pollerCheckedCounter.Inc()
		if result.Changed() {
			summary.Changed++
			pollerChangedCounter.Inc()
		}
	}

	p.logger.InfoContext(ctx, "Reconciliation run finished", "checked", summary.Checked, "changed", summary.Changed,
		"skipped", summary.Skipped, "failed", summary.Failed)
	pollerSuccessCounter.Inc()
	return summary
}

// touch moves a transaction that could not be checked to the back of the
// stale queue so it does not hold the head of every batch.
func (p *Poller) touch(ctx context.Context, localReference string, at time.Time) {
	_, err := p.repo.Update(ctx, localReference, func(tx *model.Transaction) (bool, error) {
		tx.LastStatusCheckedAt = &at
		return true, nil
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Error recording status check attempt", "error", err)
	}
}

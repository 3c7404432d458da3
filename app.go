package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pushpay-service/internal/config"
	"pushpay-service/internal/credential"
	"pushpay-service/internal/db"
	"pushpay-service/internal/event"
	"pushpay-service/internal/guard"
	"pushpay-service/internal/kafka"
	"pushpay-service/internal/manual"
	"pushpay-service/internal/memstore"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/poller"
	"pushpay-service/internal/statemachine"
	"pushpay-service/internal/token"
)

type transactionStore interface {
	Create(ctx context.Context, tx *model.Transaction) error
	Get(ctx context.Context, localReference string) (*model.Transaction, error)
	Update(ctx context.Context, localReference string, fn func(tx *model.Transaction) (bool, error)) (*model.Transaction, error)
	ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*model.Transaction, error)
	CountOpen(ctx context.Context, merchantSerialNumber string) (int, error)
}

// app holds the components shared by the serve and reconcile commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	store   transactionStore
	creds   *credential.Store
	client  *network.Client
	machine *statemachine.Machine
	manual  *manual.Controller
	poller  *poller.Poller

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.store = memstore.NewTransactionStore()
	if cfg.Database.Enabled() {
		pool, err := db.GetPool(ctx, db.GetConnStr(cfg.Database))
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.store = db.NewTransactionRepository(pool)
	} else {
		logger.Warn("No database configured, transactions are kept in memory")
	}

	creds, err := credential.FromConfig(cfg.Merchants)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.pool != nil {
		if err := creds.Load(ctx, db.NewCredentialRepository(a.pool)); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "load merchant credentials")
		}
	}
	a.creds = creds

	opts := network.OptionsFromConfig(cfg.Network)
	tokens := token.NewCache(
		network.NewTokenExchanger(opts, time.Duration(cfg.Network.TokenTimeoutMs)*time.Millisecond),
		time.Duration(cfg.Network.TokenSafetyMarginMs)*time.Millisecond,
		nil, logger)
	a.client = network.NewClient(opts, tokens, nil, logger)

	a.machine = statemachine.New(a.store, a.emitter(), nil, logger)
	a.manual = manual.NewController(a.machine, a.store, a.client, a.creds, manual.OptionsFromConfig(cfg.Timeouts), nil, logger)
	a.poller = poller.New(a.store, a.client, a.creds, a.machine, cfg.Poller, nil, logger)

	return a, nil
}

func (a *app) emitter() statemachine.Emitter {
	if a.cfg.Kafka.Broker.URL == "" {
		return event.NewLogEmitter(a.logger)
	}
	writer := kafka.NewWriter(a.cfg.Kafka)
	a.closers = append(a.closers, func() {
		if err := writer.Close(); err != nil {
			a.logger.Error("Error closing settlement writer", "error", err)
		}
	})
	return event.NewKafkaEmitter(writer, a.logger)
}

// replayStore picks the backend that records accepted webhook event ids.
func (a *app) replayStore() (guard.ReplayStore, error) {
	horizon := time.Duration(a.cfg.Guard.ReplayHorizonSec) * time.Second

	switch a.cfg.Guard.ReplayBackend {
	case "postgres":
		if a.pool == nil {
			return nil, errors.New("postgres replay backend without database")
		}
		return db.NewWebhookEventRepository(a.pool, horizon, nil), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		return guard.NewRedisReplayStore(client, horizon), nil
	}
	return guard.NewMemoryReplayStore(horizon, nil), nil
}

func (a *app) Close() {
	if a.manual != nil {
		a.manual.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

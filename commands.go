package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"pushpay-service/internal/api"
	"pushpay-service/internal/config"
	"pushpay-service/internal/credential"
	"pushpay-service/internal/db"
	"pushpay-service/internal/guard"
	"pushpay-service/internal/logging"
	"pushpay-service/internal/metrics"
	"pushpay-service/internal/mocknetwork"
	"pushpay-service/internal/pipeline"
	"pushpay-service/internal/service"
	"pushpay-service/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, payment API, timeouts and reconciliation poller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)
			metrics.Setup(cfg.Metrics, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Database.Enabled() {
				if err := db.RunMigrations(db.GetConnStr(cfg.Database)); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			allowList, err := guard.ParseAllowList(cfg.Guard.AllowList)
			if err != nil {
				return err
			}
			replay, err := a.replayStore()
			if err != nil {
				return err
			}
			limiter := guard.NewRateLimiter(cfg.Guard.MaxRequests, time.Duration(cfg.Guard.WindowSec)*time.Second, nil)
			g := guard.New(allowList, limiter, replay)

			guard.NewJanitor(replay, time.Duration(cfg.Guard.ReplayHorizonSec)*time.Second,
				time.Duration(cfg.Guard.JanitorIntervalMs)*time.Millisecond, nil, logger).Start(ctx)
			if cfg.Poller.Enabled {
				a.poller.Start(ctx)
			}

			verifier := webhook.NewVerifier(time.Duration(cfg.Webhook.TimestampToleranceSec)*time.Second, nil)
			webhooks := pipeline.New(g, a.creds, verifier, a.machine, nil, logger)
			payments := service.NewPaymentService(a.store, a.client, a.creds, a.machine, a.manual, nil, logger)

			var persist service.CredentialPersistence
			if a.pool != nil {
				persist = db.NewCredentialRepository(a.pool)
			}
			merchants := service.NewMerchantService(a.creds, persist, a.store, logger)

			server := &http.Server{
				Addr:              net.JoinHostPort("", cfg.Server.Port),
				Handler:           api.NewServer(webhooks, payments, merchants, cfg.Webhook.MaxBodyBytes, logger).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", "addr", server.Addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New("database.host is not configured")
			}
			return db.RunMigrations(db.GetConnStr(cfg.Database))
		},
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the network once for every stale open transaction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			summary := a.poller.RunOnce(cmd.Context())
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
		},
	}
}

func mockNetworkCmd(configPath *string) *cobra.Command {
	var (
		port           string
		webhookURL     string
		authorizeAfter time.Duration
		errorRate      float64
	)

	cmd := &cobra.Command{
		Use:   "mock-network",
		Short: "Run a local fake payment network that sends signed webhooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			creds, err := credential.FromConfig(cfg.Merchants)
			if err != nil {
				return err
			}
			secrets := make(map[string][]byte)
			for _, c := range creds.List() {
				secrets[c.MerchantSerialNumber] = c.WebhookSecret
			}

			mock := mocknetwork.New(mocknetwork.Options{
				WebhookBaseURL: webhookURL,
				Secrets:        secrets,
				AuthorizeAfter: authorizeAfter,
				ErrorRate:      errorRate,
			}, nil, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := &http.Server{Addr: net.JoinHostPort("", port), Handler: mock.Routes(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				_ = server.Shutdown(context.Background())
			}()

			logger.Info("Starting mock network", "addr", server.Addr, "webhookUrl", webhookURL)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&port, "port", "8085", "Port to listen on")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "http://localhost:8080", "Base URL of the service receiving webhooks")
	cmd.Flags().DurationVar(&authorizeAfter, "authorize-after", 3*time.Second, "Delay before a simulated customer approves")
	cmd.Flags().Float64Var(&errorRate, "error-rate", 0, "Share of payment calls answered with 500")

	return cmd
}

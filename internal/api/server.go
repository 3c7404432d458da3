package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pushpay-service/internal/metrics"
	"pushpay-service/internal/model"
	"pushpay-service/internal/pipeline"
	"pushpay-service/internal/service"
)

const (
	contentType         = "application/json"
	defaultMaxBodyBytes = 64 * 1024
)

type Webhooks interface {
	Handle(ctx context.Context, in pipeline.Inbound) pipeline.Result
}

type Payments interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*model.Transaction, error)
	Get(ctx context.Context, localReference string) (*model.Transaction, error)
	Capture(ctx context.Context, localReference string) (*model.Transaction, error)
	Cancel(ctx context.Context, localReference string) (*model.Transaction, error)
	Refund(ctx context.Context, localReference string, amountMinorUnits int64) (*model.Transaction, error)
	Refresh(ctx context.Context, localReference string) (*model.Transaction, error)
	Verify(ctx context.Context, localReference string, success bool) (*model.Transaction, error)
}

type Merchants interface {
	List() []model.Credential
	Register(ctx context.Context, cred model.Credential, encodedSecret string) error
	Remove(ctx context.Context, merchantSerialNumber string) error
}

type Server struct {
	webhooks     Webhooks
	payments     Payments
	merchants    Merchants
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewServer(webhooks Webhooks, payments Payments, merchants Merchants, maxBodyBytes int, logger *slog.Logger) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		webhooks:     webhooks,
		payments:     payments,
		merchants:    merchants,
		maxBodyBytes: int64(maxBodyBytes),
		logger:       logger,
	}
}

// Routes builds the HTTP surface: the webhook endpoint called by the network,
// the payment and merchant APIs, liveness and metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/webhooks/{merchantSerialNumber}", s.handleWebhook)

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", s.handleInitiate)
		r.Route("/{reference}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/capture", s.handleCapture)
			r.Post("/cancel", s.handleCancel)
			r.Post("/refund", s.handleRefund)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/verify", s.handleVerify)
		})
	})

	r.Route("/merchants", func(r chi.Router) {
		r.Get("/", s.handleListMerchants)
		r.Put("/{merchantSerialNumber}", s.handleRegisterMerchant)
		r.Delete("/{merchantSerialNumber}", s.handleRemoveMerchant)
	})

	return r
}

// Package mocknetwork is a local stand-in for the payment network. It issues
// access tokens, accepts payments and delivers signed webhooks back to the
// service, so the full lifecycle can be exercised without network credentials.
package mocknetwork

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/pipeline"
	"pushpay-service/internal/webhook"
)

const contentType = "application/json"

var ErrUnknownMerchant = errors.New("mock network has no secret for merchant")

type Options struct {
	// WebhookBaseURL is where the service receives webhooks, e.g.
	// http://localhost:8080. Empty disables delivery.
	WebhookBaseURL string
	// Secrets maps merchant serial numbers to webhook shared secrets.
	Secrets map[string][]byte
	// AuthorizeAfter is how long a simulated customer takes to approve.
	// Zero leaves payments in CREATED until captured or cancelled.
	AuthorizeAfter time.Duration
	// ErrorRate is the share of payment calls answered with a 500.
	ErrorRate float64
}

type payment struct {
	msn            string
	idempotencyKey string
	status         network.PaymentStatus
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	opts       Options
	clock      clockwork.Clock
	logger     *slog.Logger
	httpClient *http.Client
	calls      *callCounter

	mu       sync.Mutex
	payments map[string]*payment
}

func New(opts Options, clock clockwork.Clock, logger *slog.Logger) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		opts:       opts,
		clock:      clock,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		calls:      &callCounter{counts: make(map[string]int)},
		payments:   make(map[string]*payment),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(s.logger), s.calls.middleware)

	r.Post("/accesstoken/get", s.handleToken)
	r.Route("/epayment/v1/payments", func(r chi.Router) {
		r.Use(s.requireBearer, s.injectFailures)
		r.Post("/", s.handleCreate)
		r.Get("/{reference}", s.handleGet)
		r.Post("/{reference}/capture", s.handleModify(model.RemoteCaptured))
		r.Post("/{reference}/cancel", s.handleModify(model.RemoteCancelled))
		r.Post("/{reference}/refund", s.handleModify(model.RemoteRefunded))
	})
	return r
}

// Calls reports how often method and path were requested.
func (s *Server) Calls(method, path string) int {
	return s.calls.get(method + " " + path)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("client_id") == "" || r.Header.Get("client_secret") == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing client credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token_type":   "Bearer",
		"access_token": uuid.NewString(),
		"expires_in":   "3600",
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing access token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ErrorRate > 0 && rand.Float64() < s.opts.ErrorRate {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req network.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment request"})
		return
	}
	msn := r.Header.Get(network.HeaderMerchantSerialNumber)
	key := r.Header.Get(network.HeaderIdempotencyKey)

	s.mu.Lock()
	existing, ok := s.payments[req.Reference]
	if ok {
		s.mu.Unlock()
		if existing.idempotencyKey != key {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "reference already used"})
			return
		}
		writeJSON(w, http.StatusCreated, network.CreatePaymentResponse{Reference: req.Reference})
		return
	}
	p := &payment{
		msn:            msn,
		idempotencyKey: key,
		status: network.PaymentStatus{
			Reference:    req.Reference,
			State:        string(model.RemoteCreated),
			Amount:       req.Amount,
			PspReference: uuid.NewString(),
		},
	}
	s.payments[req.Reference] = p
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, network.CreatePaymentResponse{Reference: req.Reference})

	go s.progress(req.Reference)
}

// progress delivers the CREATED webhook and, when configured, approves the
// payment on behalf of the customer.
func (s *Server) progress(reference string) {
	ctx := context.Background()
	s.notify(ctx, reference)

	if s.opts.AuthorizeAfter <= 0 {
		return
	}
	<-s.clock.After(s.opts.AuthorizeAfter)

	s.mu.Lock()
	p, ok := s.payments[reference]
	authorized := ok && p.status.State == string(model.RemoteCreated)
	if authorized {
		p.status.State = string(model.RemoteAuthorized)
		p.status.Aggregate.AuthorizedAmount = p.status.Amount
	}
	s.mu.Unlock()

	if authorized {
		s.notify(ctx, reference)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	status, ok := s.status(chi.URLParam(r, "reference"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "payment not found"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleModify(target model.RemoteState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := chi.URLParam(r, "reference")

		var req network.ModificationRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid modification request"})
				return
			}
		}

		s.mu.Lock()
		p, ok := s.payments[reference]
		if !ok {
			s.mu.Unlock()
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "payment not found"})
			return
		}
		if err := apply(&p.status, target, req.ModificationAmount); err != nil {
			s.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		status := p.status
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, status)
		go s.notifyState(context.Background(), reference, target)
	}
}

// apply moves a payment the way the network would.
func apply(status *network.PaymentStatus, target model.RemoteState, amount network.Amount) error {
	if amount.Value == 0 {
		amount = status.Amount
	}
	current := model.RemoteState(status.State)

	switch target {
	case model.RemoteCaptured:
		if current != model.RemoteAuthorized {
			return errors.Errorf("cannot capture payment in state %s", current)
		}
		status.Aggregate.CapturedAmount = amount
	case model.RemoteCancelled:
		if current != model.RemoteCreated && current != model.RemoteAuthorized {
			return errors.Errorf("cannot cancel payment in state %s", current)
		}
		status.State = string(model.RemoteCancelled)
		status.Aggregate.CancelledAmount = status.Amount
	case model.RemoteRefunded:
		if status.Aggregate.CapturedAmount.Value == 0 {
			return errors.Errorf("cannot refund uncaptured payment")
		}
		status.Aggregate.RefundedAmount = amount
	}
	return nil
}

func (s *Server) status(reference string) (network.PaymentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		return network.PaymentStatus{}, false
	}
	return p.status, true
}

func (s *Server) notify(ctx context.Context, reference string) {
	status, ok := s.status(reference)
	if !ok {
		return
	}
	s.notifyState(ctx, reference, model.RemoteState(status.State))
}

func (s *Server) notifyState(ctx context.Context, reference string, state model.RemoteState) {
	s.mu.Lock()
	p, ok := s.payments[reference]
	var msn string
	var status network.PaymentStatus
	if ok {
		msn, status = p.msn, p.status
	}
	s.mu.Unlock()
	if !ok || s.opts.WebhookBaseURL == "" {
		return
	}

	err := s.SendWebhook(ctx, msn, pipeline.Notification{
		Reference:    reference,
		EventID:      uuid.NewString(),
		Name:         string(state),
		PspReference: status.PspReference,
		Amount:       &pipeline.NotificationAmount{Value: status.Amount.Value, Currency: status.Amount.Currency},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error delivering webhook", "reference", reference, "state", state, "error", err)
	}
}

// SendWebhook signs n with the merchant's secret and posts it to the service.
func (s *Server) SendWebhook(ctx context.Context, msn string, n pipeline.Notification) error {
	secret, ok := s.opts.Secrets[msn]
	if !ok {
		return errors.Wrap(ErrUnknownMerchant, msn)
	}
	target, err := url.Parse(strings.TrimRight(s.opts.WebhookBaseURL, "/") + "/webhooks/" + url.PathEscape(msn))
	if err != nil {
		return errors.Wrap(err, "webhook url")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = webhook.Sign(secret, target.Host, body, s.clock.Now())
	req.Header.Set("User-Agent", "mock-network/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("webhook answered %d", resp.StatusCode)
	}
	s.logger.InfoContext(ctx, "Webhook delivered", "reference", n.Reference, "name", n.Name, "eventId", n.EventID)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

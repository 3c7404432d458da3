package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	"pushpay-service/internal/config"
	"pushpay-service/internal/model"
)

const (
	HeaderMerchantSerialNumber = "Merchant-Serial-Number"
	HeaderSubscriptionKey      = "Ocp-Apim-Subscription-Key"
	HeaderIdempotencyKey       = "Idempotency-Key"
	HeaderSystemName           = "X-System-Name"
	HeaderSystemVersion        = "X-System-Version"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffFactor  = 2

	maxErrorDetail = 512
)

var (
	requestSuccessCounter   = metrics.GetOrCreateCounter(`network_requests_total{result="success"}`)
	requestClientErrCounter = metrics.GetOrCreateCounter(`network_requests_total{result="client_error"}`)
	requestServerErrCounter = metrics.GetOrCreateCounter(`network_requests_total{result="server_error"}`)
	requestTransportCounter = metrics.GetOrCreateCounter(`network_requests_total{result="transport_error"}`)
	requestRejectedCounter  = metrics.GetOrCreateCounter(`network_requests_total{result="circuit_open"}`)
	requestRetryCounter     = metrics.GetOrCreateCounter(`network_requests_total{result="retried"}`)

	requestDurationHistogram = metrics.GetOrCreateHistogram(`network_request_duration_milliseconds`)
)

// TokenSource hands out bearer tokens per merchant.
type TokenSource interface {
	Token(ctx context.Context, cred model.Credential) (string, error)
	Invalidate(merchantSerialNumber string)
}

type Request struct {
	Method         string
	Path           string
	Payload        any
	IdempotencyKey string
}

type response struct {
	status int
	body   []byte
}

type Options struct {
	TestBaseURL       string
	ProductionBaseURL string
	SystemName        string
	SystemVersion     string
	RequestTimeout    time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffFactor     float64
	FailureThreshold  int
	CoolDown          time.Duration
}

func OptionsFromConfig(cfg config.Network) Options {
	return Options{
		TestBaseURL:       cfg.TestBaseURL,
		ProductionBaseURL: cfg.ProductionBaseURL,
		SystemName:        cfg.SystemName,
		SystemVersion:     cfg.SystemVersion,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		BackoffFactor:     float64(cfg.BackoffFactor),
		FailureThreshold:  cfg.FailureThreshold,
		CoolDown:          time.Duration(cfg.CoolDownMs) * time.Millisecond,
	}
}

// Client calls the payment network on behalf of a merchant with retries,
// a per-merchant circuit breaker and idempotency keys.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	breakers   *breakers
	clock      clockwork.Clock
	logger     *slog.Logger
	opts       Options
}

func NewClient(opts Options, tokens TokenSource, clock clockwork.Clock, logger *slog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = defaultBackoffFactor
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		tokens:     tokens,
		breakers:   newBreakers(opts.FailureThreshold, opts.CoolDown, logger),
		clock:      clock,
		logger:     logger,
		opts:       opts,
	}
}

// NewIdempotencyKey returns a fresh key for one logical operation. Retries of
// that operation must reuse it.
func NewIdempotencyKey() string {
	return uuid.New().String()
}

func (c *Client) baseURL(env model.Environment) string {
	if env == model.EnvironmentProduction {
		return c.opts.ProductionBaseURL
	}
	return c.opts.TestBaseURL
}

func (c *Client) delays() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.Multiplier = c.opts.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do sends req and decodes a successful JSON answer into out when out is not
// nil. 5xx and transport failures are retried with exponential delays; 4xx
// answers are returned at once.
func (c *Client) Do(ctx context.Context, cred model.Credential, req Request, out any) error {
	var body []byte
	if req.Payload != nil {
		var err error
		if body, err = json.Marshal(req.Payload); err != nil {
			return errors.Wrap(err, "encode request payload")
		}
	}

	cb := c.breakers.get(cred.MerchantSerialNumber)
	delays := c.delays()
	logger := c.logger.With("merchant", cred.MerchantSerialNumber, "method", req.Method, "path", req.Path)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		resp, err := cb.Execute(func() (*response, error) {
			return c.attempt(ctx, cred, req, body)
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			requestRejectedCounter.Inc()
			logger.WarnContext(ctx, "Circuit open, request not sent", "attempt", attempt)
			return errors.Wrapf(ErrCircuitOpen, "merchant %s", cred.MerchantSerialNumber)
		}
		if err == nil {
			requestSuccessCounter.Inc()
			if out != nil && len(resp.body) > 0 {
				if err := json.Unmarshal(resp.body, out); err != nil {
					return errors.Wrap(err, "decode response")
				}
			}
			return nil
		}

		var serverErr *ServerError
		var transportErr *TransportError
		switch {
		case errors.As(err, &serverErr):
			requestServerErrCounter.Inc()
			serverErr.Attempts = attempt
		case errors.As(err, &transportErr):
			requestTransportCounter.Inc()
		default:
			requestClientErrCounter.Inc()
			if errors.Is(err, ErrAuthenticationFailed) {
				c.tokens.Invalidate(cred.MerchantSerialNumber)
			}
			logger.WarnContext(ctx, "Request rejected by network", "attempt", attempt, "error", err)
			return err
		}

		lastErr = err
		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := delays.NextBackOff()
		requestRetryCounter.Inc()
		logger.WarnContext(ctx, "Request failed, retrying", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return &TransportError{Err: ctx.Err()}
		}
	}

	var serverErr *ServerError
	if errors.As(lastErr, &serverErr) {
		serverErr.RetriesExhausted = true
	}
	logger.ErrorContext(ctx, "Request failed after retries", "attempts", c.opts.MaxAttempts, "error", lastErr)
	return lastErr
}

func (c *Client) attempt(ctx context.Context, cred model.Credential, req Request, body []byte) (*response, error) {
	start := c.clock.Now()
	defer func() {
		requestDurationHistogram.Update(float64(c.clock.Since(start).Milliseconds()))
	}()

	token, err := c.tokens.Token(ctx, cred)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		var invalid *InvalidRequestError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL(cred.Environment)+req.Path, reader)
	if err != nil {
		return nil, &InvalidRequestError{Detail: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderMerchantSerialNumber, cred.MerchantSerialNumber)
	httpReq.Header.Set(HeaderSubscriptionKey, cred.SubscriptionKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	if c.opts.SystemName != "" {
		httpReq.Header.Set(HeaderSystemName, c.opts.SystemName)
		httpReq.Header.Set(HeaderSystemVersion, c.opts.SystemVersion)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	return classify(resp.StatusCode, respBody)
}

func classify(status int, body []byte) (*response, error) {
	switch {
	case status == http.StatusUnauthorized:
		return nil, ErrAuthenticationFailed
	case status >= 500:
		return nil, &ServerError{Status: status}
	case status >= 400:
		detail := strings.TrimSpace(string(body))
		if len(detail) > maxErrorDetail {
			detail = detail[:maxErrorDetail]
		}
		return nil, &InvalidRequestError{Status: status, Detail: detail}
	}
	return &response{status: status, body: body}, nil
}

// CircuitState reports the breaker state for a merchant.
func (c *Client) CircuitState(merchantSerialNumber string) gobreaker.State {
	return c.breakers.state(merchantSerialNumber)
}

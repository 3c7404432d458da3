package mocknetwork

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/pipeline"
	"pushpay-service/internal/token"
	"pushpay-service/internal/webhook"
)

var secret = []byte("merchant-shared-secret")

var merchant = model.Credential{
	Environment:          model.EnvironmentTest,
	MerchantSerialNumber: "123456",
	ClientID:             "client",
	ClientSecret:         "secret",
	SubscriptionKey:      "sub-key",
	WebhookSecret:        secret,
}

// receiver verifies and records the webhooks the mock delivers.
type receiver struct {
	verifier *webhook.Verifier

	mu     sync.Mutex
	states []string
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := rc.verifier.Verify(webhook.RequestFromHTTP(r, body), merchant); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	n, err := pipeline.DecodeNotification(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.states = append(rc.states, n.Name)
	rc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (rc *receiver) received() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.states...)
}

func setup(t *testing.T) (*Server, *network.Client, *receiver) {
	t.Helper()

	rc := &receiver{verifier: webhook.NewVerifier(5*time.Minute, nil)}
	hooks := httptest.NewServer(rc)
	t.Cleanup(hooks.Close)

	mock := New(Options{
		WebhookBaseURL: hooks.URL,
		Secrets:        map[string][]byte{merchant.MerchantSerialNumber: secret},
		AuthorizeAfter: 10 * time.Millisecond,
	}, nil, slog.Default())
	srv := httptest.NewServer(mock.Routes())
	t.Cleanup(srv.Close)

	opts := network.Options{
		TestBaseURL:   srv.URL,
		MaxAttempts:   1,
		SystemName:    "pushpay-service",
		SystemVersion: "1.0.0",
	}
	tokens := token.NewCache(network.NewTokenExchanger(opts, time.Second), time.Minute, nil, slog.Default())
	return mock, network.NewClient(opts, tokens, nil, slog.Default()), rc
}

func TestMockNetwork_PaymentLifecycle(t *testing.T) {
	mock, client, rc := setup(t)
	ctx := context.Background()

	created, err := client.CreatePayment(ctx, merchant, network.CreatePaymentRequest{
		Amount:    network.Amount{Currency: "NOK", Value: 10000},
		Reference: "order-1",
		UserFlow:  "QR",
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", created.Reference)

	assert.Eventually(t, func() bool {
		return len(rc.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"CREATED", "AUTHORIZED"}, rc.received())

	status, err := client.GetPayment(ctx, merchant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.RemoteAuthorized, status.RemoteState())

	status, err = client.CapturePayment(ctx, merchant, "order-1", network.Amount{Currency: "NOK", Value: 10000}, "key-2")
	require.NoError(t, err)
	assert.Equal(t, model.RemoteCaptured, status.RemoteState())

	assert.Eventually(t, func() bool {
		return len(rc.received()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "CAPTURED", rc.received()[2])

	assert.Equal(t, 1, mock.Calls(http.MethodPost, "/accesstoken/get"))
}

func TestMockNetwork_IdempotentCreate(t *testing.T) {
	mock, client, _ := setup(t)
	ctx := context.Background()
	req := network.CreatePaymentRequest{Amount: network.Amount{Currency: "NOK", Value: 100}, Reference: "order-2"}

	_, err := client.CreatePayment(ctx, merchant, req, "key-1")
	require.NoError(t, err)
	_, err = client.CreatePayment(ctx, merchant, req, "key-1")
	require.NoError(t, err)

	_, err = client.CreatePayment(ctx, merchant, req, "key-other")
	var invalid *network.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, http.StatusConflict, invalid.Status)
	assert.Equal(t, 3, mock.Calls(http.MethodPost, "/epayment/v1/payments"))
}

func TestMockNetwork_CancelRejectsCapture(t *testing.T) {
	_, client, _ := setup(t)
	ctx := context.Background()

	_, err := client.CreatePayment(ctx, merchant, network.CreatePaymentRequest{
		Amount: network.Amount{Currency: "NOK", Value: 100}, Reference: "order-3",
	}, "key-1")
	require.NoError(t, err)

	status, err := client.CancelPayment(ctx, merchant, "order-3", "key-2")
	require.NoError(t, err)
	assert.Equal(t, model.RemoteCancelled, status.RemoteState())

	_, err = client.CapturePayment(ctx, merchant, "order-3", network.Amount{}, "key-3")
	var invalid *network.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestMockNetwork_RequiresBearer(t *testing.T) {
	mock := New(Options{}, nil, slog.Default())
	rec := httptest.NewRecorder()
	mock.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/epayment/v1/payments/order-1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendWebhook_UnknownMerchant(t *testing.T) {
	mock := New(Options{WebhookBaseURL: "http://localhost:1"}, nil, slog.Default())
	err := mock.SendWebhook(context.Background(), "999", pipeline.Notification{Reference: "x"})
	require.ErrorIs(t, err, ErrUnknownMerchant)
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushpay-service/internal/credential"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/pipeline"
	"pushpay-service/internal/service"
	"pushpay-service/internal/statemachine"
)

type stubWebhooks struct {
	result pipeline.Result
	last   pipeline.Inbound
}

func (s *stubWebhooks) Handle(_ context.Context, in pipeline.Inbound) pipeline.Result {
	s.last = in
	return s.result
}

type stubPayments struct {
	tx       *model.Transaction
	err      error
	refunded int64
	verified *bool
	request  service.InitiateRequest
}

func (s *stubPayments) reply(ref string) (*model.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	tx := *s.tx
	tx.LocalReference = ref
	return &tx, nil
}

func (s *stubPayments) Initiate(_ context.Context, req service.InitiateRequest) (*model.Transaction, error) {
	s.request = req
	return s.reply(req.Reference)
}

func (s *stubPayments) Get(_ context.Context, ref string) (*model.Transaction, error) {
	return s.reply(ref)
}

func (s *stubPayments) Capture(_ context.Context, ref string) (*model.Transaction, error) {
	return s.reply(ref)
}

func (s *stubPayments) Cancel(_ context.Context, ref string) (*model.Transaction, error) {
	return s.reply(ref)
}

func (s *stubPayments) Refund(_ context.Context, ref string, amount int64) (*model.Transaction, error) {
	s.refunded = amount
	return s.reply(ref)
}

func (s *stubPayments) Refresh(_ context.Context, ref string) (*model.Transaction, error) {
	return s.reply(ref)
}

func (s *stubPayments) Verify(_ context.Context, ref string, success bool) (*model.Transaction, error) {
	s.verified = &success
	return s.reply(ref)
}

type stubMerchants struct {
	creds   []model.Credential
	secret  string
	err     error
	removed string
}

func (s *stubMerchants) List() []model.Credential {
	return s.creds
}

func (s *stubMerchants) Register(_ context.Context, cred model.Credential, encodedSecret string) error {
	if s.err != nil {
		return s.err
	}
	s.creds = append(s.creds, cred)
	s.secret = encodedSecret
	return nil
}

func (s *stubMerchants) Remove(_ context.Context, msn string) error {
	if s.err != nil {
		return s.err
	}
	s.removed = msn
	return nil
}

func newServer(webhooks *stubWebhooks, payments *stubPayments) http.Handler {
	return NewServer(webhooks, payments, &stubMerchants{}, 1024, slog.Default()).Routes()
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		status   pipeline.Status
		wantCode int
		wantBody string
	}{
		{pipeline.StatusAccepted, http.StatusOK, `{"status":"OK"}`},
		{pipeline.StatusDuplicate, http.StatusOK, `{"status":"OK"}`},
		{pipeline.StatusRejected, http.StatusForbidden, ""},
		{pipeline.StatusBadRequest, http.StatusBadRequest, ""},
		{pipeline.StatusNotFound, http.StatusNotFound, ""},
		{pipeline.StatusFailed, http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			webhooks := &stubWebhooks{result: pipeline.Result{Status: tt.status, Reason: "InvalidSignature"}}
			rec := serve(newServer(webhooks, &stubPayments{}), http.MethodPost, "/webhooks/123456", `{"reference":"order-1"}`)

			assert.Equal(t, tt.wantCode, rec.Code)
			switch {
			case tt.wantBody != "":
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			case tt.status == pipeline.StatusRejected:
				assert.Empty(t, rec.Body.String())
			}
		})
	}
}

func TestWebhook_PassesDelivery(t *testing.T) {
	webhooks := &stubWebhooks{result: pipeline.Result{Status: pipeline.StatusAccepted}}
	h := newServer(webhooks, &stubPayments{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/123456", strings.NewReader(`{"reference":"order-1"}`))
	req.RemoteAddr = "203.0.113.7:41000"
	req.Header.Set("User-Agent", "network-webhooks/1.0")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123456", webhooks.last.MerchantSerialNumber)
	assert.Equal(t, "203.0.113.7", webhooks.last.ClientIP)
	assert.Equal(t, "network-webhooks/1.0", webhooks.last.UserAgent)
	assert.Equal(t, `{"reference":"order-1"}`, string(webhooks.last.Body))
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	webhooks := &stubWebhooks{result: pipeline.Result{Status: pipeline.StatusAccepted}}
	rec := serve(newServer(webhooks, &stubPayments{}), http.MethodPost, "/webhooks/123456", strings.Repeat("a", 2048))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, webhooks.last.MerchantSerialNumber)
}

func pendingTx() *model.Transaction {
	return &model.Transaction{
		MerchantSerialNumber: "123456",
		AmountMinorUnits:     10000,
		Currency:             "NOK",
		Flow:                 model.FlowCustomerQR,
		LocalState:           model.StatePending,
		RemoteState:          model.RemoteCreated,
		ManualVerification:   model.VerificationNone,
		Version:              1,
	}
}

func TestPayments_Initiate(t *testing.T) {
	payments := &stubPayments{tx: pendingTx()}
	rec := serve(newServer(&stubWebhooks{}, payments), http.MethodPost, "/payments",
		`{"reference":"order-1","merchantSerialNumber":"123456","amount":10000,"currency":"NOK","flow":"customer_qr"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, model.FlowCustomerQR, payments.request.Flow)
	assert.Equal(t, int64(10000), payments.request.AmountMinorUnits)

	var body transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "order-1", body.Reference)
	assert.Equal(t, "PENDING", body.LocalState)
}

func TestPayments_InitiateInvalidBody(t *testing.T) {
	rec := serve(newServer(&stubWebhooks{}, &stubPayments{tx: pendingTx()}), http.MethodPost, "/payments", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayments_Operations(t *testing.T) {
	payments := &stubPayments{tx: pendingTx()}
	h := newServer(&stubWebhooks{}, payments)

	for _, target := range []string{"/payments/order-1", "/payments/order-1/capture", "/payments/order-1/cancel",
		"/payments/order-1/refresh"} {
		method := http.MethodPost
		if target == "/payments/order-1" {
			method = http.MethodGet
		}
		rec := serve(h, method, target, "")
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Contains(t, rec.Body.String(), `"reference":"order-1"`, target)
	}

	rec := serve(h, http.MethodPost, "/payments/order-1/refund", `{"amount":500}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(500), payments.refunded)

	rec = serve(h, http.MethodPost, "/payments/order-1/refund", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), payments.refunded)

	rec = serve(h, http.MethodPost, "/payments/order-1/verify", `{"success":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, payments.verified)
	assert.False(t, *payments.verified)
}

func TestPayments_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", errors.Wrap(model.ErrTransactionNotFound, "order-1"), http.StatusNotFound},
		{"invalid request", errors.Wrap(service.ErrInvalidRequest, "currency"), http.StatusBadRequest},
		{"duplicate", model.ErrDuplicateReference, http.StatusConflict},
		{"invalid state", errors.Wrap(service.ErrInvalidState, "capture"), http.StatusConflict},
		{"verification", errors.Wrap(statemachine.ErrVerificationNotPending, "none"), http.StatusConflict},
		{"network rejected", &network.InvalidRequestError{Status: 400, Detail: "bad"}, http.StatusUnprocessableEntity},
		{"circuit open", network.ErrCircuitOpen, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newServer(&stubWebhooks{}, &stubPayments{err: tt.err}), http.MethodPost, "/payments/order-1/capture", "")
			assert.Equal(t, tt.want, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestLivenessAndMetrics(t *testing.T) {
	h := newServer(&stubWebhooks{}, &stubPayments{})

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/liveness", "").Code)

	rec := serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMerchants(t *testing.T) {
	merchants := &stubMerchants{}
	h := NewServer(&stubWebhooks{}, &stubPayments{}, merchants, 1024, slog.Default()).Routes()

	rec := serve(h, http.MethodPut, "/merchants/123456",
		`{"environment":"test","clientId":"client","clientSecret":"very-secret","subscriptionKey":"sub","webhookSharedSecret":"c2VjcmV0","manualFlowsEnabled":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, merchants.creds, 1)
	assert.Equal(t, "123456", merchants.creds[0].MerchantSerialNumber)
	assert.Equal(t, "c2VjcmV0", merchants.secret)

	rec = serve(h, http.MethodGet, "/merchants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"merchantSerialNumber":"123456"`)
	assert.NotContains(t, rec.Body.String(), "very-secret")

	rec = serve(h, http.MethodDelete, "/merchants/123456", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "123456", merchants.removed)
}

func TestMerchants_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"in use", errors.Wrap(credential.ErrCredentialInUse, "2 open"), http.StatusConflict},
		{"unknown", errors.Wrap(credential.ErrUnknownMerchant, "123456"), http.StatusNotFound},
		{"bad secret", credential.ErrInvalidSecret, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(&stubWebhooks{}, &stubPayments{}, &stubMerchants{err: tt.err}, 1024, slog.Default()).Routes()
			assert.Equal(t, tt.want, serve(h, http.MethodDelete, "/merchants/123456", "").Code)
		})
	}
}

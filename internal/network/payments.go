package network

import (
	"context"
	"net/http"
	"net/url"

	"pushpay-service/internal/model"
)

const paymentsPath = "/epayment/v1/payments"

type Amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type PaymentMethod struct {
	Type string `json:"type"`
}

type Customer struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type CreatePaymentRequest struct {
	Amount             Amount        `json:"amount"`
	PaymentMethod      PaymentMethod `json:"paymentMethod"`
	Customer           *Customer     `json:"customer,omitempty"`
	Reference          string        `json:"reference"`
	UserFlow           string        `json:"userFlow"`
	ReturnURL          string        `json:"returnUrl,omitempty"`
	PaymentDescription string        `json:"paymentDescription,omitempty"`
}

type CreatePaymentResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type Aggregate struct {
	AuthorizedAmount Amount `json:"authorizedAmount"`
	CapturedAmount   Amount `json:"capturedAmount"`
	CancelledAmount  Amount `json:"cancelledAmount"`
	RefundedAmount   Amount `json:"refundedAmount"`
}

type PaymentStatus struct {
	Reference    string    `json:"reference"`
	State        string    `json:"state"`
	Amount       Amount    `json:"amount"`
	Aggregate    Aggregate `json:"aggregate"`
	PspReference string    `json:"pspReference,omitempty"`
}

// RemoteState folds the aggregate amounts into the status vocabulary used by
// webhooks: an authorized payment with a capture is CAPTURED.
func (s PaymentStatus) RemoteState() model.RemoteState {
	if model.RemoteState(s.State) == model.RemoteAuthorized && s.Aggregate.CapturedAmount.Value > 0 {
		return model.RemoteCaptured
	}
	return model.RemoteState(s.State)
}

type ModificationRequest struct {
	ModificationAmount Amount `json:"modificationAmount"`
}

// UserFlow maps a local flow onto the network's user flow names.
func UserFlow(flow model.Flow) string {
	switch flow {
	case model.FlowCustomerQR, model.FlowManualShopQR:
		return "QR"
	case model.FlowCustomerPhone:
		return "PUSH_MESSAGE"
	case model.FlowEcommerce:
		return "WEB_REDIRECT"
	}
	return "NATIVE_REDIRECT"
}

func paymentPath(reference string, action string) string {
	p := paymentsPath + "/" + url.PathEscape(reference)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) CreatePayment(ctx context.Context, cred model.Credential, req CreatePaymentRequest, idempotencyKey string) (*CreatePaymentResponse, error) {
	var out CreatePaymentResponse
	err := c.Do(ctx, cred, Request{
		Method:         http.MethodPost,
		Path:           paymentsPath,
		Payload:        req,
		IdempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return &out, nil
}

func (c *Client) GetPayment(ctx context.Context, cred model.Credential, reference string) (*PaymentStatus, error) {
	var out PaymentStatus
	err := c.Do(ctx, cred, Request{Method: http.MethodGet, Path: paymentPath(reference, "")}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CapturePayment(ctx context.Context, cred model.Credential, reference string, amount Amount, idempotencyKey string) (*PaymentStatus, error) {
	return c.modify(ctx, cred, reference, "capture", &ModificationRequest{ModificationAmount: amount}, idempotencyKey)
}

func (c *Client) CancelPayment(ctx context.Context, cred model.Credential, reference string, idempotencyKey string) (*PaymentStatus, error) {
	return c.modify(ctx, cred, reference, "cancel", nil, idempotencyKey)
}

func (c *Client) RefundPayment(ctx context.Context, cred model.Credential, reference string, amount Amount, idempotencyKey string) (*PaymentStatus, error) {
	return c.modify(ctx, cred, reference, "refund", &ModificationRequest{ModificationAmount: amount}, idempotencyKey)
}

func (c *Client) modify(ctx context.Context, cred model.Credential, reference, action string, payload *ModificationRequest, idempotencyKey string) (*PaymentStatus, error) {
	if idempotencyKey == "" {
		idempotencyKey = NewIdempotencyKey()
	}
	req := Request{
		Method:         http.MethodPost,
		Path:           paymentPath(reference, action),
		IdempotencyKey: idempotencyKey,
	}
	if payload != nil {
		req.Payload = payload
	}

	var out PaymentStatus
	if err := c.Do(ctx, cred, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"pushpay-service/internal/credential"
	"pushpay-service/internal/manual"
	"pushpay-service/internal/model"
	"pushpay-service/internal/network"
	"pushpay-service/internal/service"
	"pushpay-service/internal/statemachine"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type initiateRequest struct {
	Reference            string `json:"reference"`
	MerchantSerialNumber string `json:"merchantSerialNumber"`
	Amount               int64  `json:"amount"`
	Currency             string `json:"currency"`
	Flow                 string `json:"flow"`
	PhoneNumber          string `json:"phoneNumber,omitempty"`
	ReturnURL            string `json:"returnUrl,omitempty"`
	Description          string `json:"description,omitempty"`
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

type verifyRequest struct {
	Success bool `json:"success"`
}

type transactionResponse struct {
	Reference            string     `json:"reference"`
	NetworkReference     string     `json:"networkReference,omitempty"`
	MerchantSerialNumber string     `json:"merchantSerialNumber"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	Flow                 string     `json:"flow"`
	LocalState           string     `json:"localState"`
	RemoteState          string     `json:"remoteState,omitempty"`
	ManualVerification   string     `json:"manualVerification"`
	CancelReason         string     `json:"cancelReason,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	LastStatusCheckedAt  *time.Time `json:"lastStatusCheckedAt,omitempty"`
	Version              int64      `json:"version"`
}

func toResponse(tx *model.Transaction) transactionResponse {
	return transactionResponse{
		Reference:            tx.LocalReference,
		NetworkReference:     tx.NetworkReference,
		MerchantSerialNumber: tx.MerchantSerialNumber,
		Amount:               tx.AmountMinorUnits,
		Currency:             tx.Currency,
		Flow:                 string(tx.Flow),
		LocalState:           string(tx.LocalState),
		RemoteState:          string(tx.RemoteState),
		ManualVerification:   string(tx.ManualVerification),
		CancelReason:         string(tx.CancelReason),
		CreatedAt:            tx.CreatedAt,
		UpdatedAt:            tx.UpdatedAt,
		LastStatusCheckedAt:  tx.LastStatusCheckedAt,
		Version:              tx.Version,
	}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}

	tx, err := s.payments.Initiate(r.Context(), service.InitiateRequest{
		Reference:            req.Reference,
		MerchantSerialNumber: req.MerchantSerialNumber,
		AmountMinorUnits:     req.Amount,
		Currency:             req.Currency,
		Flow:                 model.Flow(req.Flow),
		PhoneNumber:          req.PhoneNumber,
		ReturnURL:            req.ReturnURL,
		Description:          req.Description,
	})
	s.respond(w, r, http.StatusCreated, tx, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tx, err := s.payments.Get(r.Context(), chi.URLParam(r, "reference"))
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	tx, err := s.payments.Capture(r.Context(), chi.URLParam(r, "reference"))
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := s.payments.Cancel(r.Context(), chi.URLParam(r, "reference"))
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	tx, err := s.payments.Refund(r.Context(), chi.URLParam(r, "reference"), req.Amount)
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tx, err := s.payments.Refresh(r.Context(), chi.URLParam(r, "reference"))
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	tx, err := s.payments.Verify(r.Context(), chi.URLParam(r, "reference"), req.Success)
	s.respond(w, r, http.StatusOK, tx, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, tx *model.Transaction, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, toResponse(tx))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Error handling request", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	var invalid *network.InvalidRequestError
	switch {
	case errors.Is(err, model.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, credential.ErrUnknownMerchant):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, credential.ErrInvalidSecret),
		errors.Is(err, credential.ErrInvalidCredential):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateReference),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, statemachine.ErrVerificationNotPending),
		errors.Is(err, manual.ErrNotManualFlow),
		errors.Is(err, manual.ErrManualFlowsDisabled):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, network.ErrAuthenticationFailed), network.Retryable(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

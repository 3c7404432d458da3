package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"pushpay-service/internal/model"
)

type registerMerchantRequest struct {
	Environment         string `json:"environment"`
	ClientID            string `json:"clientId"`
	ClientSecret        string `json:"clientSecret"`
	SubscriptionKey     string `json:"subscriptionKey"`
	WebhookSharedSecret string `json:"webhookSharedSecret"`
	WebhookID           string `json:"webhookId,omitempty"`
	ManualFlowsEnabled  bool   `json:"manualFlowsEnabled"`
	PollingEnabled      bool   `json:"pollingEnabled"`
}

// merchantResponse never carries secrets.
type merchantResponse struct {
	MerchantSerialNumber string `json:"merchantSerialNumber"`
	Environment          string `json:"environment"`
	ClientID             string `json:"clientId"`
	WebhookID            string `json:"webhookId,omitempty"`
	ManualFlowsEnabled   bool   `json:"manualFlowsEnabled"`
	PollingEnabled       bool   `json:"pollingEnabled"`
}

func toMerchantResponse(c model.Credential) merchantResponse {
	return merchantResponse{
		MerchantSerialNumber: c.MerchantSerialNumber,
		Environment:          string(c.Environment),
		ClientID:             c.ClientID,
		WebhookID:            c.WebhookID,
		ManualFlowsEnabled:   c.ManualFlowsEnabled,
		PollingEnabled:       c.PollingEnabled,
	}
}

func (s *Server) handleListMerchants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(s.merchants.List(), func(c model.Credential, _ int) merchantResponse {
		return toMerchantResponse(c)
	}))
}

func (s *Server) handleRegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var req registerMerchantRequest
	if !s.decode(w, r, &req) {
		return
	}

	cred := model.Credential{
		Environment:          model.Environment(req.Environment),
		MerchantSerialNumber: chi.URLParam(r, "merchantSerialNumber"),
		ClientID:             req.ClientID,
		ClientSecret:         req.ClientSecret,
		SubscriptionKey:      req.SubscriptionKey,
		WebhookID:            req.WebhookID,
		ManualFlowsEnabled:   req.ManualFlowsEnabled,
		PollingEnabled:       req.PollingEnabled,
	}
	if err := s.merchants.Register(r.Context(), cred, req.WebhookSharedSecret); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMerchant(w http.ResponseWriter, r *http.Request) {
	if err := s.merchants.Remove(r.Context(), chi.URLParam(r, "merchantSerialNumber")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

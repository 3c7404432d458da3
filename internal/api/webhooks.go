package api

import (
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pushpay-service/internal/pipeline"
)

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	msn := chi.URLParam(r, "merchantSerialNumber")
	ip := clientIP(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.logger.WarnContext(r.Context(), "Error reading webhook body", "merchant", msn, "clientIp", ip, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result := s.webhooks.Handle(r.Context(), pipeline.Inbound{
		MerchantSerialNumber: msn,
		ClientIP:             ip,
		UserAgent:            r.UserAgent(),
		Header:               r.Header,
		Host:                 r.Host,
		Body:                 body,
	})

	switch result.Status {
	case pipeline.StatusAccepted, pipeline.StatusDuplicate:
		writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
	case pipeline.StatusRejected:
		// the reason is logged by the pipeline and never disclosed to the sender
		w.WriteHeader(http.StatusForbidden)
	case pipeline.StatusBadRequest:
		writeError(w, http.StatusBadRequest, result.Reason)
	case pipeline.StatusNotFound:
		writeError(w, http.StatusNotFound, "unknown transaction")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// clientIP is the peer address of the connection. Forwarding headers are not
// trusted since they are sender-controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

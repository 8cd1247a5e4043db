package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/partyline/internal/db"
	"github.com/lalithlochan/partyline/internal/inbound"
	"github.com/lalithlochan/partyline/internal/provider"
)

// verifySignature rejects webhook requests whose provider signature does not
// match the form body.
func (h *Handler) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body", err.Error())
			return
		}
		if h.signatures == nil {
			next.ServeHTTP(w, r)
			return
		}

		fullURL := h.signatures.publicURL + r.URL.RequestURI()
		if !provider.ValidateSignature(h.signatures.authToken, fullURL, r.PostForm, r.Header.Get(provider.SignatureHeader)) {
			h.logger.Warn("webhook signature mismatch",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			h.writeError(w, http.StatusForbidden, "invalid_signature", "Invalid webhook signature", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatusWebhook handles POST /v1/webhooks/status
func (h *Handler) StatusWebhook(w http.ResponseWriter, r *http.Request) {
	cb := inbound.StatusCallback{
		ProviderID: r.PostFormValue("MessageSid"),
		Status:     r.PostFormValue("MessageStatus"),
		ErrorCode:  r.PostFormValue("ErrorCode"),
	}

	rec, err := h.inbound.HandleStatus(r.Context(), cb)
	switch {
	case errors.Is(err, inbound.ErrInvalidCallback):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status callback", err.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		h.logger.Warn("status for unknown message", zap.String("provider_id", cb.ProviderID))
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown message", "")
		return
	case err != nil:
		h.logger.Error("failed to apply status callback",
			zap.Error(err),
			zap.String("provider_id", cb.ProviderID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to store status", "")
		return
	}

	h.write(w, response{status: http.StatusOK, body: map[string]string{
		"provider_id": cb.ProviderID,
		"status":      *rec.Status,
	}})
}

// InboundWebhook handles POST /v1/webhooks/inbound
func (h *Handler) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	reply := inbound.Reply{
		From: r.PostFormValue("From"),
		Body: r.PostFormValue("Body"),
	}

	cmd, err := h.inbound.HandleReply(r.Context(), reply)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown sender", "")
		return
	case err != nil && cmd == "":
		h.logger.Error("failed to handle inbound message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to handle message", "")
		return
	case err != nil:
		// the command took effect, only the confirmation failed
		h.logger.Warn("inbound message handled without reply",
			zap.String("command", string(cmd)),
			zap.Error(err),
		)
	}

	h.write(w, response{status: http.StatusOK, body: map[string]string{"command": string(cmd)}})
}

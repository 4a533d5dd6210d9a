package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/gateway"
	"github.com/resonancehq/control-plane/pkg/models"
)

const maxWebhookBody = 1 << 20

// Webhook receives one inbound chat event from the gateway.
// POST /webhooks/{platform}
//
// The reply goes back through the outbound gateway; the response body only
// reports the routing outcome.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		middleware.RespondProblem(w, r, http.StatusBadRequest, "invalid_body", "Unreadable request body")
		return
	}
	if !gateway.Verify(h.GatewaySecret, body, r.Header.Get(gateway.SignatureHeader)) {
		middleware.RespondProblem(w, r, http.StatusUnauthorized, "invalid_signature", "Webhook signature mismatch")
		return
	}

	var msg models.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		middleware.RespondProblem(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	msg.Platform = chi.URLParam(r, "platform")
	if !h.check(w, r, &msg) {
		return
	}

	out, err := h.Intents.Handle(r.Context(), &msg)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/services"
)

// WebhookHandler is the HTTP entry for provider webhooks. It verifies
// the signature inline (bad signatures get a 400) and defers the actual
// processing to the webhook queue, so the provider always gets a 200
// for our own internal failures instead of retry-storming us.
type WebhookHandler struct {
	verifier services.WebhookVerifier
	enq      services.JobEnqueuer
}

func NewWebhookHandler(verifier services.WebhookVerifier, enq services.JobEnqueuer) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, enq: enq}
}

// webhookEnvelope is the minimal shape needed to route an event
type webhookEnvelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// Receive handles POST /webhooks/{provider}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	signature := r.Header.Get("X-Signature")

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	verification, err := h.verifier.VerifyWebhook(payload, signature)
	if err != nil || !verification.IsValid {
		log.Printf("[WEBHOOK] rejected %s webhook: invalid signature", providerName)
		services.SendErrorResponse(w, "INVALID_SIGNATURE", http.StatusBadRequest, nil)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.EventID == "" {
		services.SendErrorResponse(w, "Missing event_id", http.StatusBadRequest, nil)
		return
	}

	_, err = h.enq.Enqueue(r.Context(), jobs.QueueWebhookProcessing, jobs.WebhookProcessingPayload{
		Provider:  providerName,
		EventID:   envelope.EventID,
		EventType: envelope.EventType,
		Payload:   payload,
		Signature: signature,
	}, nil)
	if err != nil {
		// Still 200: the provider must not retry for our internal faults
		log.Printf("[WEBHOOK] failed to enqueue %s/%s: %v", providerName, envelope.EventID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/edvin/controlplane/internal/api/response"
	"github.com/edvin/controlplane/internal/core"
	"github.com/edvin/controlplane/internal/model"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// BillingWebhook receives billing provider events. It sits outside the API
// key auth chain; authenticity comes from an HMAC-SHA256 signature over the
// raw body instead.
type BillingWebhook struct {
	svc    *core.BillingGateService
	secret []byte
}

func NewBillingWebhook(svc *core.BillingGateService, secret string) *BillingWebhook {
	return &BillingWebhook{svc: svc, secret: []byte(secret)}
}

// Handle validates the signature, parses the event, and runs it through the
// billing gate. A 5xx tells the provider to redeliver; 2xx acknowledges,
// including duplicates.
func (h *BillingWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.validSignature(body, r.Header.Get("X-Billing-Signature")) {
		response.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev model.BillingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		response.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if ev.EventID == "" || ev.EventType == "" || ev.SubscriptionID == "" {
		response.WriteError(w, http.StatusBadRequest, "event_id, event_type, and subscription_id are required")
		return
	}

	if err := h.svc.HandleEvent(r.Context(), ev); err != nil {
		if strings.Contains(err.Error(), "unknown billing event type") {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Processing failed after the claim was released: ask for redelivery.
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *BillingWebhook) validSignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

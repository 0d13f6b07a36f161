package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/app"
	"github.com/pixgate/transaction-service/internal/domain"
)

type registerWebhookRequest struct {
	TransactionID string            `json:"transaction_id" validate:"omitempty,uuid"`
	PaymentLinkID string            `json:"payment_link_id" validate:"omitempty,max=128"`
	URL           string            `json:"url" validate:"required,url"`
	Events        []string          `json:"events" validate:"omitempty,dive,required"`
	Secret        string            `json:"secret,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// RegisterWebhookHandler attaches a webhook to one of the caller's transactions or to a
// payment link. The generated secret is only ever returned here.
func (h *TransactionHandlers) RegisterWebhookHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req registerWebhookRequest
	if !h.bindJSON(w, r, &req) {
		return
	}

	var target app.WebhookTarget
	if req.TransactionID != "" {
		txID := uuid.MustParse(req.TransactionID)
		if _, err := h.service.GetTransaction(r.Context(), userID, txID); err != nil {
			writeServiceError(w, err)
			return
		}
		target.TransactionID = &txID
	}
	if link := strings.TrimSpace(req.PaymentLinkID); link != "" {
		target.PaymentLinkID = &link
	}

	registered, err := h.webhooks.Register(r.Context(), userID, target, domain.WebhookConfig{
		URL:     req.URL,
		Events:  req.Events,
		Secret:  req.Secret,
		Headers: req.Headers,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (h *TransactionHandlers) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	regs, err := h.webhooks.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if regs == nil {
		regs = []domain.WebhookRegistration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": regs})
}

func (h *TransactionHandlers) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var upd domain.WebhookUpdate
	if !h.bindJSON(w, r, &upd) {
		return
	}
	reg, err := h.webhooks.Update(r.Context(), userID, id, upd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (h *TransactionHandlers) DeactivateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.webhooks.Deactivate(r.Context(), userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListWebhookAttemptsHandler returns the delivery history of one registration.
func (h *TransactionHandlers) ListWebhookAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	attempts, err := h.webhooks.Attempts(r.Context(), userID, id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.WebhookDeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// DepositWebhookHandler receives processor deposit callbacks. The processor retries on
// any non-2xx response, so unknown qrIds answer 404 and re-deliveries answer 200.
func (h *TransactionHandlers) DepositWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, domain.DepositWebhookResult{Message: "unreadable body"})
		return
	}
	if err := h.service.VerifyInboundSignature(body, r.Header.Get(app.InboundSignatureHeader)); err != nil {
		log.Printf("level=warn component=api endpoint=deposit_webhook outcome=reject reason=bad_signature remote=%s", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, domain.DepositWebhookResult{Message: "invalid signature"})
		return
	}

	var event domain.DepositStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.DepositWebhookResult{Message: "invalid JSON payload"})
		return
	}

	result, err := h.service.ProcessDepositWebhook(r.Context(), event)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, domain.ErrNotFound):
		log.Printf("level=warn component=api endpoint=deposit_webhook outcome=not_found qr_id=%s", event.QrID)
		writeJSON(w, http.StatusNotFound, domain.DepositWebhookResult{Message: "transaction not found"})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, domain.DepositWebhookResult{Message: err.Error()})
	default:
		log.Printf("level=error component=api endpoint=deposit_webhook outcome=failed qr_id=%s err=%v", event.QrID, err)
		writeJSON(w, http.StatusInternalServerError, domain.DepositWebhookResult{Message: "internal error"})
	}
}

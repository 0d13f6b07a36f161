package api

import (
	"log"
	"net/http"

	"github.com/pixgate/transaction-service/internal/domain"
)

func (h *TransactionHandlers) RunExpirySweepHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.RunManual(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=expiry_sweep outcome=done expired=%d", n)
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (h *TransactionHandlers) ExpiryStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sweeper.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *TransactionHandlers) GetUserLimitsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	profile, err := h.limits.GetProfile(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UpdateUserLimitsHandler applies an administrative limit change to one user.
func (h *TransactionHandlers) UpdateUserLimitsHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var patch domain.LimitProfilePatch
	if !h.bindJSON(w, r, &patch) {
		return
	}
	profile, err := h.limits.UpdateProfile(r.Context(), userID, patch, adminID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=update_limits outcome=updated user_id=%s admin_id=%s", userID, adminID)
	writeJSON(w, http.StatusOK, profile)
}

func (h *TransactionHandlers) ProcessorBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.ProcessorBalance(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *TransactionHandlers) RetryWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.webhooks.RetryDue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *TransactionHandlers) MigrateWebhookSecretsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.webhooks.MigrateLegacySecrets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"migrated": n})
}

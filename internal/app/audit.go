package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/store"
)

// Audit actions.
const (
	AuditTransactionCreate = "TRANSACTION_CREATE"
	AuditTransactionCancel = "TRANSACTION_CANCEL"
	AuditDepositWebhook    = "DEPOSIT_WEBHOOK"
	AuditWebhookRegister   = "WEBHOOK_REGISTER"
	AuditManualSweep       = "EXPIRY_SWEEP_MANUAL"
)

// Auditor appends entries to the audit trail. A failed write is logged and never
// fails the operation being audited.
type Auditor struct {
	repo   store.AuditRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditor(repo store.AuditRepository, logger *slog.Logger) *Auditor {
	return &Auditor{repo: repo, logger: logger, now: systemClock}
}

func (a *Auditor) Record(ctx context.Context, userID *uuid.UUID, action, entityID string, success bool, details map[string]any) {
	if a == nil || a.repo == nil {
		return
	}
	entry := &domain.AuditEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Success:   success,
		Details:   details,
		CreatedAt: a.now(),
	}
	if entityID != "" {
		entry.EntityID = &entityID
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	if err := a.repo.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Error("failed to write audit entry", "action", action, "entity_id", entityID, "error", err)
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

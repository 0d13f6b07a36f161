package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/pkg/webhookclient"
)

// InboundSignatureHeader carries the processor's HMAC of the callback body.
const InboundSignatureHeader = "X-Webhook-Signature"

// VerifyInboundSignature checks a processor callback when a shared secret is configured.
func (s *Service) VerifyInboundSignature(body []byte, header string) error {
	if s.policy.InboundWebhookSecret == "" {
		return nil
	}
	if !webhookclient.Verify(s.policy.InboundWebhookSecret, body, header) {
		return fmt.Errorf("invalid webhook signature: %w", domain.ErrUnauthorized)
	}
	return nil
}

// ProcessDepositWebhook applies a processor deposit callback. Unknown qrIds fail with
// ErrTransactionNotFound and nothing is created. Re-deliveries and regressions are
// acknowledged without touching the transaction but are still audited.
func (s *Service) ProcessDepositWebhook(ctx context.Context, event domain.DepositStatusEvent) (result *domain.DepositWebhookResult, err error) {
	event.QrID = strings.TrimSpace(event.QrID)
	defer func() {
		details := map[string]any{
			"qr_id":          event.QrID,
			"vendor_status":  event.Status,
			"value_in_cents": event.ValueInCents,
		}
		entityID := ""
		if result != nil {
			entityID = result.TransactionID
			details["previous_status"] = result.PreviousStatus
			details["new_status"] = result.NewStatus
			details["message"] = result.Message
		}
		if err != nil {
			details["error"] = err.Error()
		}
		s.audit.Record(ctx, nil, AuditDepositWebhook, entityID, err == nil, details)
	}()

	var fields []domain.FieldError
	if event.QrID == "" {
		fields = append(fields, domain.FieldError{Field: "qrId", Message: "is required"})
	}
	if strings.TrimSpace(event.Status) == "" {
		fields = append(fields, domain.FieldError{Field: "status", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	tx, err := s.repo.FindTransactionByExternalID(ctx, event.QrID)
	if err != nil {
		return nil, err
	}
	if event.ValueInCents > 0 && event.ValueInCents != tx.Amount {
		s.logger.Warn("deposit callback amount differs from transaction", "transaction_id", tx.ID, "expected", tx.Amount, "received", event.ValueInCents)
	}

	result = &domain.DepositWebhookResult{
		Success:        true,
		TransactionID:  tx.ID.String(),
		PreviousStatus: tx.Status,
		NewStatus:      tx.Status,
	}

	mapped, known := domain.MapVendorStatus(event.Status)
	if !known {
		s.logger.Warn("unrecognized vendor status in deposit callback", "transaction_id", tx.ID, "vendor_status", event.Status)
		result.Message = fmt.Sprintf("unrecognized status %q ignored", event.Status)
		return result, nil
	}
	target, errorMessage := processorOutcome(tx.Status, mapped, event.Status)
	switch {
	case target == tx.Status:
		result.Message = "status unchanged"
		return result, nil
	case !domain.CanTransition(tx.Status, target):
		result.Message = fmt.Sprintf("transition from %s to %s ignored", tx.Status, target)
		return result, nil
	}

	updated, applied, err := s.transition(ctx, tx, transitionRequest{
		target:       target,
		errorMessage: errorMessage,
		patch:        event.MetadataPatch(),
		source:       SourceWebhook,
	})
	if err != nil {
		return nil, err
	}
	result.NewStatus = updated.Status
	if applied {
		result.Message = "transaction updated"
	} else {
		result.Message = "transaction already updated by another writer"
	}
	return result, nil
}

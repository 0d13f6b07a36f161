/**
 * @description
 * This file defines the core domain models for the transaction-service.
 * A Transaction is the financial record of one PIX operation (deposit, withdraw
 * or transfer) and carries the lifecycle status reconciled against the external
 * payment processor.
 *
 * @notes
 * - Amounts are stored as `int64` in centavos (minor units) to avoid floating-point
 *   inaccuracies with financial data.
 * - Status transitions are monotonic; see CanTransition.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType identifies the kind of money movement.
type TransactionType string

const (
	TransactionTypeDeposit  TransactionType = "DEPOSIT"
	TransactionTypeWithdraw TransactionType = "WITHDRAW"
	TransactionTypeTransfer TransactionType = "TRANSFER"
)

// AllTransactionTypes lists every supported type in a stable order.
var AllTransactionTypes = []TransactionType{
	TransactionTypeDeposit,
	TransactionTypeWithdraw,
	TransactionTypeTransfer,
}

// Valid reports whether t is one of the supported transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdraw, TransactionTypeTransfer:
		return true
	}
	return false
}

// ParseTransactionType normalizes user input such as "deposit" into a TransactionType.
func ParseTransactionType(raw string) (TransactionType, bool) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusExpired    TransactionStatus = "EXPIRED"
	StatusCancelled  TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions is the state machine. Only PENDING transactions expire.
var allowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is a forward edge.
// Self-transitions are never a transition.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction represents the central ledger record for a PIX operation.
// This struct maps directly to the `transactions` table in the database.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	ExternalID     *string           `json:"external_id,omitempty"`
	UserID         uuid.UUID         `json:"user_id"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Amount         int64             `json:"amount"` // in centavos
	DestinationKey string            `json:"destination_key"`
	Description    string            `json:"description"`
	Metadata       map[string]any    `json:"metadata"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// Clone returns a deep-enough copy for callers that must not share the metadata map.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Metadata = MergeMetadata(nil, t.Metadata)
	if t.ExternalID != nil {
		v := *t.ExternalID
		cp.ExternalID = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		cp.ErrorMessage = &v
	}
	if t.ProcessedAt != nil {
		v := *t.ProcessedAt
		cp.ProcessedAt = &v
	}
	return &cp
}

// PaymentLinkID returns the payment link the transaction was created from, if any.
func (t *Transaction) PaymentLinkID() string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[MetadataPaymentLinkID].(string)
	return v
}

// Metadata keys written by the service.
const (
	MetadataPaymentLinkID   = "payment_link_id"
	MetadataSource          = "source"
	MetadataProcessor       = "processor"
	MetadataProcessorError  = "processor_error"
	MetadataPayer           = "payer"
	MetadataBankTxID        = "bank_tx_id"
	MetadataBlockchainTxID  = "blockchain_tx_id"
	MetadataCustomerMessage = "customer_message"
	MetadataQRCopyPaste     = "qr_copy_paste"
	MetadataQRImageURL      = "qr_image_url"
)

// MergeMetadata returns base with patch keys added. Keys already present in base win,
// which keeps metadata additive.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range patch {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

// TransitionParams describes a guarded status update.
type TransitionParams struct {
	From          TransactionStatus
	To            TransactionStatus
	ExternalID    *string
	ErrorMessage  *string
	ProcessedAt   *time.Time
	MetadataPatch map[string]any
}

// CreateTransactionInput is the validated input to transaction creation.
type CreateTransactionInput struct {
	Type           TransactionType
	Amount         int64
	DestinationKey string
	Description    string
	Metadata       map[string]any
	Webhook        *WebhookConfig
}

// ReconciliationResult is returned by polling reconciliation.
type ReconciliationResult struct {
	Transaction    *Transaction      `json:"transaction"`
	PreviousStatus TransactionStatus `json:"previous_status"`
	CurrentStatus  TransactionStatus `json:"current_status"`
	Changed        bool              `json:"changed"`
	VendorStatus   string            `json:"vendor_status,omitempty"`
	Warning        string            `json:"warning,omitempty"`
}

// ExpiryStats summarizes pending/expired counts for observability.
type ExpiryStats struct {
	Pending         int64     `json:"pending"`
	Expired         int64     `json:"expired"`
	RecentlyPending int64     `json:"recently_pending"`
	Cutoff          time.Time `json:"cutoff"`
}

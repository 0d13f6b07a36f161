/**
 * @description
 * This file defines the repository interfaces, which specify the contract for all
 * data access operations required by the transaction-service. By defining interfaces,
 * we decouple the lifecycle engine from the specific database implementation
 * (PostgreSQL in production, an in-memory store for tests and local runs).
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
)

var (
	ErrTransactionNotFound  = domain.ErrTransactionNotFound
	ErrWebhookNotFound      = domain.ErrWebhookNotFound
	ErrLimitProfileNotFound = errors.New("limit profile not found")
)

// TransactionRepository persists transactions. Status changes go exclusively through
// UpdateStatusIfCurrent or ExpirePendingCreatedBy, both guarded on the stored status.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	// CreateTransactionWithinLimits serializes creations per user and type: it computes
	// usage over window, calls check with it and inserts tx only when check returns nil.
	// The error from check is returned as is.
	CreateTransactionWithinLimits(ctx context.Context, tx *domain.Transaction, window domain.UsageWindow, check func(domain.LimitUsage) error) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)

	// UpdateStatusIfCurrent applies params only while the stored status equals params.From.
	// It returns the updated row and true when the write won, or nil and false otherwise.
	UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, params domain.TransitionParams) (*domain.Transaction, bool, error)
	// AttachExternalID sets the processor id when none is stored yet and merges patch into metadata.
	AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, patch map[string]any) (bool, error)
	MergeTransactionMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error

	// ExpirePendingCreatedBy moves every PENDING transaction created at or before cutoff to
	// EXPIRED in a single conditional statement and returns the rows it changed.
	ExpirePendingCreatedBy(ctx context.Context, cutoff, now time.Time, message string) ([]domain.Transaction, error)
	GetExpiryStats(ctx context.Context, cutoff time.Time) (domain.ExpiryStats, error)

	// SumUsage totals COMPLETED and PROCESSING amounts as used and open PENDING amounts
	// as reserved, since window.DayStart and since window.MonthStart.
	SumUsage(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) (domain.LimitUsage, error)
}

// LimitRepository persists per-user limit profiles.
type LimitRepository interface {
	GetLimitProfile(ctx context.Context, userID uuid.UUID) (*domain.UserLimitProfile, error)
	// CreateLimitProfileIfAbsent inserts profile unless one exists and returns the stored row.
	CreateLimitProfileIfAbsent(ctx context.Context, profile *domain.UserLimitProfile) (*domain.UserLimitProfile, error)
	UpdateLimitProfile(ctx context.Context, profile *domain.UserLimitProfile) error
	// CompleteFirstDay clears is_first_day and raises daily limits to at least the given
	// values. It reports false when the flag was already cleared.
	CompleteFirstDay(ctx context.Context, userID uuid.UUID, depositDaily, withdrawDaily, transferDaily int64) (bool, error)
}

// WebhookRepository persists webhook registrations and the delivery log.
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error
	FindWebhookByID(ctx context.Context, id uuid.UUID) (*domain.WebhookRegistration, error)
	ListWebhooksByUserID(ctx context.Context, userID uuid.UUID) ([]domain.WebhookRegistration, error)
	ListActiveWebhooksForTransaction(ctx context.Context, transactionID uuid.UUID, paymentLinkID string) ([]domain.WebhookRegistration, error)
	UpdateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error
	// RecordDeliveryResult updates last-triggered and the consecutive failure counter, and
	// deactivates the registration once failures reach disableAfter.
	RecordDeliveryResult(ctx context.Context, id uuid.UUID, success bool, at time.Time, disableAfter int) (deactivated bool, err error)
	ListLegacySecretWebhooks(ctx context.Context) ([]domain.WebhookRegistration, error)
	UpdateWebhookSecret(ctx context.Context, id uuid.UUID, encryptedSecret, hint string) error

	CreateDeliveryAttempt(ctx context.Context, attempt *domain.WebhookDeliveryAttempt) error
	ListDueDeliveryAttempts(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDeliveryAttempt, error)
	// ClaimDeliveryRetry marks an attempt as retried; only one caller wins.
	ClaimDeliveryRetry(ctx context.Context, attemptID uuid.UUID, at time.Time) (bool, error)
	ListDeliveryAttempts(ctx context.Context, registrationID uuid.UUID, limit int) ([]domain.WebhookDeliveryAttempt, error)
}

// AuditRepository is the append-only audit trail.
type AuditRepository interface {
	CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
}

// Repository defines the full set of methods for interacting with the database.
type Repository interface {
	TransactionRepository
	LimitRepository
	WebhookRepository
	AuditRepository
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
)

// MemoryRepository is an in-process Repository. Every method holds a single mutex, so
// conditional updates have the same all-or-nothing semantics as the SQL statements.
// It backs STORAGE_DRIVER=memory and the package tests.
type MemoryRepository struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*domain.Transaction
	byExternalID map[string]uuid.UUID
	limits       map[uuid.UUID]*domain.UserLimitProfile
	webhooks     map[uuid.UUID]*domain.WebhookRegistration
	attempts     []*domain.WebhookDeliveryAttempt
	audit        []domain.AuditEntry
	now          func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byExternalID: make(map[string]uuid.UUID),
		limits:       make(map[uuid.UUID]*domain.UserLimitProfile),
		webhooks:     make(map[uuid.UUID]*domain.WebhookRegistration),
		now:          time.Now,
	}
}

// SetClock overrides the time source used for updated_at stamps.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

// CreateTransactionWithinLimits runs check under the repository mutex, so it must not
// call back into m.
func (m *MemoryRepository) CreateTransactionWithinLimits(ctx context.Context, tx *domain.Transaction, window domain.UsageWindow, check func(domain.LimitUsage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := check(m.sumUsageLocked(tx.UserID, tx.Type, window)); err != nil {
		return err
	}
	return m.insertLocked(tx)
}

func (m *MemoryRepository) insertLocked(tx *domain.Transaction) error {
	if _, exists := m.transactions[tx.ID]; exists {
		return errDuplicate("transaction", tx.ID.String())
	}
	if tx.ExternalID != nil {
		if _, exists := m.byExternalID[*tx.ExternalID]; exists {
			return errDuplicate("external_id", *tx.ExternalID)
		}
	}
	stored := tx.Clone()
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}
	stored.UpdatedAt = stored.CreatedAt
	m.transactions[tx.ID] = stored
	if tx.ExternalID != nil {
		m.byExternalID[*tx.ExternalID] = tx.ID
	}
	tx.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExternalID[externalID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.transactions[id].Clone(), nil
}

func (m *MemoryRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			all = append(all, *tx.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func (m *MemoryRepository) UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, params domain.TransitionParams) (*domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Status != params.From {
		return nil, false, nil
	}
	if params.ExternalID != nil && tx.ExternalID == nil {
		if _, taken := m.byExternalID[*params.ExternalID]; taken {
			return nil, false, errDuplicate("external_id", *params.ExternalID)
		}
		v := *params.ExternalID
		tx.ExternalID = &v
		m.byExternalID[v] = id
	}
	tx.Status = params.To
	if params.ErrorMessage != nil {
		v := *params.ErrorMessage
		tx.ErrorMessage = &v
	}
	if params.ProcessedAt != nil && tx.ProcessedAt == nil {
		v := *params.ProcessedAt
		tx.ProcessedAt = &v
	}
	tx.Metadata = domain.MergeMetadata(tx.Metadata, params.MetadataPatch)
	tx.UpdatedAt = m.now()
	return tx.Clone(), true, nil
}

func (m *MemoryRepository) AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, patch map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok || tx.ExternalID != nil {
		return false, nil
	}
	if _, taken := m.byExternalID[externalID]; taken {
		return false, errDuplicate("external_id", externalID)
	}
	v := externalID
	tx.ExternalID = &v
	m.byExternalID[v] = id
	tx.Metadata = domain.MergeMetadata(tx.Metadata, patch)
	tx.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) MergeTransactionMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Metadata = domain.MergeMetadata(tx.Metadata, patch)
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) ExpirePendingCreatedBy(ctx context.Context, cutoff, now time.Time, message string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []domain.Transaction
	for _, tx := range m.transactions {
		if tx.Status != domain.StatusPending || tx.CreatedAt.After(cutoff) {
			continue
		}
		msg := message
		at := now
		tx.Status = domain.StatusExpired
		tx.ErrorMessage = &msg
		tx.ProcessedAt = &at
		tx.UpdatedAt = now
		expired = append(expired, *tx.Clone())
	}
	return expired, nil
}

func (m *MemoryRepository) GetExpiryStats(ctx context.Context, cutoff time.Time) (domain.ExpiryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.ExpiryStats{Cutoff: cutoff}
	for _, tx := range m.transactions {
		switch tx.Status {
		case domain.StatusPending:
			stats.Pending++
			if tx.CreatedAt.After(cutoff) {
				stats.RecentlyPending++
			}
		case domain.StatusExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

func (m *MemoryRepository) SumUsage(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) (domain.LimitUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumUsageLocked(userID, txType, window), nil
}

func (m *MemoryRepository) sumUsageLocked(userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) domain.LimitUsage {
	var usage domain.LimitUsage
	for _, tx := range m.transactions {
		if tx.UserID != userID || tx.Type != txType || tx.CreatedAt.Before(window.MonthStart) {
			continue
		}
		today := !tx.CreatedAt.Before(window.DayStart)
		switch {
		case tx.Status == domain.StatusCompleted || tx.Status == domain.StatusProcessing:
			usage.MonthlyUsed += tx.Amount
			if today {
				usage.DailyUsed += tx.Amount
			}
		case tx.Status == domain.StatusPending && reservesLimit(tx, window.PendingSince):
			usage.MonthlyReserved += tx.Amount
			if today {
				usage.DailyReserved += tx.Amount
			}
		}
	}
	return usage
}

func reservesLimit(tx *domain.Transaction, pendingSince time.Time) bool {
	if !tx.CreatedAt.After(pendingSince) {
		return false
	}
	_, failed := tx.Metadata[domain.MetadataProcessorError]
	return !failed
}

func (m *MemoryRepository) GetLimitProfile(ctx context.Context, userID uuid.UUID) (*domain.UserLimitProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.limits[userID]
	if !ok {
		return nil, ErrLimitProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) CreateLimitProfileIfAbsent(ctx context.Context, profile *domain.UserLimitProfile) (*domain.UserLimitProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.limits[profile.UserID]
	if !ok {
		cp := *profile
		m.limits[profile.UserID] = &cp
		p = &cp
	}
	out := *p
	return &out, nil
}

func (m *MemoryRepository) UpdateLimitProfile(ctx context.Context, profile *domain.UserLimitProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limits[profile.UserID]; !ok {
		return ErrLimitProfileNotFound
	}
	cp := *profile
	m.limits[profile.UserID] = &cp
	return nil
}

func (m *MemoryRepository) CompleteFirstDay(ctx context.Context, userID uuid.UUID, depositDaily, withdrawDaily, transferDaily int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.limits[userID]
	if !ok || !p.IsFirstDay {
		return false, nil
	}
	p.IsFirstDay = false
	p.Deposit.Daily = max(p.Deposit.Daily, depositDaily)
	p.Withdraw.Daily = max(p.Withdraw.Daily, withdrawDaily)
	p.Transfer.Daily = max(p.Transfer.Daily, transferDaily)
	p.UpdatedAt = m.now()
	return true, nil
}

func cloneWebhook(reg *domain.WebhookRegistration) *domain.WebhookRegistration {
	cp := *reg
	cp.Events = append([]string(nil), reg.Events...)
	cp.Headers = make(map[string]string, len(reg.Headers))
	for k, v := range reg.Headers {
		cp.Headers[k] = v
	}
	return &cp
}

func (m *MemoryRepository) CreateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.webhooks[reg.ID]; exists {
		return errDuplicate("webhook", reg.ID.String())
	}
	m.webhooks[reg.ID] = cloneWebhook(reg)
	return nil
}

func (m *MemoryRepository) FindWebhookByID(ctx context.Context, id uuid.UUID) (*domain.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.webhooks[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	return cloneWebhook(reg), nil
}

func (m *MemoryRepository) ListWebhooksByUserID(ctx context.Context, userID uuid.UUID) ([]domain.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookRegistration
	for _, reg := range m.webhooks {
		if reg.UserID == userID {
			out = append(out, *cloneWebhook(reg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListActiveWebhooksForTransaction(ctx context.Context, transactionID uuid.UUID, paymentLinkID string) ([]domain.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookRegistration
	for _, reg := range m.webhooks {
		if !reg.Active {
			continue
		}
		byTx := reg.TransactionID != nil && *reg.TransactionID == transactionID
		byLink := paymentLinkID != "" && reg.PaymentLinkID != nil && *reg.PaymentLinkID == paymentLinkID
		if byTx || byLink {
			out = append(out, *cloneWebhook(reg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[reg.ID]; !ok {
		return ErrWebhookNotFound
	}
	m.webhooks[reg.ID] = cloneWebhook(reg)
	return nil
}

func (m *MemoryRepository) RecordDeliveryResult(ctx context.Context, id uuid.UUID, success bool, at time.Time, disableAfter int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.webhooks[id]
	if !ok {
		return false, ErrWebhookNotFound
	}
	t := at
	reg.LastTriggeredAt = &t
	reg.UpdatedAt = at
	if success {
		reg.ConsecutiveFailures = 0
		return false, nil
	}
	reg.ConsecutiveFailures++
	if disableAfter > 0 && reg.ConsecutiveFailures >= disableAfter && reg.Active {
		reg.Active = false
		return true, nil
	}
	return false, nil
}

func (m *MemoryRepository) ListLegacySecretWebhooks(ctx context.Context) ([]domain.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookRegistration
	for _, reg := range m.webhooks {
		if !strings.HasPrefix(reg.EncryptedSecret, "v1:") {
			out = append(out, *cloneWebhook(reg))
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdateWebhookSecret(ctx context.Context, id uuid.UUID, encryptedSecret, hint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.webhooks[id]
	if !ok {
		return ErrWebhookNotFound
	}
	reg.EncryptedSecret = encryptedSecret
	reg.SecretHint = hint
	reg.UpdatedAt = m.now()
	return nil
}

func cloneAttempt(a *domain.WebhookDeliveryAttempt) *domain.WebhookDeliveryAttempt {
	cp := *a
	cp.Payload = append([]byte(nil), a.Payload...)
	return &cp
}

func (m *MemoryRepository) CreateDeliveryAttempt(ctx context.Context, attempt *domain.WebhookDeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, cloneAttempt(attempt))
	return nil
}

func (m *MemoryRepository) ListDueDeliveryAttempts(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.WebhookDeliveryAttempt
	for _, a := range m.attempts {
		if a.Outcome != domain.DeliveryFailed || a.RetriedAt != nil || a.NextRetryAt == nil || a.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *cloneAttempt(a))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryRepository) ClaimDeliveryRetry(ctx context.Context, attemptID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ID == attemptID {
			if a.RetriedAt != nil {
				return false, nil
			}
			t := at
			a.RetriedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) ListDeliveryAttempts(ctx context.Context, registrationID uuid.UUID, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookDeliveryAttempt
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if m.attempts[i].RegistrationID == registrationID {
			out = append(out, *cloneAttempt(m.attempts[i]))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

// AuditEntries returns a snapshot of the audit trail, oldest first.
func (m *MemoryRepository) AuditEntries() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.audit...)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

type duplicateError struct {
	kind, key string
}

func (e *duplicateError) Error() string {
	return "duplicate " + e.kind + ": " + e.key
}

func errDuplicate(kind, key string) error {
	return &duplicateError{kind: kind, key: key}
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for transactions, limit profiles, webhook registrations,
 * the delivery log and the audit trail.
 *
 * @notes
 * - Every status change is a single `UPDATE ... WHERE status = $expected` statement;
 *   callers learn whether they won from RowsAffected / RETURNING.
 * - Metadata patches are merged with `$patch || metadata` so existing keys win.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixgate/transaction-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const transactionColumns = `id, external_id, user_id, type, status, amount, destination_key,
	description, metadata, error_message, created_at, updated_at, processed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx       domain.Transaction
		metadata []byte
	)
	err := row.Scan(
		&tx.ID,
		&tx.ExternalID,
		&tx.UserID,
		&tx.Type,
		&tx.Status,
		&tx.Amount,
		&tx.DestinationKey,
		&tx.Description,
		&metadata,
		&tx.ErrorMessage,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &tx, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func marshalMap[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// CreateTransaction inserts a new transaction record into the database.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return insertTransaction(ctx, r.db, tx)
}

// CreateTransactionWithinLimits holds a transaction-scoped advisory lock keyed on user
// and type while it sums usage, runs check and inserts, so concurrent creations for
// the same ledger are evaluated one after another.
func (r *PostgresRepository) CreateTransactionWithinLimits(ctx context.Context, tx *domain.Transaction, window domain.UsageWindow, check func(domain.LimitUsage) error) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer dbTx.Rollback(ctx)

	lockKey := "limits:" + tx.UserID.String() + ":" + string(tx.Type)
	if _, err := dbTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return fmt.Errorf("acquire limit lock: %w", err)
	}

	usage, err := sumUsage(ctx, dbTx, tx.UserID, tx.Type, window)
	if err != nil {
		return fmt.Errorf("sum usage: %w", err)
	}
	if err := check(usage); err != nil {
		return err
	}
	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		return err
	}
	return dbTx.Commit(ctx)
}

func insertTransaction(ctx context.Context, db querier, tx *domain.Transaction) error {
	metadata, err := marshalMap(tx.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}
	query := `
		INSERT INTO transactions (
			id,
			external_id,
			user_id,
			type,
			status,
			amount,
			destination_key,
			description,
			metadata,
			error_message,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`
	_, err = db.Exec(ctx, query,
		tx.ID,
		tx.ExternalID,
		tx.UserID,
		tx.Type,
		tx.Status,
		tx.Amount,
		tx.DestinationKey,
		tx.Description,
		metadata,
		tx.ErrorMessage,
		tx.CreatedAt,
	)
	if err == nil {
		tx.UpdatedAt = tx.CreatedAt
	}
	return err
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *PostgresRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *PostgresRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// UpdateStatusIfCurrent is the compare-and-swap used for every lifecycle transition.
func (r *PostgresRepository) UpdateStatusIfCurrent(ctx context.Context, id uuid.UUID, params domain.TransitionParams) (*domain.Transaction, bool, error) {
	patch, err := marshalMap(params.MetadataPatch)
	if err != nil {
		return nil, false, fmt.Errorf("encode metadata patch: %w", err)
	}
	query := `
		UPDATE transactions
		SET
			status = $3,
			external_id = COALESCE(external_id, $4),
			error_message = COALESCE($5, error_message),
			processed_at = COALESCE(processed_at, $6),
			metadata = $7::jsonb || metadata,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + transactionColumns
	row := r.db.QueryRow(ctx, query,
		id,
		params.From,
		params.To,
		params.ExternalID,
		params.ErrorMessage,
		params.ProcessedAt,
		patch,
	)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return tx, true, nil
}

func (r *PostgresRepository) AttachExternalID(ctx context.Context, id uuid.UUID, externalID string, patch map[string]any) (bool, error) {
	body, err := marshalMap(patch)
	if err != nil {
		return false, fmt.Errorf("encode metadata patch: %w", err)
	}
	result, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET external_id = $2, metadata = $3::jsonb || metadata, updated_at = NOW()
		WHERE id = $1 AND external_id IS NULL
	`, id, externalID, body)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MergeTransactionMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	body, err := marshalMap(patch)
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}
	result, err := r.db.Exec(ctx, `
		UPDATE transactions SET metadata = $2::jsonb || metadata, updated_at = NOW() WHERE id = $1
	`, id, body)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ExpirePendingCreatedBy expires stale PENDING rows in one statement; rows that change
// status concurrently are excluded by the predicate itself.
func (r *PostgresRepository) ExpirePendingCreatedBy(ctx context.Context, cutoff, now time.Time, message string) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE transactions
		SET status = 'EXPIRED', error_message = $2, processed_at = $3, updated_at = $3
		WHERE status = 'PENDING' AND created_at <= $1
		RETURNING `+transactionColumns, cutoff, message, now)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *PostgresRepository) GetExpiryStats(ctx context.Context, cutoff time.Time) (domain.ExpiryStats, error) {
	stats := domain.ExpiryStats{Cutoff: cutoff}
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'EXPIRED'),
			COUNT(*) FILTER (WHERE status = 'PENDING' AND created_at > $1)
		FROM transactions
	`, cutoff).Scan(&stats.Pending, &stats.Expired, &stats.RecentlyPending)
	return stats, err
}

func (r *PostgresRepository) SumUsage(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) (domain.LimitUsage, error) {
	return sumUsage(ctx, r.db, userID, txType, window)
}

// sumUsage counts a PENDING row as reserved until it is old enough to expire or the
// processor call for it has failed.
func sumUsage(ctx context.Context, db querier, userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) (domain.LimitUsage, error) {
	var usage domain.LimitUsage
	err := db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status <> 'PENDING' AND created_at >= $3), 0),
			COALESCE(SUM(amount) FILTER (WHERE status <> 'PENDING'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING' AND created_at >= $3), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING'), 0)
		FROM transactions
		WHERE user_id = $1
		  AND type = $2
		  AND created_at >= $4
		  AND (
			status IN ('COMPLETED', 'PROCESSING')
			OR (status = 'PENDING' AND created_at > $5 AND NOT (metadata ? $6))
		  )
	`, userID, txType, window.DayStart, window.MonthStart, window.PendingSince, domain.MetadataProcessorError).Scan(
		&usage.DailyUsed, &usage.MonthlyUsed, &usage.DailyReserved, &usage.MonthlyReserved)
	return usage, err
}

const limitColumns = `user_id,
	deposit_daily, deposit_monthly, deposit_per_transaction,
	withdraw_daily, withdraw_monthly, withdraw_per_transaction,
	transfer_daily, transfer_monthly, transfer_per_transaction,
	is_first_day, is_kyc_verified, is_high_risk_user, updated_at, updated_by`

func scanLimitProfile(row pgx.Row) (*domain.UserLimitProfile, error) {
	var p domain.UserLimitProfile
	err := row.Scan(
		&p.UserID,
		&p.Deposit.Daily, &p.Deposit.Monthly, &p.Deposit.PerTransaction,
		&p.Withdraw.Daily, &p.Withdraw.Monthly, &p.Withdraw.PerTransaction,
		&p.Transfer.Daily, &p.Transfer.Monthly, &p.Transfer.PerTransaction,
		&p.IsFirstDay, &p.IsKYCVerified, &p.IsHighRiskUser, &p.UpdatedAt, &p.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) GetLimitProfile(ctx context.Context, userID uuid.UUID) (*domain.UserLimitProfile, error) {
	p, err := scanLimitProfile(r.db.QueryRow(ctx, `SELECT `+limitColumns+` FROM user_limits WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLimitProfileNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) CreateLimitProfileIfAbsent(ctx context.Context, p *domain.UserLimitProfile) (*domain.UserLimitProfile, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_limits (`+limitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_id) DO NOTHING
	`,
		p.UserID,
		p.Deposit.Daily, p.Deposit.Monthly, p.Deposit.PerTransaction,
		p.Withdraw.Daily, p.Withdraw.Monthly, p.Withdraw.PerTransaction,
		p.Transfer.Daily, p.Transfer.Monthly, p.Transfer.PerTransaction,
		p.IsFirstDay, p.IsKYCVerified, p.IsHighRiskUser, p.UpdatedAt, p.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}
	return r.GetLimitProfile(ctx, p.UserID)
}

func (r *PostgresRepository) UpdateLimitProfile(ctx context.Context, p *domain.UserLimitProfile) error {
	result, err := r.db.Exec(ctx, `
		UPDATE user_limits
		SET deposit_daily = $2, deposit_monthly = $3, deposit_per_transaction = $4,
		    withdraw_daily = $5, withdraw_monthly = $6, withdraw_per_transaction = $7,
		    transfer_daily = $8, transfer_monthly = $9, transfer_per_transaction = $10,
		    is_first_day = $11, is_kyc_verified = $12, is_high_risk_user = $13,
		    updated_at = $14, updated_by = $15
		WHERE user_id = $1
	`,
		p.UserID,
		p.Deposit.Daily, p.Deposit.Monthly, p.Deposit.PerTransaction,
		p.Withdraw.Daily, p.Withdraw.Monthly, p.Withdraw.PerTransaction,
		p.Transfer.Daily, p.Transfer.Monthly, p.Transfer.PerTransaction,
		p.IsFirstDay, p.IsKYCVerified, p.IsHighRiskUser, p.UpdatedAt, p.UpdatedBy,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrLimitProfileNotFound
	}
	return nil
}

// CompleteFirstDay is guarded on is_first_day so only the first caller changes anything.
func (r *PostgresRepository) CompleteFirstDay(ctx context.Context, userID uuid.UUID, depositDaily, withdrawDaily, transferDaily int64) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE user_limits
		SET is_first_day = FALSE,
		    deposit_daily = GREATEST(deposit_daily, $2),
		    withdraw_daily = GREATEST(withdraw_daily, $3),
		    transfer_daily = GREATEST(transfer_daily, $4),
		    updated_at = NOW()
		WHERE user_id = $1 AND is_first_day = TRUE
	`, userID, depositDaily, withdrawDaily, transferDaily)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

const webhookColumns = `id, user_id, transaction_id, payment_link_id, url, events, encrypted_secret,
	secret_hint, headers, active, consecutive_failures, last_triggered_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*domain.WebhookRegistration, error) {
	var (
		reg     domain.WebhookRegistration
		headers []byte
	)
	err := row.Scan(
		&reg.ID,
		&reg.UserID,
		&reg.TransactionID,
		&reg.PaymentLinkID,
		&reg.URL,
		&reg.Events,
		&reg.EncryptedSecret,
		&reg.SecretHint,
		&headers,
		&reg.Active,
		&reg.ConsecutiveFailures,
		&reg.LastTriggeredAt,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	reg.Headers = map[string]string{}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &reg.Headers); err != nil {
			return nil, fmt.Errorf("decode webhook headers: %w", err)
		}
	}
	return &reg, nil
}

func collectWebhooks(rows pgx.Rows) ([]domain.WebhookRegistration, error) {
	defer rows.Close()
	var out []domain.WebhookRegistration
	for rows.Next() {
		reg, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	headers, err := marshalMap(reg.Headers)
	if err != nil {
		return fmt.Errorf("encode webhook headers: %w", err)
	}
	events := reg.Events
	if events == nil {
		events = []string{}
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook_registrations (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		reg.ID, reg.UserID, reg.TransactionID, reg.PaymentLinkID, reg.URL, events,
		reg.EncryptedSecret, reg.SecretHint, headers, reg.Active, reg.ConsecutiveFailures,
		reg.LastTriggeredAt, reg.CreatedAt, reg.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) FindWebhookByID(ctx context.Context, id uuid.UUID) (*domain.WebhookRegistration, error) {
	reg, err := scanWebhook(r.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, err
	}
	return reg, nil
}

func (r *PostgresRepository) ListWebhooksByUserID(ctx context.Context, userID uuid.UUID) ([]domain.WebhookRegistration, error) {
	rows, err := r.db.Query(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (r *PostgresRepository) ListActiveWebhooksForTransaction(ctx context.Context, transactionID uuid.UUID, paymentLinkID string) ([]domain.WebhookRegistration, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_registrations
		WHERE active
		  AND (transaction_id = $1 OR ($2 <> '' AND payment_link_id = $2))
		ORDER BY created_at
	`, transactionID, paymentLinkID)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (r *PostgresRepository) UpdateWebhook(ctx context.Context, reg *domain.WebhookRegistration) error {
	headers, err := marshalMap(reg.Headers)
	if err != nil {
		return fmt.Errorf("encode webhook headers: %w", err)
	}
	events := reg.Events
	if events == nil {
		events = []string{}
	}
	result, err := r.db.Exec(ctx, `
		UPDATE webhook_registrations
		SET url = $2, events = $3, encrypted_secret = $4, secret_hint = $5, headers = $6,
		    active = $7, consecutive_failures = $8, updated_at = $9
		WHERE id = $1
	`, reg.ID, reg.URL, events, reg.EncryptedSecret, reg.SecretHint, headers, reg.Active, reg.ConsecutiveFailures, reg.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordDeliveryResult(ctx context.Context, id uuid.UUID, success bool, at time.Time, disableAfter int) (bool, error) {
	var (
		active   bool
		failures int
	)
	err := r.db.QueryRow(ctx, `
		UPDATE webhook_registrations
		SET last_triggered_at = $2,
		    consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures + 1 END,
		    active = CASE WHEN NOT $3 AND $4 > 0 AND consecutive_failures + 1 >= $4 THEN FALSE ELSE active END,
		    updated_at = $2
		WHERE id = $1
		RETURNING active, consecutive_failures
	`, id, at, success, disableAfter).Scan(&active, &failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrWebhookNotFound
		}
		return false, err
	}
	return !success && !active && disableAfter > 0 && failures == disableAfter, nil
}

func (r *PostgresRepository) ListLegacySecretWebhooks(ctx context.Context) ([]domain.WebhookRegistration, error) {
	rows, err := r.db.Query(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations WHERE encrypted_secret NOT LIKE 'v1:%'`)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (r *PostgresRepository) UpdateWebhookSecret(ctx context.Context, id uuid.UUID, encryptedSecret, hint string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE webhook_registrations SET encrypted_secret = $2, secret_hint = $3, updated_at = NOW() WHERE id = $1
	`, id, encryptedSecret, hint)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

const attemptColumns = `id, registration_id, delivery_id, event_type, payload, outcome, status_code,
	response_excerpt, error_message, attempt_number, next_retry_at, retried_at, created_at`

func scanAttempt(row pgx.Row) (*domain.WebhookDeliveryAttempt, error) {
	var a domain.WebhookDeliveryAttempt
	err := row.Scan(
		&a.ID, &a.RegistrationID, &a.DeliveryID, &a.EventType, &a.Payload, &a.Outcome, &a.StatusCode,
		&a.ResponseExcerpt, &a.ErrorMessage, &a.AttemptNumber, &a.NextRetryAt, &a.RetriedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.WebhookDeliveryAttempt, error) {
	defer rows.Close()
	var out []domain.WebhookDeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateDeliveryAttempt(ctx context.Context, a *domain.WebhookDeliveryAttempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		a.ID, a.RegistrationID, a.DeliveryID, a.EventType, a.Payload, a.Outcome, a.StatusCode,
		a.ResponseExcerpt, a.ErrorMessage, a.AttemptNumber, a.NextRetryAt, a.RetriedAt, a.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) ListDueDeliveryAttempts(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_delivery_attempts
		WHERE outcome = 'FAILED' AND retried_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (r *PostgresRepository) ClaimDeliveryRetry(ctx context.Context, attemptID uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE webhook_delivery_attempts SET retried_at = $2 WHERE id = $1 AND retried_at IS NULL
	`, attemptID, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListDeliveryAttempts(ctx context.Context, registrationID uuid.UUID, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_delivery_attempts
		WHERE registration_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, registrationID, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (r *PostgresRepository) CreateAuditEntry(ctx context.Context, e *domain.AuditEntry) error {
	details, err := marshalMap(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_id, success, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.Action, e.EntityID, e.Success, details, e.CreatedAt)
	return err
}

/**
 * @description
 * Limit validation for PIX transactions. Usage is derived from the transaction store
 * (COMPLETED and PROCESSING amounts in the current calendar day and month, plus open
 * PENDING amounts as reservations) and checked against the user's limit profile, which
 * is created lazily with system defaults.
 *
 * @notes
 * - Checks run in a fixed order: KYC, per-transaction, daily, monthly. The first failing
 *   check decides the rejection.
 * - While a user is on their first day, deposits are capped at the first-day ceiling.
 * - High-risk users are evaluated against a reduced share of every limit; the stored
 *   values are never changed.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/metrics"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/shopspring/decimal"
)

// LimitPolicy is the system-wide limit configuration.
type LimitPolicy struct {
	Enabled                   bool
	RequireKYC                bool
	Location                  *time.Location
	FirstDayDepositCeiling    int64
	HighRiskMultiplierPercent int64
	Defaults                  map[domain.TransactionType]domain.TypeLimits
}

// DefaultLimitPolicy returns the built-in tiers, in centavos.
func DefaultLimitPolicy() LimitPolicy {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return LimitPolicy{
		Enabled:                   true,
		Location:                  loc,
		FirstDayDepositCeiling:    50000,
		HighRiskMultiplierPercent: 50,
		Defaults: map[domain.TransactionType]domain.TypeLimits{
			domain.TransactionTypeDeposit:  {Daily: 500000, Monthly: 5000000, PerTransaction: 500000},
			domain.TransactionTypeWithdraw: {Daily: 300000, Monthly: 3000000, PerTransaction: 300000},
			domain.TransactionTypeTransfer: {Daily: 300000, Monthly: 3000000, PerTransaction: 300000},
		},
	}
}

type limitStore interface {
	store.LimitRepository
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	CreateTransactionWithinLimits(ctx context.Context, tx *domain.Transaction, window domain.UsageWindow, check func(domain.LimitUsage) error) error
	SumUsage(ctx context.Context, userID uuid.UUID, txType domain.TransactionType, window domain.UsageWindow) (domain.LimitUsage, error)
}

// LimitService validates amounts against per-user limits.
type LimitService struct {
	repo   limitStore
	policy LimitPolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewLimitService(repo limitStore, policy LimitPolicy, logger *slog.Logger) *LimitService {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	if policy.HighRiskMultiplierPercent <= 0 || policy.HighRiskMultiplierPercent > 100 {
		policy.HighRiskMultiplierPercent = 50
	}
	return &LimitService{repo: repo, policy: policy, logger: logger, now: systemClock}
}

// SetClock overrides the time source.
func (l *LimitService) SetClock(now func() time.Time) { l.now = now }

func (l *LimitService) defaultProfile(userID uuid.UUID) *domain.UserLimitProfile {
	return &domain.UserLimitProfile{
		UserID:     userID,
		Deposit:    l.policy.Defaults[domain.TransactionTypeDeposit],
		Withdraw:   l.policy.Defaults[domain.TransactionTypeWithdraw],
		Transfer:   l.policy.Defaults[domain.TransactionTypeTransfer],
		IsFirstDay: true,
		UpdatedAt:  l.now(),
	}
}

// GetProfile returns the user's profile, creating it with system defaults on first use.
func (l *LimitService) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.UserLimitProfile, error) {
	profile, err := l.repo.GetLimitProfile(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, store.ErrLimitProfileNotFound) {
		return nil, fmt.Errorf("load limit profile: %w", err)
	}
	profile, err = l.repo.CreateLimitProfileIfAbsent(ctx, l.defaultProfile(userID))
	if err != nil {
		return nil, fmt.Errorf("create limit profile: %w", err)
	}
	l.logger.Info("created default limit profile", "user_id", userID)
	return profile, nil
}

// effectiveLimits applies the high-risk reduction.
func (l *LimitService) effectiveLimits(profile *domain.UserLimitProfile, t domain.TransactionType) domain.TypeLimits {
	limits := profile.LimitsFor(t)
	if !profile.IsHighRiskUser {
		return limits
	}
	pct := l.policy.HighRiskMultiplierPercent
	return domain.TypeLimits{
		Daily:          limits.Daily * pct / 100,
		Monthly:        limits.Monthly * pct / 100,
		PerTransaction: limits.PerTransaction * pct / 100,
	}
}

// dailyLimit returns the daily ceiling and the code used when it is exceeded.
func (l *LimitService) dailyLimit(profile *domain.UserLimitProfile, t domain.TransactionType, limits domain.TypeLimits) (int64, domain.LimitCode) {
	if t == domain.TransactionTypeDeposit && profile.IsFirstDay && l.policy.FirstDayDepositCeiling > 0 {
		return min(limits.Daily, l.policy.FirstDayDepositCeiling), domain.LimitCodeFirstDay
	}
	return limits.Daily, domain.LimitCodeDaily
}

type periodBounds struct {
	dayStart, nextDay, monthStart, nextMonth time.Time
}

func (l *LimitService) periods(now time.Time) periodBounds {
	local := now.In(l.policy.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.policy.Location)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, l.policy.Location)
	return periodBounds{
		dayStart:   dayStart,
		nextDay:    dayStart.AddDate(0, 0, 1),
		monthStart: monthStart,
		nextMonth:  monthStart.AddDate(0, 1, 0),
	}
}

// window is the ledger query for now. PENDING rows stop reserving once the sweeper
// would expire them.
func (l *LimitService) window(now time.Time, bounds periodBounds) domain.UsageWindow {
	return domain.UsageWindow{
		DayStart:     bounds.dayStart,
		MonthStart:   bounds.monthStart,
		PendingSince: now.Add(-ExpiryTimeout),
	}
}

// Validate checks amount against the user's limits without side effects.
func (l *LimitService) Validate(ctx context.Context, userID uuid.UUID, t domain.TransactionType, amount int64) (domain.LimitCheckResult, error) {
	if !l.policy.Enabled {
		return domain.LimitCheckResult{Allowed: true, Type: t, Amount: amount}, nil
	}

	profile, err := l.GetProfile(ctx, userID)
	if err != nil {
		return domain.LimitCheckResult{Type: t, Amount: amount}, err
	}
	now := l.now()
	bounds := l.periods(now)
	usage, err := l.repo.SumUsage(ctx, userID, t, l.window(now, bounds))
	if err != nil {
		return domain.LimitCheckResult{Type: t, Amount: amount}, fmt.Errorf("compute limit usage: %w", err)
	}
	return l.evaluate(profile, t, amount, usage, bounds), nil
}

// evaluate runs the checks against a usage snapshot. Daily and monthly checks count
// reserved amounts as spent.
func (l *LimitService) evaluate(profile *domain.UserLimitProfile, t domain.TransactionType, amount int64, usage domain.LimitUsage, bounds periodBounds) domain.LimitCheckResult {
	limits := l.effectiveLimits(profile, t)
	result := domain.LimitCheckResult{
		Allowed:    true,
		Type:       t,
		Amount:     amount,
		Usage:      usage,
		Limits:     limits,
		IsFirstDay: profile.IsFirstDay,
		IsHighRisk: profile.IsHighRiskUser,
	}

	reject := func(code domain.LimitCode, limit, excess int64, resets *time.Time, reason string) domain.LimitCheckResult {
		result.Allowed = false
		result.Code = code
		result.Limit = limit
		result.Excess = excess
		result.ResetsAt = resets
		result.Reason = reason
		return result
	}
	label := strings.ToLower(string(t))

	if l.policy.RequireKYC && !profile.IsKYCVerified {
		return reject(domain.LimitCodeKYCRequired, 0, 0, nil,
			"Identity verification (KYC) is required before making transactions")
	}

	if amount > limits.PerTransaction {
		return reject(domain.LimitCodePerTransaction, limits.PerTransaction, amount-limits.PerTransaction, nil,
			fmt.Sprintf("Amount %s exceeds the per-transaction %s limit of %s",
				formatBRL(amount), label, formatBRL(limits.PerTransaction)))
	}

	daily, dailyCode := l.dailyLimit(profile, t, limits)
	if committed := usage.DailyCommitted(); committed+amount > daily {
		resets := bounds.nextDay
		prefix := fmt.Sprintf("Daily %s limit exceeded", label)
		if dailyCode == domain.LimitCodeFirstDay {
			prefix = "First-day deposit limit exceeded"
		}
		return reject(dailyCode, daily, committed+amount-daily, &resets,
			fmt.Sprintf("%s: used %s of %s today, requested %s (excess %s)",
				prefix, formatBRL(committed), formatBRL(daily), formatBRL(amount),
				formatBRL(committed+amount-daily)))
	}

	if committed := usage.MonthlyCommitted(); committed+amount > limits.Monthly {
		resets := bounds.nextMonth
		return reject(domain.LimitCodeMonthly, limits.Monthly, committed+amount-limits.Monthly, &resets,
			fmt.Sprintf("Monthly %s limit exceeded: used %s of %s this month, requested %s (excess %s)",
				label, formatBRL(committed), formatBRL(limits.Monthly), formatBRL(amount),
				formatBRL(committed+amount-limits.Monthly)))
	}

	return result
}

func (l *LimitService) rejected(result domain.LimitCheckResult, userID uuid.UUID) error {
	metrics.LimitRejections.WithLabelValues(string(result.Code)).Inc()
	l.logger.Info("transaction rejected by limits", "user_id", userID, "type", result.Type, "amount", result.Amount, "code", result.Code)
	return &domain.LimitExceededError{Result: result}
}

// EnforceLimits validates and returns a *domain.LimitExceededError on rejection.
func (l *LimitService) EnforceLimits(ctx context.Context, userID uuid.UUID, t domain.TransactionType, amount int64) error {
	result, err := l.Validate(ctx, userID, t, amount)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return l.rejected(result, userID)
	}
	return nil
}

// CreateWithinLimits inserts tx only if its amount fits the user's limits. The usage
// read and the insert are serialized per user and type by the store, so concurrent
// requests cannot all pass against the same headroom.
func (l *LimitService) CreateWithinLimits(ctx context.Context, tx *domain.Transaction) error {
	if !l.policy.Enabled {
		return l.repo.CreateTransaction(ctx, tx)
	}
	profile, err := l.GetProfile(ctx, tx.UserID)
	if err != nil {
		return err
	}
	now := l.now()
	bounds := l.periods(now)
	return l.repo.CreateTransactionWithinLimits(ctx, tx, l.window(now, bounds), func(usage domain.LimitUsage) error {
		result := l.evaluate(profile, tx.Type, tx.Amount, usage, bounds)
		if !result.Allowed {
			return l.rejected(result, tx.UserID)
		}
		return nil
	})
}

// ProcessSuccessfulTransaction ends the first-day period on the user's first completed
// deposit and raises daily limits to the standard tier. Repeated calls are no-ops.
func (l *LimitService) ProcessSuccessfulTransaction(ctx context.Context, userID uuid.UUID, t domain.TransactionType) error {
	if t != domain.TransactionTypeDeposit {
		return nil
	}
	applied, err := l.repo.CompleteFirstDay(ctx, userID,
		l.policy.Defaults[domain.TransactionTypeDeposit].Daily,
		l.policy.Defaults[domain.TransactionTypeWithdraw].Daily,
		l.policy.Defaults[domain.TransactionTypeTransfer].Daily,
	)
	if err != nil {
		return fmt.Errorf("complete first day: %w", err)
	}
	if applied {
		l.logger.Info("first-day period completed", "user_id", userID)
	}
	return nil
}

// UpdateProfile applies an administrative patch.
func (l *LimitService) UpdateProfile(ctx context.Context, userID uuid.UUID, patch domain.LimitProfilePatch, adminID uuid.UUID) (*domain.UserLimitProfile, error) {
	var fields []domain.FieldError
	for name, lim := range map[string]*domain.TypeLimits{"deposit": patch.Deposit, "withdraw": patch.Withdraw, "transfer": patch.Transfer} {
		if lim != nil && !lim.Valid() {
			fields = append(fields, domain.FieldError{Field: name, Message: "limits must be non-negative"})
		}
	}
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Fields: fields}
	}

	profile, err := l.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	patch.Apply(profile)
	profile.UpdatedAt = l.now()
	profile.UpdatedBy = &adminID
	if err := l.repo.UpdateLimitProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("update limit profile: %w", err)
	}
	return profile, nil
}

// Usage reports current usage and effective limits for every transaction type.
func (l *LimitService) Usage(ctx context.Context, userID uuid.UUID) (*domain.UsageReport, error) {
	profile, err := l.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	bounds := l.periods(now)
	report := &domain.UsageReport{
		UserID:     userID,
		IsFirstDay: profile.IsFirstDay,
		IsKYC:      profile.IsKYCVerified,
		IsHighRisk: profile.IsHighRiskUser,
		DayResets:  bounds.nextDay,
		MonthReset: bounds.nextMonth,
	}
	for _, t := range domain.AllTransactionTypes {
		usage, err := l.repo.SumUsage(ctx, userID, t, l.window(now, bounds))
		if err != nil {
			return nil, fmt.Errorf("compute %s usage: %w", t, err)
		}
		limits := l.effectiveLimits(profile, t)
		limits.Daily, _ = l.dailyLimit(profile, t, limits)
		report.Types = append(report.Types, domain.TypeUsageSummary{
			Type:            t,
			Usage:           usage,
			EffectiveLimits: limits,
			DailyRemaining:  max(limits.Daily-usage.DailyCommitted(), 0),
			MonthlyRemain:   max(limits.Monthly-usage.MonthlyCommitted(), 0),
		})
	}
	return report, nil
}

// formatBRL renders centavos as "R$ 1234.56".
func formatBRL(centavos int64) string {
	return "R$ " + decimal.New(centavos, -2).StringFixed(2)
}

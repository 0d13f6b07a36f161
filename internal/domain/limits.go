package domain

import (
	"time"

	"github.com/google/uuid"
)

// TypeLimits is the configured ceiling set for one transaction type, in centavos.
type TypeLimits struct {
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
	PerTransaction int64 `json:"per_transaction"`
}

// UserLimitProfile maps to the `user_limits` table.
type UserLimitProfile struct {
	UserID         uuid.UUID  `json:"user_id"`
	Deposit        TypeLimits `json:"deposit"`
	Withdraw       TypeLimits `json:"withdraw"`
	Transfer       TypeLimits `json:"transfer"`
	IsFirstDay     bool       `json:"is_first_day"`
	IsKYCVerified  bool       `json:"is_kyc_verified"`
	IsHighRiskUser bool       `json:"is_high_risk_user"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UpdatedBy      *uuid.UUID `json:"updated_by,omitempty"`
}

// LimitsFor returns the stored limits for a transaction type.
func (p *UserLimitProfile) LimitsFor(t TransactionType) TypeLimits {
	switch t {
	case TransactionTypeWithdraw:
		return p.Withdraw
	case TransactionTypeTransfer:
		return p.Transfer
	default:
		return p.Deposit
	}
}

// Valid reports whether every stored limit is non-negative.
func (l TypeLimits) Valid() bool {
	return l.Daily >= 0 && l.Monthly >= 0 && l.PerTransaction >= 0
}

// LimitProfilePatch is an administrative update. Nil fields are left unchanged.
type LimitProfilePatch struct {
	Deposit        *TypeLimits `json:"deposit,omitempty"`
	Withdraw       *TypeLimits `json:"withdraw,omitempty"`
	Transfer       *TypeLimits `json:"transfer,omitempty"`
	IsFirstDay     *bool       `json:"is_first_day,omitempty"`
	IsKYCVerified  *bool       `json:"is_kyc_verified,omitempty"`
	IsHighRiskUser *bool       `json:"is_high_risk_user,omitempty"`
}

// Apply writes the patch onto p.
func (patch LimitProfilePatch) Apply(p *UserLimitProfile) {
	if patch.Deposit != nil {
		p.Deposit = *patch.Deposit
	}
	if patch.Withdraw != nil {
		p.Withdraw = *patch.Withdraw
	}
	if patch.Transfer != nil {
		p.Transfer = *patch.Transfer
	}
	if patch.IsFirstDay != nil {
		p.IsFirstDay = *patch.IsFirstDay
	}
	if patch.IsKYCVerified != nil {
		p.IsKYCVerified = *patch.IsKYCVerified
	}
	if patch.IsHighRiskUser != nil {
		p.IsHighRiskUser = *patch.IsHighRiskUser
	}
}

// LimitCode classifies a rejection.
type LimitCode string

const (
	LimitCodeKYCRequired    LimitCode = "KYC_REQUIRED"
	LimitCodePerTransaction LimitCode = "PER_TRANSACTION_LIMIT"
	LimitCodeDaily          LimitCode = "DAILY_LIMIT"
	LimitCodeMonthly        LimitCode = "MONTHLY_LIMIT"
	LimitCodeFirstDay       LimitCode = "FIRST_DAY_LIMIT"
)

// LimitUsage is the derived ledger for one user and type. Used sums COMPLETED and
// PROCESSING amounts; Reserved sums PENDING transactions that can still be paid.
type LimitUsage struct {
	DailyUsed       int64 `json:"daily_used"`
	MonthlyUsed     int64 `json:"monthly_used"`
	DailyReserved   int64 `json:"daily_reserved"`
	MonthlyReserved int64 `json:"monthly_reserved"`
}

// DailyCommitted is the amount a new transaction is checked on top of today.
func (u LimitUsage) DailyCommitted() int64 { return u.DailyUsed + u.DailyReserved }

// MonthlyCommitted is DailyCommitted for the calendar month.
func (u LimitUsage) MonthlyCommitted() int64 { return u.MonthlyUsed + u.MonthlyReserved }

// UsageWindow bounds a ledger query. PENDING rows created after PendingSince that the
// processor has not rejected count as reserved.
type UsageWindow struct {
	DayStart     time.Time
	MonthStart   time.Time
	PendingSince time.Time
}

// LimitCheckResult is the outcome of a limit validation.
type LimitCheckResult struct {
	Allowed    bool            `json:"allowed"`
	Code       LimitCode       `json:"code,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Type       TransactionType `json:"type"`
	Amount     int64           `json:"amount"`
	Usage      LimitUsage      `json:"current_usage"`
	Limits     TypeLimits      `json:"limits"`
	Limit      int64           `json:"limit,omitempty"`
	Excess     int64           `json:"excess,omitempty"`
	ResetsAt   *time.Time      `json:"resets_at,omitempty"`
	IsFirstDay bool            `json:"is_first_day"`
	IsHighRisk bool            `json:"is_high_risk"`
}

// TypeUsageSummary is one row of the per-user usage report.
type TypeUsageSummary struct {
	Type            TransactionType `json:"type"`
	Usage           LimitUsage      `json:"usage"`
	EffectiveLimits TypeLimits      `json:"effective_limits"`
	DailyRemaining  int64           `json:"daily_remaining"`
	MonthlyRemain   int64           `json:"monthly_remaining"`
}

// UsageReport is returned by the limits endpoint.
type UsageReport struct {
	UserID     uuid.UUID          `json:"user_id"`
	IsFirstDay bool               `json:"is_first_day"`
	IsKYC      bool               `json:"is_kyc_verified"`
	IsHighRisk bool               `json:"is_high_risk_user"`
	Types      []TypeUsageSummary `json:"types"`
	DayResets  time.Time          `json:"day_resets_at"`
	MonthReset time.Time          `json:"month_resets_at"`
}

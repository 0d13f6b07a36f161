package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/pkg/pixclient"
)

// ProcessorClient is the subset of the PIX processor API the service calls.
// *pixclient.Client satisfies it.
type ProcessorClient interface {
	CreateDeposit(ctx context.Context, amount int64, key, description string) (*pixclient.DepositResponse, error)
	CreateWithdraw(ctx context.Context, amount int64, key, description string) (*pixclient.WithdrawResponse, error)
	GetDepositStatus(ctx context.Context, externalID string) (*pixclient.StatusResponse, error)
	GetWithdrawStatus(ctx context.Context, externalID string) (*pixclient.StatusResponse, error)
	ValidateKey(ctx context.Context, key string) (*pixclient.KeyValidationResponse, error)
	GetBalance(ctx context.Context) (*pixclient.BalanceResponse, error)
}

// SecretCipher encrypts webhook secrets at rest. *secretbox.Box satisfies it.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	MigrateLegacy(stored string) (value string, migrated bool, err error)
}

// TaskRunner executes work off the request path. *worker.Pool satisfies it.
type TaskRunner interface {
	Submit(f func())
}

// InlineRunner runs every task synchronously on the caller's goroutine.
type InlineRunner struct{}

func (InlineRunner) Submit(f func()) { f() }

// CreateRateLimiter bounds how often a user may create transactions.
type CreateRateLimiter interface {
	Allow(ctx context.Context, userID string) (allowed bool, retryAfterSeconds int, err error)
}

// RateLimitedError is returned when a user exceeds the creation rate.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many requests; retry after %d seconds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

// ProcessorFailure is returned by CreateTransaction when the local record exists but the
// processor call failed. Transaction holds the record in its post-failure state.
type ProcessorFailure struct {
	Transaction *domain.Transaction
	Err         error
}

func (e *ProcessorFailure) Error() string {
	return "processor request failed: " + e.Err.Error()
}

func (e *ProcessorFailure) Unwrap() error { return e.Err }

// mapProcessorError translates pixclient errors into the domain taxonomy.
func mapProcessorError(op string, err error) error {
	var apiErr *pixclient.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return &domain.ValidationError{Fields: []domain.FieldError{{Field: "processor", Message: apiErr.ErrorMessage}}}
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrUpstreamUnavailable)
}

func systemClock() time.Time { return time.Now().UTC() }

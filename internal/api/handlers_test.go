package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/app"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/logger"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/pixgate/transaction-service/pkg/pixclient"
	"github.com/pixgate/transaction-service/pkg/secretbox"
	"github.com/pixgate/transaction-service/pkg/webhookclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testIssuer        = "pixgate"
	testInboundSecret = "processor-shared-secret"
)

type stubProcessor struct {
	seq         atomic.Int64
	withdrawErr error
}

func (p *stubProcessor) CreateDeposit(ctx context.Context, amount int64, key, description string) (*pixclient.DepositResponse, error) {
	id := fmt.Sprintf("qr-%d", p.seq.Add(1))
	return &pixclient.DepositResponse{ID: id, QRCopyPaste: "000201...", Raw: json.RawMessage(`{}`)}, nil
}

func (p *stubProcessor) CreateWithdraw(ctx context.Context, amount int64, key, description string) (*pixclient.WithdrawResponse, error) {
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	return &pixclient.WithdrawResponse{ID: fmt.Sprintf("wd-%d", p.seq.Add(1)), Status: "pending", Raw: json.RawMessage(`{}`)}, nil
}

func (p *stubProcessor) GetDepositStatus(ctx context.Context, id string) (*pixclient.StatusResponse, error) {
	return &pixclient.StatusResponse{ID: id, Status: "pending"}, nil
}

func (p *stubProcessor) GetWithdrawStatus(ctx context.Context, id string) (*pixclient.StatusResponse, error) {
	return &pixclient.StatusResponse{ID: id, Status: "pending"}, nil
}

func (p *stubProcessor) ValidateKey(ctx context.Context, key string) (*pixclient.KeyValidationResponse, error) {
	return &pixclient.KeyValidationResponse{Valid: true}, nil
}

func (p *stubProcessor) GetBalance(ctx context.Context) (*pixclient.BalanceResponse, error) {
	return &pixclient.BalanceResponse{Available: 123456, Pending: 100}, nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, userID string) (bool, int, error) {
	return false, 42, nil
}

type apiEnv struct {
	router    http.Handler
	repo      *store.MemoryRepository
	processor *stubProcessor
	sweeper   *app.Sweeper
}

func newAPIEnv(t *testing.T, limiter app.CreateRateLimiter) *apiEnv {
	t.Helper()
	log := logger.Discard()
	repo := store.NewMemoryRepository()
	cipher, err := secretbox.New("api-test-key")
	require.NoError(t, err)

	audit := app.NewAuditor(repo, log)
	limits := app.NewLimitService(repo, app.DefaultLimitPolicy(), log)
	dispatcher := app.NewDispatcher(repo, cipher, webhookclient.NewClient(5*time.Second), app.InlineRunner{}, app.DefaultRetryPolicy(), false, audit, log)
	processor := &stubProcessor{}

	policy := app.DefaultCreatePolicy()
	policy.InboundWebhookSecret = testInboundSecret
	svc := app.NewService(app.Dependencies{
		Repo:        repo,
		Processor:   processor,
		Limits:      limits,
		Webhooks:    dispatcher,
		RateLimiter: limiter,
		Audit:       audit,
		Logger:      log,
	}, policy)
	sweeper := app.NewSweeper(repo, svc, audit, log)

	h := NewTransactionHandlers(HandlerDeps{Service: svc, Limits: limits, Webhooks: dispatcher, Sweeper: sweeper})
	return &apiEnv{
		router:    TransactionRoutes(h, AuthConfig{Secret: testJWTSecret, Issuer: testIssuer}, "*"),
		repo:      repo,
		processor: processor,
		sweeper:   sweeper,
	}
}

func signToken(t *testing.T, secret, subject, role, issuer string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func userToken(t *testing.T, userID uuid.UUID) string {
	return signToken(t, testJWTSecret, userID.String(), "user", testIssuer, time.Hour)
}

func adminToken(t *testing.T) string {
	return signToken(t, testJWTSecret, uuid.NewString(), RoleAdmin, testIssuer, time.Hour)
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *apiEnv) createDeposit(t *testing.T, userID uuid.UUID, amount int64) domain.Transaction {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/transactions", userToken(t, userID), map[string]any{
		"type":   "deposit",
		"amount": amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Transaction](t, rec)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	env := newAPIEnv(t, nil)
	userID := uuid.New()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other-secret", userID.String(), "user", testIssuer, time.Hour), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, testJWTSecret, userID.String(), "user", testIssuer, -time.Minute), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, testJWTSecret, userID.String(), "user", "someone-else", time.Hour), want: http.StatusUnauthorized},
		{name: "subject is not a uuid", header: "Bearer " + signToken(t, testJWTSecret, "user_123", "user", testIssuer, time.Hour), want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + userToken(t, userID), want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateDeposit_ReturnsPendingTransaction(t *testing.T) {
	env := newAPIEnv(t, nil)
	userID := uuid.New()

	tx := env.createDeposit(t, userID, 2500)

	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, domain.TransactionTypeDeposit, tx.Type)
	assert.Equal(t, userID, tx.UserID)
	require.NotNil(t, tx.ExternalID)
	assert.Equal(t, "qr-1", *tx.ExternalID)
}

func TestCreate_ValidationErrors(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := userToken(t, uuid.New())

	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{name: "zero amount", body: map[string]any{"type": "DEPOSIT", "amount": 0}, wantField: "amount"},
		{name: "unknown type", body: map[string]any{"type": "refund", "amount": 100}, wantField: "type"},
		{name: "withdraw without key", body: map[string]any{"type": "WITHDRAW", "amount": 100}, wantField: "destination_key"},
		{name: "webhook without url", body: map[string]any{"type": "DEPOSIT", "amount": 100, "webhook": map[string]any{}}, wantField: "url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/transactions", token, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[errorResponse](t, rec)
			assert.Equal(t, "VALIDATION_ERROR", resp.Code)
			var fields []string
			for _, f := range resp.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tc.wantField)
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", token, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, env.processor.seq.Load(), "the processor is never called for invalid input")
}

func TestCreate_FirstDayLimitIsUnprocessable(t *testing.T) {
	env := newAPIEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", userToken(t, uuid.New()), map[string]any{
		"type":   "DEPOSIT",
		"amount": 60000,
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp struct {
		Code  string                  `json:"code"`
		Limit domain.LimitCheckResult `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.LimitCodeFirstDay), resp.Code)
	assert.Equal(t, int64(10000), resp.Limit.Excess)
	assert.Zero(t, env.processor.seq.Load())
}

func TestCreateWithdraw_ProcessorDownReturnsFailedTransaction(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.processor.withdrawErr = errors.New("dial tcp: connection refused")

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", userToken(t, uuid.New()), map[string]any{
		"type":            "WITHDRAW",
		"amount":          1500,
		"destination_key": "ana@example.com",
	})

	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	resp := decode[errorResponse](t, rec)
	require.NotNil(t, resp.Transaction)
	assert.Equal(t, domain.StatusFailed, resp.Transaction.Status)
	require.NotNil(t, resp.Transaction.ErrorMessage)
	assert.Contains(t, *resp.Transaction.ErrorMessage, "Processor request failed")
}

func TestCreate_RateLimited(t *testing.T) {
	env := newAPIEnv(t, denyAllLimiter{})
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", userToken(t, uuid.New()), map[string]any{
		"type":   "DEPOSIT",
		"amount": 100,
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestGetTransaction_OwnershipAndNotFound(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	tx := env.createDeposit(t, owner, 100)

	rec := env.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID.String(), userToken(t, owner), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID.String(), userToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), userToken(t, owner), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/not-a-uuid", userToken(t, owner), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactions(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	env.createDeposit(t, owner, 100)
	env.createDeposit(t, owner, 200)
	env.createDeposit(t, uuid.New(), 300)

	rec := env.do(t, http.MethodGet, "/api/v1/transactions?limit=500", userToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[transactionListResponse](t, rec)
	assert.Len(t, resp.Transactions, 2)
	assert.Equal(t, 100, resp.Limit)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions?offset=-1", userToken(t, owner), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_SecondCancelConflicts(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	tx := env.createDeposit(t, owner, 100)
	path := "/api/v1/transactions/" + tx.ID.String() + "/cancel"

	rec := env.do(t, http.MethodPost, path, userToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusCancelled, decode[domain.Transaction](t, rec).Status)

	rec = env.do(t, http.MethodPost, path, userToken(t, owner), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReconcile_PendingStaysPending(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	tx := env.createDeposit(t, owner, 100)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions/"+tx.ID.String()+"/reconcile", userToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[domain.ReconciliationResult](t, rec)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.StatusPending, res.CurrentStatus)
}

func postDepositWebhook(env *apiEnv, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/deposit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(app.InboundSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestDepositWebhook(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	tx := env.createDeposit(t, owner, 100)

	paid := []byte(`{"qrId":"qr-1","status":"depix_sent","payerName":"Maria Souza","valueInCents":100}`)

	rec := postDepositWebhook(env, paid, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unknown := []byte(`{"qrId":"qr-404","status":"paid"}`)
	rec = postDepositWebhook(env, unknown, webhookclient.Sign(testInboundSecret, unknown))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	missing := []byte(`{"status":"paid"}`)
	rec = postDepositWebhook(env, missing, webhookclient.Sign(testInboundSecret, missing))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postDepositWebhook(env, paid, webhookclient.Sign(testInboundSecret, paid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[domain.DepositWebhookResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, domain.StatusCompleted, result.NewStatus)

	rec = postDepositWebhook(env, paid, webhookclient.Sign(testInboundSecret, paid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "status unchanged", decode[domain.DepositWebhookResult](t, rec).Message)

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID.String(), userToken(t, owner), nil)
	stored := decode[domain.Transaction](t, rec)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestWebhookRegistration(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	tx := env.createDeposit(t, owner, 100)

	body := map[string]any{
		"transaction_id": tx.ID.String(),
		"url":            "https://merchant.example.com/pix",
		"events":         []string{domain.EventTransactionPaid},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/webhooks", userToken(t, uuid.New()), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/webhooks", userToken(t, owner), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var registered struct {
		Registration domain.WebhookRegistration `json:"registration"`
		Secret       string                     `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered))
	assert.NotEmpty(t, registered.Secret)
	assert.NotContains(t, rec.Body.String(), "v1:", "ciphertext never leaves the service")

	rec = env.do(t, http.MethodGet, "/api/v1/webhooks", userToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), registered.Registration.ID.String())

	rec = env.do(t, http.MethodGet, "/api/v1/webhooks/"+registered.Registration.ID.String()+"/attempts", userToken(t, owner), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/webhooks/"+registered.Registration.ID.String(), userToken(t, owner), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/webhooks", userToken(t, owner), map[string]any{"url": "https://merchant.example.com/pix"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a transaction or payment link is required")
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	env.createDeposit(t, owner, 100)

	rec := env.do(t, http.MethodPost, "/api/v1/admin/expiry/sweep", userToken(t, owner), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.sweeper.SetClock(func() time.Time { return time.Now().Add(31 * time.Minute) })
	rec = env.do(t, http.MethodPost, "/api/v1/admin/expiry/sweep", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"expired": 1}, decode[map[string]int](t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/admin/expiry/stats", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[domain.ExpiryStats](t, rec).Expired)

	rec = env.do(t, http.MethodPut, "/api/v1/admin/limits/"+owner.String(), adminToken(t), map[string]any{
		"is_kyc_verified": true,
		"withdraw":        map[string]any{"daily": 1000, "monthly": 5000, "per_transaction": 500},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	profile := decode[domain.UserLimitProfile](t, rec)
	assert.True(t, profile.IsKYCVerified)
	assert.Equal(t, int64(500), profile.Withdraw.PerTransaction)
	require.NotNil(t, profile.UpdatedBy)

	rec = env.do(t, http.MethodGet, "/api/v1/admin/processor/balance", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(123456), decode[pixclient.BalanceResponse](t, rec).Available)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/webhooks/retry", adminToken(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/admin/webhooks/migrate-secrets", adminToken(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetLimits(t *testing.T) {
	env := newAPIEnv(t, nil)
	owner := uuid.New()
	env.createDeposit(t, owner, 100)

	rec := env.do(t, http.MethodGet, "/api/v1/limits", userToken(t, owner), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[domain.UsageReport](t, rec)
	assert.Equal(t, owner, report.UserID)
	assert.Len(t, report.Types, 3)
}

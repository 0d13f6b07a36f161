package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/pkg/pixclient"
)

func createDepositWithWebhook(t *testing.T, env *testEnv, sub *subscriber, userID uuid.UUID, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := env.svc.CreateTransaction(context.Background(), userID, domain.CreateTransactionInput{
		Type:        domain.TransactionTypeDeposit,
		Amount:      amount,
		Description: "order 42",
		Webhook: &domain.WebhookConfig{
			URL:     sub.server.URL,
			Secret:  "whsec_test_secret",
			Headers: map[string]string{"X-Merchant": "acme"},
		},
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

func TestCreateDeposit_StaysPendingWithExternalID(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()

	tx := createDepositWithWebhook(t, env, sub, userID, 100)

	if tx.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", tx.Status)
	}
	if tx.ExternalID == nil || *tx.ExternalID != "qr-1" {
		t.Fatalf("expected external id qr-1, got %v", tx.ExternalID)
	}
	if tx.Metadata[domain.MetadataQRCopyPaste] != "000201..." {
		t.Fatalf("expected qr code in metadata, got %v", tx.Metadata)
	}
	if got := countAudit(env.repo, AuditTransactionCreate); got != 1 {
		t.Fatalf("expected one create audit entry, got %d", got)
	}
	regs, _ := env.dispatcher.List(context.Background(), userID)
	if len(regs) != 1 || regs[0].TransactionID == nil || *regs[0].TransactionID != tx.ID {
		t.Fatalf("expected webhook registered for transaction, got %+v", regs)
	}
}

func TestReconcile_BeforeProcessorAcknowledgesKeepsPending(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	env.processor.setStatus("qr-1", "pending")

	res, err := env.svc.Reconcile(context.Background(), userID, tx.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.CurrentStatus != domain.StatusPending || res.Changed {
		t.Fatalf("expected unchanged PENDING, got %+v", res)
	}
	if len(sub.deliveries()) != 0 {
		t.Fatalf("expected no webhook, got %d", len(sub.deliveries()))
	}
}

func TestDepositWebhook_CompletesOnceAndDispatchesPaidOnce(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	ctx := context.Background()

	event := domain.DepositStatusEvent{QrID: "qr-1", Status: "depix_sent", PayerName: "Maria Souza", BankTxID: "bank-9", ValueInCents: 100}
	res, err := env.svc.ProcessDepositWebhook(ctx, event)
	if err != nil {
		t.Fatalf("ProcessDepositWebhook: %v", err)
	}
	if res.PreviousStatus != domain.StatusPending || res.NewStatus != domain.StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}

	stored, _ := env.repo.FindTransactionByID(ctx, tx.ID)
	if stored.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}
	if stored.Metadata[domain.MetadataBankTxID] != "bank-9" {
		t.Fatalf("expected bank tx id in metadata, got %v", stored.Metadata)
	}
	processedAt := *stored.ProcessedAt

	if got := sub.countEvent(domain.EventTransactionPaid); got != 1 {
		t.Fatalf("expected one transaction.paid delivery, got %d", got)
	}
	delivery := sub.deliveries()[0]
	if delivery.Signature != independentSignature("whsec_test_secret", delivery.Body) {
		t.Fatalf("signature mismatch: %s", delivery.Signature)
	}
	if delivery.Headers.Get("X-Merchant") != "acme" {
		t.Fatalf("expected custom header, got %v", delivery.Headers)
	}
	if delivery.Envelope.WebhookID == uuid.Nil {
		t.Fatal("expected webhookId in envelope")
	}

	// Re-delivery is a no-op.
	env.clock.Advance(time.Minute)
	res, err = env.svc.ProcessDepositWebhook(ctx, event)
	if err != nil {
		t.Fatalf("second ProcessDepositWebhook: %v", err)
	}
	if res.NewStatus != domain.StatusCompleted || res.Message != "status unchanged" {
		t.Fatalf("unexpected second result %+v", res)
	}
	if got := sub.countEvent(domain.EventTransactionPaid); got != 1 {
		t.Fatalf("expected duplicate delivery to be suppressed, got %d", got)
	}
	stored, _ = env.repo.FindTransactionByID(ctx, tx.ID)
	if !stored.ProcessedAt.Equal(processedAt) {
		t.Fatalf("processed_at changed on re-delivery")
	}
	if got := countAudit(env.repo, AuditDepositWebhook); got != 2 {
		t.Fatalf("expected both callbacks audited, got %d", got)
	}

	profile, _ := env.limits.GetProfile(ctx, userID)
	if profile.IsFirstDay {
		t.Fatal("expected first-day flag cleared after completed deposit")
	}
	if got := env.publisher.count("transaction.completed"); got != 1 {
		t.Fatalf("expected one completed event, got %d", got)
	}
}

func TestDepositWebhook_TerminalStatusNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	tx := createDepositWithWebhook(t, env, sub, uuid.New(), 100)
	ctx := context.Background()

	if _, err := env.svc.ProcessDepositWebhook(ctx, domain.DepositStatusEvent{QrID: "qr-1", Status: "completed"}); err != nil {
		t.Fatalf("ProcessDepositWebhook: %v", err)
	}
	for _, late := range []string{"pending", "paid", "error", "expired"} {
		res, err := env.svc.ProcessDepositWebhook(ctx, domain.DepositStatusEvent{QrID: "qr-1", Status: late})
		if err != nil {
			t.Fatalf("late %s: %v", late, err)
		}
		if res.NewStatus != domain.StatusCompleted {
			t.Fatalf("late %s moved status to %s", late, res.NewStatus)
		}
	}
	stored, _ := env.repo.FindTransactionByID(ctx, tx.ID)
	if stored.Status != domain.StatusCompleted || stored.ErrorMessage != nil {
		t.Fatalf("unexpected stored transaction %+v", stored)
	}
}

func TestDepositWebhook_UnknownQrIDIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.ProcessDepositWebhook(context.Background(), domain.DepositStatusEvent{QrID: "missing", Status: "paid"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	txs, _ := env.svc.ListTransactions(context.Background(), uuid.New(), 10, 0)
	if len(txs) != 0 {
		t.Fatal("no transaction may be created from an inbound event")
	}
}

func TestDepositWebhook_UnknownVendorStatusIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	tx := createDepositWithWebhook(t, env, sub, uuid.New(), 100)

	res, err := env.svc.ProcessDepositWebhook(context.Background(), domain.DepositStatusEvent{QrID: "qr-1", Status: "teleported"})
	if err != nil {
		t.Fatalf("ProcessDepositWebhook: %v", err)
	}
	if res.NewStatus != domain.StatusPending {
		t.Fatalf("expected status unchanged, got %s", res.NewStatus)
	}
	stored, _ := env.repo.FindTransactionByID(context.Background(), tx.ID)
	if stored.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", stored.Status)
	}
}

func TestVerifyInboundSignature(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"qrId":"qr-1","status":"paid"}`)

	if err := env.svc.VerifyInboundSignature(body, ""); err != nil {
		t.Fatalf("expected no verification without a secret, got %v", err)
	}

	env.svc.policy.InboundWebhookSecret = "processor-secret"
	if err := env.svc.VerifyInboundSignature(body, independentSignature("processor-secret", body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := env.svc.VerifyInboundSignature(body, independentSignature("other", body)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreate_FirstDayDepositAboveDailyLimitIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	_, err := env.repo.CreateLimitProfileIfAbsent(ctx, &domain.UserLimitProfile{
		UserID:     userID,
		Deposit:    domain.TypeLimits{Daily: 500, Monthly: 100000, PerTransaction: 10000},
		Withdraw:   domain.TypeLimits{Daily: 500, Monthly: 100000, PerTransaction: 10000},
		Transfer:   domain.TypeLimits{Daily: 500, Monthly: 100000, PerTransaction: 10000},
		IsFirstDay: true,
	})
	if err != nil {
		t.Fatalf("CreateLimitProfileIfAbsent: %v", err)
	}

	_, err = env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 600})
	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if limitErr.Result.Code != domain.LimitCodeFirstDay || limitErr.Result.Limit != 500 {
		t.Fatalf("unexpected rejection %+v", limitErr.Result)
	}
	if limitErr.Result.Excess != 100 || limitErr.Result.ResetsAt == nil {
		t.Fatalf("expected excess and reset horizon, got %+v", limitErr.Result)
	}
	if env.processor.createCalls.Load() != 0 {
		t.Fatal("processor must not be called on rejection")
	}
	txs, _ := env.svc.ListTransactions(ctx, userID, 10, 0)
	if len(txs) != 0 {
		t.Fatalf("expected no transaction, got %d", len(txs))
	}
	if got := countAudit(env.repo, AuditTransactionCreate); got != 1 {
		t.Fatalf("expected rejected attempt audited, got %d", got)
	}
}

func TestCreate_ValidationRejectsBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{Type: domain.TransactionTypeWithdraw, Amount: 0})
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(vErr.Fields) != 2 {
		t.Fatalf("expected amount and destination_key errors, got %+v", vErr.Fields)
	}
	if env.processor.createCalls.Load() != 0 {
		t.Fatal("processor must not be called")
	}
}

func TestCreate_InvalidPixKeyRejectedWhenValidationEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.svc.policy.ValidateKeys = true
	env.processor.keyValid = false

	_, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{
		Type: domain.TransactionTypeWithdraw, Amount: 1000, DestinationKey: "not-a-key",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateWithdraw_AckMovesToProcessing(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{
		Type: domain.TransactionTypeWithdraw, Amount: 1000, DestinationKey: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if tx.Status != domain.StatusProcessing || tx.ExternalID == nil || *tx.ExternalID != "wd-1" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if got := env.publisher.count("transaction.processing"); got != 1 {
		t.Fatalf("expected processing event, got %d", got)
	}
}

func TestCreateWithdraw_ProcessorFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.processor.withdrawErr = fmt.Errorf("connect: %w", pixclient.ErrUnavailable)

	tx, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{
		Type: domain.TransactionTypeWithdraw, Amount: 1000, DestinationKey: "ana@example.com",
	})
	var failure *ProcessorFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected processor failure, got %v", err)
	}
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if tx == nil || tx.Status != domain.StatusFailed || tx.ErrorMessage == nil {
		t.Fatalf("expected FAILED transaction with message, got %+v", tx)
	}
}

func TestCreateDeposit_ProcessorFailureStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.processor.depositErr = fmt.Errorf("timeout: %w", pixclient.ErrUnavailable)

	tx, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{
		Type: domain.TransactionTypeDeposit, Amount: 1000,
	})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if tx == nil || tx.Status != domain.StatusPending {
		t.Fatalf("expected PENDING transaction, got %+v", tx)
	}
	if _, ok := tx.Metadata[domain.MetadataProcessorError]; !ok {
		t.Fatalf("expected processor error in metadata, got %v", tx.Metadata)
	}
}

func TestReconcile_TerminalSkipsProcessor(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	if _, err := env.svc.CancelTransaction(context.Background(), userID, tx.ID); err != nil {
		t.Fatalf("CancelTransaction: %v", err)
	}

	res, err := env.svc.Reconcile(context.Background(), userID, tx.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.CurrentStatus != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.CurrentStatus)
	}
	if env.processor.statusCalls.Load() != 0 {
		t.Fatal("processor must not be called for terminal transactions")
	}
}

func TestReconcile_ProcessorOutageDegradesToWarning(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	env.processor.statusErr = fmt.Errorf("status 503: %w", pixclient.ErrUnavailable)

	res, err := env.svc.Reconcile(context.Background(), userID, tx.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Warning == "" || res.CurrentStatus != domain.StatusPending {
		t.Fatalf("expected warning with last known status, got %+v", res)
	}
}

func TestReconcile_CompletesFromPoll(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	env.processor.setStatus("qr-1", "paid")

	res, err := env.svc.Reconcile(context.Background(), userID, tx.ID)
	if err != nil || !res.Changed || res.CurrentStatus != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %+v err=%v", res, err)
	}

	env.processor.setStatus("qr-1", "depix_sent")
	res, err = env.svc.Reconcile(context.Background(), userID, tx.ID)
	if err != nil || !res.Changed || res.CurrentStatus != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v err=%v", res, err)
	}
	if res.Transaction.Metadata[domain.MetadataPayer] == nil {
		t.Fatalf("expected payer metadata, got %v", res.Transaction.Metadata)
	}
	if sub.countEvent(domain.EventTransactionProcessing) != 1 || sub.countEvent(domain.EventTransactionPaid) != 1 {
		t.Fatalf("unexpected deliveries %+v", sub.deliveries())
	}
}

func TestReconcile_OtherUserIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	tx := createDepositWithWebhook(t, env, sub, uuid.New(), 100)

	_, err := env.svc.Reconcile(context.Background(), uuid.New(), tx.ID)
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestConcurrentReconcileAndWebhook_ApplyCompletionOnce(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	env.processor.setStatus("qr-1", "completed")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, err := env.svc.Reconcile(ctx, userID, tx.ID); err != nil {
					t.Errorf("Reconcile: %v", err)
				}
				return
			}
			if _, err := env.svc.ProcessDepositWebhook(ctx, domain.DepositStatusEvent{QrID: "qr-1", Status: "depix_sent"}); err != nil {
				t.Errorf("ProcessDepositWebhook: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := sub.countEvent(domain.EventTransactionPaid); got != 1 {
		t.Fatalf("expected exactly one transaction.paid, got %d", got)
	}
	if got := env.publisher.count("transaction.completed"); got != 1 {
		t.Fatalf("expected exactly one completed event, got %d", got)
	}
}

func TestCancelTransaction(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	ctx := context.Background()

	cancelled, err := env.svc.CancelTransaction(ctx, userID, tx.ID)
	if err != nil {
		t.Fatalf("CancelTransaction: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.ProcessedAt != nil {
		t.Fatalf("unexpected cancelled transaction %+v", cancelled)
	}
	if sub.countEvent(domain.EventTransactionCancelled) != 1 {
		t.Fatal("expected transaction.cancelled delivery")
	}

	if _, err := env.svc.CancelTransaction(ctx, userID, tx.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestListTransactions_ClampsLimit(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.processor.depositResp = &pixclient.DepositResponse{ID: fmt.Sprintf("qr-%d", i)}
		if _, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 100}); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
		env.clock.Advance(time.Second)
	}

	txs, err := env.svc.ListTransactions(ctx, userID, 2, 0)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 || !txs[0].CreatedAt.After(txs[1].CreatedAt) {
		t.Fatalf("expected two newest-first transactions, got %+v", txs)
	}
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(ctx context.Context, userID string) (bool, int, error) {
	return false, 42, nil
}

func TestCreate_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.svc.rateLimiter = denyingLimiter{}

	_, err := env.svc.CreateTransaction(context.Background(), uuid.New(), domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 100})
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfterSeconds != 42 {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatal("expected ErrRateLimited in chain")
	}
}

func seedLimitProfile(t *testing.T, env *testEnv, userID uuid.UUID, daily int64) {
	t.Helper()
	limits := domain.TypeLimits{Daily: daily, Monthly: 100000, PerTransaction: 10000}
	_, err := env.repo.CreateLimitProfileIfAbsent(context.Background(), &domain.UserLimitProfile{
		UserID:   userID,
		Deposit:  limits,
		Withdraw: limits,
		Transfer: limits,
	})
	if err != nil {
		t.Fatalf("CreateLimitProfileIfAbsent: %v", err)
	}
}

func TestCreate_ConcurrentWithdrawalsCannotOverrunDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLimitProfile(t, env, userID, 500)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{
				Type: domain.TransactionTypeWithdraw, Amount: 400, DestinationKey: "ana@example.com",
			})
			mu.Lock()
			defer mu.Unlock()
			var limitErr *domain.LimitExceededError
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &limitErr):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || rejected != 19 {
		t.Fatalf("expected 1 accepted and 19 rejected, got %d and %d", accepted, rejected)
	}
	report, err := env.limits.Usage(ctx, userID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	for _, u := range report.Types {
		if u.Type == domain.TransactionTypeWithdraw && u.Usage.DailyCommitted() > 500 {
			t.Fatalf("daily usage above limit: %+v", u.Usage)
		}
	}
	if got := env.processor.createCalls.Load(); got != 1 {
		t.Fatalf("expected one processor call, got %d", got)
	}
}

func TestCreate_OpenPendingDepositReservesDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLimitProfile(t, env, userID, 500)

	first, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if first.Status != domain.StatusPending {
		t.Fatalf("expected PENDING deposit, got %s", first.Status)
	}

	env.processor.depositResp.ID = "qr-2"
	_, err = env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400})
	var limitErr *domain.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if limitErr.Result.Code != domain.LimitCodeDaily || limitErr.Result.Excess != 300 {
		t.Fatalf("unexpected rejection %+v", limitErr.Result)
	}
	if limitErr.Result.Usage.DailyReserved != 400 || limitErr.Result.Usage.DailyUsed != 0 {
		t.Fatalf("expected 400 reserved and nothing used, got %+v", limitErr.Result.Usage)
	}
}

func TestCreate_PendingReservationLapsesAtExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLimitProfile(t, env, userID, 500)

	if _, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400}); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	env.clock.Advance(ExpiryTimeout)
	env.processor.depositResp.ID = "qr-2"
	if _, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400}); err != nil {
		t.Fatalf("expected the stale reservation to be released, got %v", err)
	}
}

func TestCreate_DepositRejectedByProcessorDoesNotReserve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	seedLimitProfile(t, env, userID, 500)

	env.processor.depositErr = fmt.Errorf("timeout: %w", pixclient.ErrUnavailable)
	if _, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400}); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}

	env.processor.depositErr = nil
	if _, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{Type: domain.TransactionTypeDeposit, Amount: 400}); err != nil {
		t.Fatalf("expected second deposit to fit, got %v", err)
	}
}

func TestReconcile_ProcessingWithdrawalExpiredAtProcessorFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	tx, err := env.svc.CreateTransaction(ctx, userID, domain.CreateTransactionInput{
		Type: domain.TransactionTypeWithdraw, Amount: 1000, DestinationKey: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	env.processor.setStatus("wd-1", "expired")

	res, err := env.svc.Reconcile(ctx, userID, tx.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Changed || res.CurrentStatus != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %+v", res)
	}
	got, _ := env.repo.FindTransactionByID(ctx, tx.ID)
	if got.ErrorMessage == nil || *got.ErrorMessage != ProcessorExpiredMessage {
		t.Fatalf("expected processor expiry message, got %v", got.ErrorMessage)
	}
}

func TestReconcile_PendingDepositExpiredAtProcessorCarriesMessage(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	ctx := context.Background()
	userID := uuid.New()
	tx := createDepositWithWebhook(t, env, sub, userID, 100)
	env.processor.setStatus("qr-1", "expired")

	res, err := env.svc.Reconcile(ctx, userID, tx.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.CurrentStatus != domain.StatusExpired {
		t.Fatalf("expected EXPIRED, got %+v", res)
	}
	got, _ := env.repo.FindTransactionByID(ctx, tx.ID)
	if got.ErrorMessage == nil || *got.ErrorMessage != ExpiredMessage {
		t.Fatalf("expected expiry message, got %v", got.ErrorMessage)
	}
	if got.ProcessedAt == nil {
		t.Fatal("expected processed_at on expiry")
	}
	if c := sub.countEvent(domain.EventTransactionExpired); c != 1 {
		t.Fatalf("expected one transaction.expired delivery, got %d", c)
	}
}

func TestDepositWebhook_ExpiredAfterPaymentFails(t *testing.T) {
	env := newTestEnv(t)
	sub := newSubscriber(t)
	ctx := context.Background()
	tx := createDepositWithWebhook(t, env, sub, uuid.New(), 100)

	if _, err := env.svc.ProcessDepositWebhook(ctx, domain.DepositStatusEvent{QrID: "qr-1", Status: "paid"}); err != nil {
		t.Fatalf("ProcessDepositWebhook: %v", err)
	}
	res, err := env.svc.ProcessDepositWebhook(ctx, domain.DepositStatusEvent{QrID: "qr-1", Status: "expired"})
	if err != nil {
		t.Fatalf("ProcessDepositWebhook: %v", err)
	}
	if res.PreviousStatus != domain.StatusProcessing || res.NewStatus != domain.StatusFailed {
		t.Fatalf("expected PROCESSING -> FAILED, got %+v", res)
	}
	got, _ := env.repo.FindTransactionByID(ctx, tx.ID)
	if got.ErrorMessage == nil || *got.ErrorMessage != ProcessorExpiredMessage {
		t.Fatalf("expected processor expiry message, got %v", got.ErrorMessage)
	}
}

/**
 * @description
 * This file contains the core business logic for the transaction-service. The `Service`
 * struct owns the transaction lifecycle: it creates PIX transactions after limit checks,
 * calls the external processor, reconciles stored status against the processor and
 * applies every status change through a compare-and-swap on the stored status.
 *
 * Key features:
 * - Creation with per-type outcome policy (deposits wait for payment as PENDING,
 *   payouts move to PROCESSING once acknowledged).
 * - Polling reconciliation that degrades to the last known status when the processor
 *   is unreachable.
 * - Side effects (first-deposit limit upgrade, outbound webhooks, broker events) run
 *   only for the writer that won the transition.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/pixclient, pkg/rabbitmq: external processor and event publishing.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/metrics"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/pixgate/transaction-service/pkg/pixclient"
	"github.com/pixgate/transaction-service/pkg/rabbitmq"
)

// Transition sources, used for metrics and broker events.
const (
	SourceCreate  = "create"
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
	SourceCancel  = "cancel"
	SourceSweeper = "sweeper"
)

const (
	defaultMaxCASAttempts = 3
	defaultListLimit      = 20
	maxListLimit          = 100
	maxDescriptionLength  = 140
)

// CreateOutcome is the status a new transaction moves to after the processor call.
// PENDING means the transaction stays PENDING.
type CreateOutcome struct {
	OnAck     domain.TransactionStatus
	OnFailure domain.TransactionStatus
}

// CreatePolicy configures transaction creation and transition handling.
type CreatePolicy struct {
	Outcomes             map[domain.TransactionType]CreateOutcome
	ValidateKeys         bool
	InboundWebhookSecret string
	MaxCASAttempts       int
}

func DefaultCreatePolicy() CreatePolicy {
	return CreatePolicy{
		Outcomes: map[domain.TransactionType]CreateOutcome{
			domain.TransactionTypeDeposit:  {OnAck: domain.StatusPending, OnFailure: domain.StatusPending},
			domain.TransactionTypeWithdraw: {OnAck: domain.StatusProcessing, OnFailure: domain.StatusFailed},
			domain.TransactionTypeTransfer: {OnAck: domain.StatusProcessing, OnFailure: domain.StatusFailed},
		},
		MaxCASAttempts: defaultMaxCASAttempts,
	}
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Repo        store.Repository
	Processor   ProcessorClient
	Limits      *LimitService
	Webhooks    *Dispatcher
	Publisher   rabbitmq.Publisher
	RateLimiter CreateRateLimiter
	Audit       *Auditor
	Logger      *slog.Logger
}

// Service provides the core business logic for transactions.
type Service struct {
	repo        store.Repository
	processor   ProcessorClient
	limits      *LimitService
	webhooks    *Dispatcher
	publisher   rabbitmq.Publisher
	rateLimiter CreateRateLimiter
	audit       *Auditor
	policy      CreatePolicy
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new transaction service instance.
func NewService(deps Dependencies, policy CreatePolicy) *Service {
	if policy.MaxCASAttempts <= 0 {
		policy.MaxCASAttempts = defaultMaxCASAttempts
	}
	if policy.Outcomes == nil {
		policy.Outcomes = DefaultCreatePolicy().Outcomes
	}
	if deps.Publisher == nil {
		deps.Publisher = rabbitmq.NoopPublisher{}
	}
	return &Service{
		repo:        deps.Repo,
		processor:   deps.Processor,
		limits:      deps.Limits,
		webhooks:    deps.Webhooks,
		publisher:   deps.Publisher,
		rateLimiter: deps.RateLimiter,
		audit:       deps.Audit,
		policy:      policy,
		logger:      deps.Logger,
		now:         systemClock,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func validateCreateInput(in domain.CreateTransactionInput) error {
	var fields []domain.FieldError
	if !in.Type.Valid() {
		fields = append(fields, domain.FieldError{Field: "type", Message: "must be DEPOSIT, WITHDRAW or TRANSFER"})
	}
	if in.Amount <= 0 {
		fields = append(fields, domain.FieldError{Field: "amount", Message: "must be greater than zero"})
	}
	if in.Type != domain.TransactionTypeDeposit && strings.TrimSpace(in.DestinationKey) == "" {
		fields = append(fields, domain.FieldError{Field: "destination_key", Message: "is required"})
	}
	if len(in.Description) > maxDescriptionLength {
		fields = append(fields, domain.FieldError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", maxDescriptionLength)})
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

// CreateTransaction validates the request, enforces limits, persists a PENDING
// transaction and initiates it with the processor. When the processor call fails the
// returned error is a *ProcessorFailure carrying the stored transaction.
func (s *Service) CreateTransaction(ctx context.Context, userID uuid.UUID, in domain.CreateTransactionInput) (tx *domain.Transaction, err error) {
	defer func() {
		details := map[string]any{
			"type":            in.Type,
			"amount":          in.Amount,
			"destination_key": in.DestinationKey,
			"description":     in.Description,
		}
		entityID := ""
		if tx != nil {
			entityID = tx.ID.String()
			details["status"] = tx.Status
		}
		if err != nil {
			details["error"] = err.Error()
		}
		s.audit.Record(ctx, uuidPtr(userID), AuditTransactionCreate, entityID, err == nil, details)
	}()

	if s.rateLimiter != nil {
		allowed, retryAfter, rlErr := s.rateLimiter.Allow(ctx, userID.String())
		if rlErr != nil {
			s.logger.Warn("create rate limiter unavailable; allowing request", "user_id", userID, "error", rlErr)
		} else if !allowed {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	in.DestinationKey = strings.TrimSpace(in.DestinationKey)
	if err := validateCreateInput(in); err != nil {
		return nil, err
	}
	if in.Webhook != nil {
		if err := validateEvents(in.Webhook.Events); err != nil {
			return nil, err
		}
		if err := s.webhooks.ValidateURL(ctx, in.Webhook.URL); err != nil {
			return nil, err
		}
	}

	if s.policy.ValidateKeys && in.Type != domain.TransactionTypeDeposit {
		res, err := s.processor.ValidateKey(ctx, in.DestinationKey)
		if err != nil {
			metrics.ProcessorErrors.WithLabelValues("validate_key").Inc()
			return nil, mapProcessorError("validate pix key", err)
		}
		if !res.Valid {
			return nil, domain.NewValidationError("destination_key", "is not a valid PIX key")
		}
	}

	now := s.now()
	tx = &domain.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           in.Type,
		Status:         domain.StatusPending,
		Amount:         in.Amount,
		DestinationKey: in.DestinationKey,
		Description:    in.Description,
		Metadata:       domain.MergeMetadata(in.Metadata, map[string]any{domain.MetadataSource: "api"}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.limits.CreateWithinLimits(ctx, tx); err != nil {
		var limitErr *domain.LimitExceededError
		if errors.As(err, &limitErr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}
	metrics.TransactionsCreated.WithLabelValues(string(tx.Type)).Inc()
	s.logger.Info("transaction created", "transaction_id", tx.ID, "user_id", userID, "type", tx.Type, "amount", tx.Amount)

	if in.Webhook != nil {
		if _, err := s.webhooks.Register(ctx, userID, WebhookTarget{TransactionID: &tx.ID}, *in.Webhook); err != nil {
			s.logger.Error("failed to register transaction webhook", "transaction_id", tx.ID, "error", err)
		}
	}

	return s.initiate(ctx, tx)
}

type processorAck struct {
	externalID string
	patch      map[string]any
}

func (s *Service) callProcessor(ctx context.Context, tx *domain.Transaction) (*processorAck, error) {
	switch tx.Type {
	case domain.TransactionTypeDeposit:
		res, err := s.processor.CreateDeposit(ctx, tx.Amount, tx.DestinationKey, tx.Description)
		if err != nil {
			return nil, err
		}
		patch := map[string]any{domain.MetadataProcessor: rawProcessorPayload(res.Raw)}
		if res.QRCopyPaste != "" {
			patch[domain.MetadataQRCopyPaste] = res.QRCopyPaste
		}
		if res.QRImageURL != "" {
			patch[domain.MetadataQRImageURL] = res.QRImageURL
		}
		return &processorAck{externalID: res.ID, patch: patch}, nil
	default:
		res, err := s.processor.CreateWithdraw(ctx, tx.Amount, tx.DestinationKey, tx.Description)
		if err != nil {
			return nil, err
		}
		return &processorAck{
			externalID: res.ID,
			patch:      map[string]any{domain.MetadataProcessor: rawProcessorPayload(res.Raw)},
		}, nil
	}
}

func rawProcessorPayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// initiate calls the processor for a freshly stored PENDING transaction and applies the
// configured outcome.
func (s *Service) initiate(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	outcome, ok := s.policy.Outcomes[tx.Type]
	if !ok {
		outcome = CreateOutcome{OnAck: domain.StatusPending, OnFailure: domain.StatusPending}
	}

	ack, callErr := s.callProcessor(ctx, tx)
	if callErr != nil {
		metrics.ProcessorErrors.WithLabelValues("create_" + strings.ToLower(string(tx.Type))).Inc()
		s.logger.Error("processor rejected transaction", "transaction_id", tx.ID, "error", callErr)
		mapped := mapProcessorError("initiate "+strings.ToLower(string(tx.Type)), callErr)

		patch := map[string]any{domain.MetadataProcessorError: callErr.Error()}
		current := tx
		if outcome.OnFailure == domain.StatusPending {
			if err := s.repo.MergeTransactionMetadata(ctx, tx.ID, patch); err != nil {
				s.logger.Error("failed to record processor error", "transaction_id", tx.ID, "error", err)
			}
			if reloaded, err := s.repo.FindTransactionByID(ctx, tx.ID); err == nil {
				current = reloaded
			}
		} else {
			msg := "Processor request failed: " + callErr.Error()
			updated, _, err := s.transition(ctx, tx, transitionRequest{
				target:       outcome.OnFailure,
				errorMessage: &msg,
				patch:        patch,
				source:       SourceCreate,
			})
			if err != nil {
				s.logger.Error("failed to mark transaction after processor error", "transaction_id", tx.ID, "error", err)
			} else {
				current = updated
			}
		}
		return current, &ProcessorFailure{Transaction: current, Err: mapped}
	}

	if outcome.OnAck == domain.StatusPending {
		if _, err := s.repo.AttachExternalID(ctx, tx.ID, ack.externalID, ack.patch); err != nil {
			return tx, fmt.Errorf("failed to attach processor id: %w", err)
		}
		reloaded, err := s.repo.FindTransactionByID(ctx, tx.ID)
		if err != nil {
			return tx, fmt.Errorf("failed to reload transaction: %w", err)
		}
		return reloaded, nil
	}

	updated, _, err := s.transition(ctx, tx, transitionRequest{
		target:     outcome.OnAck,
		externalID: &ack.externalID,
		patch:      ack.patch,
		source:     SourceCreate,
	})
	if err != nil {
		return tx, err
	}
	return updated, nil
}

type transitionRequest struct {
	target       domain.TransactionStatus
	externalID   *string
	errorMessage *string
	patch        map[string]any
	source       string
}

// transition moves current towards req.target with a compare-and-swap on the stored
// status. A lost race reloads the row and retries while the target is still a forward
// edge; applied is false when another writer already settled the transaction.
func (s *Service) transition(ctx context.Context, current *domain.Transaction, req transitionRequest) (*domain.Transaction, bool, error) {
	tx := current
	for attempt := 1; attempt <= s.policy.MaxCASAttempts; attempt++ {
		if tx.Status == req.target || !domain.CanTransition(tx.Status, req.target) {
			return tx, false, nil
		}
		params := domain.TransitionParams{
			From:          tx.Status,
			To:            req.target,
			ExternalID:    req.externalID,
			MetadataPatch: req.patch,
		}
		switch req.target {
		case domain.StatusFailed:
			params.ErrorMessage = req.errorMessage
		case domain.StatusExpired:
			params.ErrorMessage = req.errorMessage
			if params.ErrorMessage == nil {
				msg := ExpiredMessage
				params.ErrorMessage = &msg
			}
			at := s.now()
			params.ProcessedAt = &at
		case domain.StatusCompleted:
			at := s.now()
			params.ProcessedAt = &at
		}

		updated, won, err := s.repo.UpdateStatusIfCurrent(ctx, tx.ID, params)
		if err != nil {
			return tx, false, fmt.Errorf("failed to update transaction status: %w", err)
		}
		if won {
			s.TransitionApplied(ctx, tx.Status, updated, req.source)
			return updated, true, nil
		}

		reloaded, err := s.repo.FindTransactionByID(ctx, tx.ID)
		if err != nil {
			return tx, false, fmt.Errorf("failed to reload transaction: %w", err)
		}
		s.logger.Debug("status update lost race", "transaction_id", tx.ID, "expected", tx.Status, "found", reloaded.Status, "attempt", attempt)
		tx = reloaded
	}

	if tx.Status == req.target || !domain.CanTransition(tx.Status, req.target) {
		return tx, false, nil
	}
	s.logger.Error("status update kept losing races", "transaction_id", tx.ID, "target", req.target, "attempts", s.policy.MaxCASAttempts)
	return tx, false, fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrInternalInconsistency)
}

// TransitionApplied runs the side effects of a status change. It is called only by the
// writer that won the transition.
func (s *Service) TransitionApplied(ctx context.Context, previous domain.TransactionStatus, tx *domain.Transaction, source string) {
	metrics.StatusTransitions.WithLabelValues(source, string(tx.Status)).Inc()
	s.logger.Info("transaction status changed", "transaction_id", tx.ID, "from", previous, "to", tx.Status, "source", source)

	if tx.Status == domain.StatusCompleted && tx.Type == domain.TransactionTypeDeposit && s.limits != nil {
		if err := s.limits.ProcessSuccessfulTransaction(ctx, tx.UserID, tx.Type); err != nil {
			s.logger.Error("failed to process successful deposit for limits", "transaction_id", tx.ID, "error", err)
		}
	}

	if event, ok := domain.EventForStatus(tx.Status); ok && s.webhooks != nil {
		s.webhooks.Notify(ctx, tx, event)
	}

	evt := domain.LifecycleEvent{
		EventID:        uuid.NewString(),
		EventType:      "transaction." + strings.ToLower(string(tx.Status)),
		TransactionID:  tx.ID.String(),
		UserID:         tx.UserID.String(),
		Type:           tx.Type,
		PreviousStatus: previous,
		Status:         tx.Status,
		Amount:         tx.Amount,
		Source:         source,
		OccurredAt:     s.now(),
	}
	if tx.ExternalID != nil {
		evt.ExternalID = *tx.ExternalID
	}
	if err := s.publisher.Publish(ctx, evt.EventType, evt); err != nil {
		s.logger.Warn("failed to publish lifecycle event", "transaction_id", tx.ID, "event", evt.EventType, "error", err)
	}
}

func (s *Service) ownedTransaction(ctx context.Context, userID, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return tx, nil
}

// GetTransaction returns a transaction owned by userID.
func (s *Service) GetTransaction(ctx context.Context, userID, id uuid.UUID) (*domain.Transaction, error) {
	return s.ownedTransaction(ctx, userID, id)
}

// ListTransactions returns the user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactionsByUserID(ctx, userID, limit, offset)
}

// CancelTransaction moves a PENDING transaction to CANCELLED.
func (s *Service) CancelTransaction(ctx context.Context, userID, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.ownedTransaction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		return nil, fmt.Errorf("cannot cancel a %s transaction: %w", tx.Status, domain.ErrInvalidTransition)
	}
	updated, applied, err := s.transition(ctx, tx, transitionRequest{target: domain.StatusCancelled, source: SourceCancel})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("cannot cancel a %s transaction: %w", updated.Status, domain.ErrInvalidTransition)
	}
	s.audit.Record(ctx, uuidPtr(userID), AuditTransactionCancel, updated.ID.String(), true, nil)
	return updated, nil
}

// Reconcile brings the stored status in line with the processor. Terminal transactions
// are returned without a processor call; processor errors become a warning.
func (s *Service) Reconcile(ctx context.Context, userID, id uuid.UUID) (*domain.ReconciliationResult, error) {
	tx, err := s.ownedTransaction(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	result := &domain.ReconciliationResult{
		Transaction:    tx,
		PreviousStatus: tx.Status,
		CurrentStatus:  tx.Status,
	}
	if tx.Status.IsTerminal() {
		return result, nil
	}
	if tx.ExternalID == nil || *tx.ExternalID == "" {
		result.Warning = "transaction has not been acknowledged by the processor yet"
		return result, nil
	}

	var status *pixclient.StatusResponse
	if tx.Type == domain.TransactionTypeDeposit {
		status, err = s.processor.GetDepositStatus(ctx, *tx.ExternalID)
	} else {
		status, err = s.processor.GetWithdrawStatus(ctx, *tx.ExternalID)
	}
	if err != nil {
		metrics.ProcessorErrors.WithLabelValues("get_status").Inc()
		s.logger.Warn("processor status check failed; returning stored status", "transaction_id", tx.ID, "error", err)
		result.Warning = "processor unavailable; returning last known status"
		return result, nil
	}

	result.VendorStatus = status.Status
	mapped, known := domain.MapVendorStatus(status.Status)
	if !known {
		s.logger.Warn("unrecognized processor status", "transaction_id", tx.ID, "vendor_status", status.Status)
		result.Warning = fmt.Sprintf("unrecognized processor status %q", status.Status)
		return result, nil
	}

	patch := domain.DepositStatusEvent{
		BankTxID:       status.BankTxID,
		BlockchainTxID: status.BlockchainTxID,
		PayerName:      status.PayerName,
		PayerEUID:      status.PayerEUID,
		PayerTaxNumber: status.PayerTaxNumber,
	}.MetadataPatch()

	target, errorMessage := processorOutcome(tx.Status, mapped, status.Status)
	if target == tx.Status {
		return result, nil
	}
	updated, applied, err := s.transition(ctx, tx, transitionRequest{
		target:       target,
		errorMessage: errorMessage,
		patch:        patch,
		source:       SourcePoll,
	})
	if err != nil {
		return nil, err
	}
	result.Transaction = updated
	result.CurrentStatus = updated.Status
	result.Changed = applied
	return result, nil
}

// ProcessorExpiredMessage is stored when the processor expires a transaction that had
// already been submitted for settlement.
const ProcessorExpiredMessage = "Payment expired at processor after submission"

// processorOutcome maps a processor-reported status onto the local target and error
// message. A PROCESSING transaction cannot expire, so a processor expiry fails it.
func processorOutcome(current, mapped domain.TransactionStatus, vendorStatus string) (domain.TransactionStatus, *string) {
	switch {
	case mapped == domain.StatusExpired && current == domain.StatusProcessing:
		msg := ProcessorExpiredMessage
		return domain.StatusFailed, &msg
	case mapped == domain.StatusExpired:
		msg := ExpiredMessage
		return mapped, &msg
	case mapped == domain.StatusFailed:
		msg := fmt.Sprintf("Payment failed at processor (status: %s)", domain.NormalizeVendorStatus(vendorStatus))
		return mapped, &msg
	}
	return mapped, nil
}

// ProcessorBalance returns the processor account balance.
func (s *Service) ProcessorBalance(ctx context.Context) (*pixclient.BalanceResponse, error) {
	bal, err := s.processor.GetBalance(ctx)
	if err != nil {
		metrics.ProcessorErrors.WithLabelValues("get_balance").Inc()
		return nil, mapProcessorError("get balance", err)
	}
	return bal, nil
}

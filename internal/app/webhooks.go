/**
 * @description
 * Outbound webhook registration and delivery. Registrations belong to a transaction
 * or a payment link; each delivery is signed with the registration's secret, recorded
 * as an append-only attempt and retried out of band with exponential backoff.
 *
 * @dependencies
 * - pkg/webhookclient: signed HTTP POST.
 * - pkg/secretbox: secret hints; encryption itself goes through SecretCipher.
 * - internal/store: registration and attempt persistence.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/metrics"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/pixgate/transaction-service/pkg/secretbox"
	"github.com/pixgate/transaction-service/pkg/webhookclient"
)

const (
	webhookSecretPrefix   = "whsec_"
	urlProbeTimeout       = 5 * time.Second
	decryptFailureMessage = "webhook secret could not be decrypted"
	legacySecretMessage   = "webhook secret is stored without encryption; run the secret migration"
)

// RetryPolicy controls redelivery of failed webhook attempts.
type RetryPolicy struct {
	BaseBackoff          time.Duration
	MaxAttempts          int
	DisableAfterFailures int
	RetryBatchSize       int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff:          time.Minute,
		MaxAttempts:          5,
		DisableAfterFailures: 20,
		RetryBatchSize:       100,
	}
}

// NextRetry returns when attempt number `attempt` should be retried, or nil once the
// attempt budget is spent.
func (p RetryPolicy) NextRetry(attempt int, from time.Time) *time.Time {
	if attempt >= p.MaxAttempts {
		return nil
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	at := from.Add(p.BaseBackoff * time.Duration(1<<shift))
	return &at
}

// HostResolver resolves webhook hosts. *net.Resolver satisfies it.
type HostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type webhookPoster interface {
	Post(ctx context.Context, r webhookclient.Request) (*webhookclient.Response, error)
}

// WebhookTarget names what a registration is attached to.
type WebhookTarget struct {
	TransactionID *uuid.UUID
	PaymentLinkID *string
}

// TransactionWebhookData is the `data` member of a transaction event.
type TransactionWebhookData struct {
	TransactionID string                   `json:"transactionId"`
	ExternalID    string                   `json:"externalId,omitempty"`
	PaymentLinkID string                   `json:"paymentLinkId,omitempty"`
	Type          domain.TransactionType   `json:"type"`
	Status        domain.TransactionStatus `json:"status"`
	Amount        int64                    `json:"amount"`
	ErrorMessage  string                   `json:"errorMessage,omitempty"`
	Payer         any                      `json:"payer,omitempty"`
	CreatedAt     time.Time                `json:"createdAt"`
	ProcessedAt   *time.Time               `json:"processedAt,omitempty"`
}

func newTransactionWebhookData(tx *domain.Transaction) TransactionWebhookData {
	data := TransactionWebhookData{
		TransactionID: tx.ID.String(),
		PaymentLinkID: tx.PaymentLinkID(),
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Payer:         tx.Metadata[domain.MetadataPayer],
		CreatedAt:     tx.CreatedAt,
		ProcessedAt:   tx.ProcessedAt,
	}
	if tx.ExternalID != nil {
		data.ExternalID = *tx.ExternalID
	}
	if tx.ErrorMessage != nil {
		data.ErrorMessage = *tx.ErrorMessage
	}
	return data
}

// Dispatcher registers webhooks and delivers signed events to them.
type Dispatcher struct {
	repo       store.WebhookRepository
	cipher     SecretCipher
	client     webhookPoster
	runner     TaskRunner
	policy     RetryPolicy
	resolver   HostResolver
	production bool
	audit      *Auditor
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(repo store.WebhookRepository, cipher SecretCipher, client webhookPoster, runner TaskRunner, policy RetryPolicy, production bool, audit *Auditor, logger *slog.Logger) *Dispatcher {
	if runner == nil {
		runner = InlineRunner{}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = time.Minute
	}
	if policy.RetryBatchSize <= 0 {
		policy.RetryBatchSize = 100
	}
	return &Dispatcher{
		repo:       repo,
		cipher:     cipher,
		client:     client,
		runner:     runner,
		policy:     policy,
		resolver:   net.DefaultResolver,
		production: production,
		audit:      audit,
		logger:     logger,
		now:        systemClock,
	}
}

func (d *Dispatcher) SetResolver(r HostResolver)   { d.resolver = r }
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// ValidateURL checks that raw is an absolute http(s) URL. In production it must be
// https and its host must not resolve to a loopback, private or link-local address.
func (d *Dispatcher) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return domain.NewValidationError("url", "must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if d.production {
			return domain.NewValidationError("url", "must use https")
		}
	default:
		return domain.NewValidationError("url", "scheme must be http or https")
	}
	if !d.production {
		return nil
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			return domain.NewValidationError("url", "must not point to a private or loopback address")
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return domain.NewValidationError("url", "must not point to a private or loopback address")
	}

	probeCtx, cancel := context.WithTimeout(ctx, urlProbeTimeout)
	defer cancel()
	addrs, err := d.resolver.LookupIPAddr(probeCtx, host)
	if err != nil || len(addrs) == 0 {
		return domain.NewValidationError("url", "host could not be resolved")
	}
	for _, a := range addrs {
		if disallowedIP(a.IP) {
			return domain.NewValidationError("url", "must not point to a private or loopback address")
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

func validateEvents(events []string) error {
	for _, e := range events {
		if !domain.IsSupportedWebhookEvent(e) {
			return domain.NewValidationError("events", fmt.Sprintf("unsupported event %q", e))
		}
	}
	return nil
}

func generateWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return webhookSecretPrefix + hex.EncodeToString(b), nil
}

// Register validates cfg and stores a new registration. The plaintext secret is
// returned only here.
func (d *Dispatcher) Register(ctx context.Context, userID uuid.UUID, target WebhookTarget, cfg domain.WebhookConfig) (*domain.RegisteredWebhook, error) {
	if target.TransactionID == nil && (target.PaymentLinkID == nil || *target.PaymentLinkID == "") {
		return nil, domain.NewValidationError("target", "a transaction or payment link is required")
	}
	if err := validateEvents(cfg.Events); err != nil {
		return nil, err
	}
	if err := d.ValidateURL(ctx, cfg.URL); err != nil {
		return nil, err
	}

	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		generated, err := generateWebhookSecret()
		if err != nil {
			return nil, fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = generated
	}
	encrypted, err := d.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt webhook secret: %w", err)
	}

	now := d.now()
	reg := &domain.WebhookRegistration{
		ID:              uuid.New(),
		UserID:          userID,
		TransactionID:   target.TransactionID,
		PaymentLinkID:   target.PaymentLinkID,
		URL:             strings.TrimSpace(cfg.URL),
		Events:          append([]string(nil), cfg.Events...),
		EncryptedSecret: encrypted,
		SecretHint:      secretbox.Hint(secret),
		Headers:         cfg.Headers,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if reg.Headers == nil {
		reg.Headers = map[string]string{}
	}
	if err := d.repo.CreateWebhook(ctx, reg); err != nil {
		return nil, fmt.Errorf("create webhook registration: %w", err)
	}

	d.audit.Record(ctx, uuidPtr(userID), AuditWebhookRegister, reg.ID.String(), true, map[string]any{
		"url":    reg.URL,
		"events": reg.Events,
	})
	d.logger.Info("webhook registered", "webhook_id", reg.ID, "user_id", userID)
	return &domain.RegisteredWebhook{Registration: reg, Secret: secret}, nil
}

func (d *Dispatcher) ownedRegistration(ctx context.Context, userID, id uuid.UUID) (*domain.WebhookRegistration, error) {
	reg, err := d.repo.FindWebhookByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return reg, nil
}

func (d *Dispatcher) List(ctx context.Context, userID uuid.UUID) ([]domain.WebhookRegistration, error) {
	return d.repo.ListWebhooksByUserID(ctx, userID)
}

// Update applies an owner update. A new secret is encrypted before it is stored.
func (d *Dispatcher) Update(ctx context.Context, userID, id uuid.UUID, upd domain.WebhookUpdate) (*domain.WebhookRegistration, error) {
	reg, err := d.ownedRegistration(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if upd.URL != nil {
		if err := d.ValidateURL(ctx, *upd.URL); err != nil {
			return nil, err
		}
		reg.URL = strings.TrimSpace(*upd.URL)
	}
	if upd.Events != nil {
		if err := validateEvents(upd.Events); err != nil {
			return nil, err
		}
		reg.Events = upd.Events
	}
	if upd.Secret != nil {
		secret := strings.TrimSpace(*upd.Secret)
		if secret == "" {
			return nil, domain.NewValidationError("secret", "must not be empty")
		}
		encrypted, err := d.cipher.Encrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("encrypt webhook secret: %w", err)
		}
		reg.EncryptedSecret = encrypted
		reg.SecretHint = secretbox.Hint(secret)
	}
	if upd.Headers != nil {
		reg.Headers = upd.Headers
	}
	if upd.Active != nil {
		reg.Active = *upd.Active
		if reg.Active {
			reg.ConsecutiveFailures = 0
		}
	}
	reg.UpdatedAt = d.now()
	if err := d.repo.UpdateWebhook(ctx, reg); err != nil {
		return nil, fmt.Errorf("update webhook registration: %w", err)
	}
	return reg, nil
}

func (d *Dispatcher) Deactivate(ctx context.Context, userID, id uuid.UUID) error {
	inactive := false
	_, err := d.Update(ctx, userID, id, domain.WebhookUpdate{Active: &inactive})
	return err
}

// Attempts returns the most recent delivery attempts of an owned registration.
func (d *Dispatcher) Attempts(ctx context.Context, userID, id uuid.UUID, limit int) ([]domain.WebhookDeliveryAttempt, error) {
	if _, err := d.ownedRegistration(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return d.repo.ListDeliveryAttempts(ctx, id, limit)
}

// Notify fans event out to every active registration of tx on the task runner.
// Delivery failures never reach the caller.
func (d *Dispatcher) Notify(ctx context.Context, tx *domain.Transaction, event string) {
	regs, err := d.repo.ListActiveWebhooksForTransaction(ctx, tx.ID, tx.PaymentLinkID())
	if err != nil {
		d.logger.Error("failed to list webhooks for transaction", "transaction_id", tx.ID, "error", err)
		return
	}
	data := newTransactionWebhookData(tx)
	for _, reg := range regs {
		if !reg.Subscribes(event) {
			continue
		}
		d.runner.Submit(func() {
			if _, err := d.Deliver(context.Background(), reg, event, data); err != nil {
				d.logger.Warn("webhook delivery not completed", "webhook_id", reg.ID, "event", event, "error", err)
			}
		})
	}
}

// Deliver sends one event to reg as the first attempt of a new delivery.
func (d *Dispatcher) Deliver(ctx context.Context, reg domain.WebhookRegistration, event string, data any) (*domain.WebhookDeliveryAttempt, error) {
	body, err := json.Marshal(domain.WebhookEnvelope{
		Event:     event,
		Data:      data,
		Timestamp: d.now(),
		WebhookID: reg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook envelope: %w", err)
	}
	return d.deliverPayload(ctx, reg, event, body, uuid.New(), 1)
}

func (d *Dispatcher) deliverPayload(ctx context.Context, reg domain.WebhookRegistration, event string, body []byte, deliveryID uuid.UUID, attemptNumber int) (*domain.WebhookDeliveryAttempt, error) {
	attempt := &domain.WebhookDeliveryAttempt{
		ID:             uuid.New(),
		RegistrationID: reg.ID,
		DeliveryID:     deliveryID,
		EventType:      event,
		Payload:        body,
		Outcome:        domain.DeliveryFailed,
		AttemptNumber:  attemptNumber,
		CreatedAt:      d.now(),
	}

	secret, err := d.cipher.Decrypt(reg.EncryptedSecret)
	if err != nil {
		// Retrying can not fix the key, so no next-retry is scheduled.
		deliveryErr := fmt.Errorf("webhook %s: %w", reg.ID, domain.ErrSecretDecryption)
		attempt.ErrorMessage = decryptFailureMessage
		if errors.Is(err, secretbox.ErrLegacy) {
			deliveryErr = fmt.Errorf("webhook %s: %w", reg.ID, domain.ErrLegacySecret)
			attempt.ErrorMessage = legacySecretMessage
		}
		d.record(ctx, reg, attempt)
		d.logger.Error("webhook secret unusable", "webhook_id", reg.ID, "error", deliveryErr)
		return attempt, deliveryErr
	}

	resp, postErr := d.client.Post(ctx, webhookclient.Request{
		URL:     reg.URL,
		Body:    body,
		Secret:  secret,
		Headers: reg.Headers,
	})
	if resp != nil {
		code := resp.StatusCode
		attempt.StatusCode = &code
		attempt.ResponseExcerpt = resp.Excerpt
	}
	switch {
	case postErr != nil:
		attempt.ErrorMessage = postErr.Error()
	case !resp.OK():
		attempt.ErrorMessage = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	default:
		attempt.Outcome = domain.DeliverySuccess
	}
	if attempt.Outcome == domain.DeliveryFailed {
		attempt.NextRetryAt = d.policy.NextRetry(attemptNumber, attempt.CreatedAt)
	}
	d.record(ctx, reg, attempt)
	return attempt, nil
}

func (d *Dispatcher) record(ctx context.Context, reg domain.WebhookRegistration, attempt *domain.WebhookDeliveryAttempt) {
	metrics.WebhookDeliveries.WithLabelValues(strings.ToLower(string(attempt.Outcome))).Inc()
	if err := d.repo.CreateDeliveryAttempt(ctx, attempt); err != nil {
		d.logger.Error("failed to record webhook attempt", "webhook_id", reg.ID, "error", err)
	}
	success := attempt.Outcome == domain.DeliverySuccess
	deactivated, err := d.repo.RecordDeliveryResult(ctx, reg.ID, success, attempt.CreatedAt, d.policy.DisableAfterFailures)
	if err != nil {
		d.logger.Error("failed to update webhook delivery state", "webhook_id", reg.ID, "error", err)
		return
	}
	if deactivated {
		d.logger.Warn("webhook deactivated after repeated failures", "webhook_id", reg.ID, "threshold", d.policy.DisableAfterFailures)
	}
	if !success {
		d.logger.Info("webhook delivery failed", "webhook_id", reg.ID, "event", attempt.EventType,
			"attempt", attempt.AttemptNumber, "dead", attempt.NextRetryAt == nil)
	}
}

// RetryDue redelivers failed attempts whose next-retry time has passed. Each attempt is
// claimed first so concurrent runners never deliver it twice.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	now := d.now()
	due, err := d.repo.ListDueDeliveryAttempts(ctx, now, d.policy.RetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due webhook attempts: %w", err)
	}
	retried := 0
	for _, a := range due {
		claimed, err := d.repo.ClaimDeliveryRetry(ctx, a.ID, now)
		if err != nil {
			d.logger.Error("failed to claim webhook retry", "attempt_id", a.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		reg, err := d.repo.FindWebhookByID(ctx, a.RegistrationID)
		if err != nil {
			d.logger.Warn("webhook for retry not found", "webhook_id", a.RegistrationID, "error", err)
			continue
		}
		if !reg.Active {
			continue
		}
		if _, err := d.deliverPayload(ctx, *reg, a.EventType, a.Payload, a.DeliveryID, a.AttemptNumber+1); err != nil {
			d.logger.Warn("webhook retry not completed", "webhook_id", reg.ID, "error", err)
		}
		retried++
	}
	return retried, nil
}

// MigrateLegacySecrets encrypts secrets that were stored as plaintext.
func (d *Dispatcher) MigrateLegacySecrets(ctx context.Context) (int, error) {
	regs, err := d.repo.ListLegacySecretWebhooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list legacy webhook secrets: %w", err)
	}
	migrated := 0
	for _, reg := range regs {
		if reg.EncryptedSecret == "" {
			continue
		}
		encrypted, changed, err := d.cipher.MigrateLegacy(reg.EncryptedSecret)
		if err != nil {
			return migrated, fmt.Errorf("encrypt legacy secret for webhook %s: %w", reg.ID, err)
		}
		if !changed {
			continue
		}
		if err := d.repo.UpdateWebhookSecret(ctx, reg.ID, encrypted, secretbox.Hint(reg.EncryptedSecret)); err != nil {
			return migrated, fmt.Errorf("store migrated secret for webhook %s: %w", reg.ID, err)
		}
		migrated++
	}
	if migrated > 0 {
		d.logger.Info("migrated legacy webhook secrets", "count", migrated)
	}
	return migrated, nil
}

// VerifySignature checks an X-Signature header against body.
func VerifySignature(secret string, body []byte, header string) bool {
	return webhookclient.Verify(secret, body, header)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Webhook event names delivered to subscribers.
const (
	EventTransactionProcessing = "transaction.processing"
	EventTransactionPaid       = "transaction.paid"
	EventTransactionFailed     = "transaction.failed"
	EventTransactionExpired    = "transaction.expired"
	EventTransactionCancelled  = "transaction.cancelled"
)

// SupportedWebhookEvents is the closed set a registration may subscribe to.
var SupportedWebhookEvents = []string{
	EventTransactionProcessing,
	EventTransactionPaid,
	EventTransactionFailed,
	EventTransactionExpired,
	EventTransactionCancelled,
}

// IsSupportedWebhookEvent reports whether name is a known event.
func IsSupportedWebhookEvent(name string) bool {
	for _, e := range SupportedWebhookEvents {
		if e == name {
			return true
		}
	}
	return false
}

// EventForStatus returns the webhook event emitted when a transaction enters status.
func EventForStatus(status TransactionStatus) (string, bool) {
	switch status {
	case StatusProcessing:
		return EventTransactionProcessing, true
	case StatusCompleted:
		return EventTransactionPaid, true
	case StatusFailed:
		return EventTransactionFailed, true
	case StatusExpired:
		return EventTransactionExpired, true
	case StatusCancelled:
		return EventTransactionCancelled, true
	}
	return "", false
}

// WebhookConfig is the caller-supplied registration input.
type WebhookConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Events  []string          `json:"events" validate:"omitempty,dive,required"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookRegistration maps to the `webhook_registrations` table.
// EncryptedSecret is opaque ciphertext and never leaves the service.
type WebhookRegistration struct {
	ID                  uuid.UUID         `json:"id"`
	UserID              uuid.UUID         `json:"user_id"`
	TransactionID       *uuid.UUID        `json:"transaction_id,omitempty"`
	PaymentLinkID       *string           `json:"payment_link_id,omitempty"`
	URL                 string            `json:"url"`
	Events              []string          `json:"events"`
	EncryptedSecret     string            `json:"-"`
	SecretHint          string            `json:"secret_hint"`
	Headers             map[string]string `json:"headers"`
	Active              bool              `json:"active"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time        `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Subscribes reports whether the registration receives event.
// An empty event list subscribes to every event.
func (r *WebhookRegistration) Subscribes(event string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == event {
			return true
		}
	}
	return false
}

// RegisteredWebhook is returned once at creation time together with the plaintext secret.
type RegisteredWebhook struct {
	Registration *WebhookRegistration `json:"registration"`
	Secret       string               `json:"secret"`
}

// WebhookUpdate is an owner update. Nil fields are left unchanged.
type WebhookUpdate struct {
	URL     *string           `json:"url,omitempty" validate:"omitempty,url"`
	Events  []string          `json:"events,omitempty"`
	Secret  *string           `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Active  *bool             `json:"active,omitempty"`
}

// DeliveryOutcome is the result of one delivery attempt.
type DeliveryOutcome string

const (
	DeliverySuccess DeliveryOutcome = "SUCCESS"
	DeliveryFailed  DeliveryOutcome = "FAILED"
)

// WebhookDeliveryAttempt maps to the append-only `webhook_delivery_attempts` table.
type WebhookDeliveryAttempt struct {
	ID              uuid.UUID       `json:"id"`
	RegistrationID  uuid.UUID       `json:"registration_id"`
	DeliveryID      uuid.UUID       `json:"delivery_id"`
	EventType       string          `json:"event_type"`
	Payload         []byte          `json:"payload"`
	Outcome         DeliveryOutcome `json:"outcome"`
	StatusCode      *int            `json:"status_code,omitempty"`
	ResponseExcerpt string          `json:"response_excerpt,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	AttemptNumber   int             `json:"attempt_number"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	RetriedAt       *time.Time      `json:"retried_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WebhookEnvelope is the outbound body.
type WebhookEnvelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	WebhookID uuid.UUID `json:"webhookId"`
}

// AuditEntry maps to the `audit_logs` table.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	EntityID  *string        `json:"entity_id,omitempty"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

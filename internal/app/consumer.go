package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/pkg/rabbitmq"
)

// DepositStatusRoutingKey is the binding for processor deposit callbacks relayed
// through the broker.
const DepositStatusRoutingKey = "pix.deposit.status"

type depositWebhookProcessor interface {
	ProcessDepositWebhook(ctx context.Context, event domain.DepositStatusEvent) (*domain.DepositWebhookResult, error)
}

// DepositStatusConsumer feeds queued deposit callbacks into the lifecycle manager.
type DepositStatusConsumer struct {
	processor depositWebhookProcessor
}

func NewDepositStatusConsumer(processor depositWebhookProcessor) *DepositStatusConsumer {
	return &DepositStatusConsumer{processor: processor}
}

// HandleMessage decides the fate of one delivery: malformed or unmatched events are
// rejected, infrastructure errors are requeued.
func (c *DepositStatusConsumer) HandleMessage(body []byte) rabbitmq.Disposition {
	var event domain.DepositStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=deposit-consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return rabbitmq.Reject
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.processor.ProcessDepositWebhook(ctx, event)
	switch {
	case err == nil:
		log.Printf("level=info component=deposit-consumer msg=\"deposit status processed\" qr_id=%s tx_id=%s status=%s message=%q",
			event.QrID, result.TransactionID, result.NewStatus, result.Message)
		return rabbitmq.Ack
	case errors.Is(err, domain.ErrNotFound):
		log.Printf("level=warn component=deposit-consumer msg=\"no transaction for qr id\" qr_id=%s", event.QrID)
		return rabbitmq.Reject
	case errors.Is(err, domain.ErrValidation):
		log.Printf("level=warn component=deposit-consumer msg=\"invalid deposit status event\" err=%v", err)
		return rabbitmq.Reject
	default:
		log.Printf("level=error component=deposit-consumer msg=\"processing failed; requeueing\" qr_id=%s err=%v", event.QrID, err)
		return rabbitmq.Requeue
	}
}

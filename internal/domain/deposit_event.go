package domain

import "time"

// DepositStatusEvent is the processor callback for a deposit, delivered either over
// HTTP or through the `pix.deposit.status` queue.
type DepositStatusEvent struct {
	BankTxID        string `json:"bankTxId"`
	BlockchainTxID  string `json:"blockchainTxID"`
	PayerName       string `json:"payerName"`
	PayerEUID       string `json:"payerEUID"`
	PayerTaxNumber  string `json:"payerTaxNumber"`
	PixKey          string `json:"pixKey"`
	QrID            string `json:"qrId" validate:"required"`
	Status          string `json:"status" validate:"required"`
	ValueInCents    int64  `json:"valueInCents"`
	CustomerMessage string `json:"customerMessage,omitempty"`
	Expiration      string `json:"expiration"`
}

// MetadataPatch returns the payer and bank fields the event reveals.
func (e DepositStatusEvent) MetadataPatch() map[string]any {
	patch := map[string]any{}
	payer := map[string]any{}
	if e.PayerName != "" {
		payer["name"] = e.PayerName
	}
	if e.PayerEUID != "" {
		payer["euid"] = e.PayerEUID
	}
	if e.PayerTaxNumber != "" {
		payer["tax_number"] = e.PayerTaxNumber
	}
	if len(payer) > 0 {
		patch[MetadataPayer] = payer
	}
	if e.BankTxID != "" {
		patch[MetadataBankTxID] = e.BankTxID
	}
	if e.BlockchainTxID != "" {
		patch[MetadataBlockchainTxID] = e.BlockchainTxID
	}
	if e.CustomerMessage != "" {
		patch[MetadataCustomerMessage] = e.CustomerMessage
	}
	return patch
}

// DepositWebhookResult is the inbound webhook response body.
type DepositWebhookResult struct {
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	TransactionID  string            `json:"transactionId,omitempty"`
	PreviousStatus TransactionStatus `json:"previousStatus,omitempty"`
	NewStatus      TransactionStatus `json:"newStatus,omitempty"`
}

// LifecycleEvent is published to the events exchange on every applied transition.
type LifecycleEvent struct {
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	TransactionID  string            `json:"transaction_id"`
	UserID         string            `json:"user_id"`
	Type           TransactionType   `json:"type"`
	PreviousStatus TransactionStatus `json:"previous_status"`
	Status         TransactionStatus `json:"status"`
	Amount         int64             `json:"amount"`
	ExternalID     string            `json:"external_id,omitempty"`
	Source         string            `json:"source"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

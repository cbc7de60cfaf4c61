package domain

import (
	"time"
)

type FailureReason string
type EventStatus string

const (
	ReasonInsufficientFunds FailureReason = "insufficient_funds"
	ReasonExpiredCard       FailureReason = "expired_card"
	ReasonNetworkError      FailureReason = "network_error"

	StatusReceived   EventStatus = "received"
	StatusProcessing EventStatus = "processing"
	StatusResolved   EventStatus = "resolved"
	StatusEscalated  EventStatus = "escalated"
)

// PaymentFailureEvent is produced by the ingestion layer. EventID is the
// provider-scoped idempotency key. The pipeline only reads events.
type PaymentFailureEvent struct {
	EventID       string        `json:"event_id"`
	CompanyID     string        `json:"company_id"`
	ProviderID    string        `json:"provider_id"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	FailureReason FailureReason `json:"failure_reason"`
	RetryCount    int           `json:"retry_count"`
	Status        EventStatus   `json:"status"`
	ReceivedAt    time.Time     `json:"received_at"`
}

// Amount returns the amount in major currency units.
func (e *PaymentFailureEvent) Amount() float64 {
	return float64(e.AmountCents) / 100
}

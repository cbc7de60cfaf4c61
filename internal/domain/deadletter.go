package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry records an event whose downstream processing failed after
// rule evaluation. Event ids are only unique per provider, so stores key
// entries by (ProviderID, EventID) and reject a second save of the same pair.
type DeadLetterEntry struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	ProviderID string    `json:"provider_id"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	CompanyID  string    `json:"company_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewDeadLetterEntry(event *PaymentFailureEvent, payload []byte, cause error, createdAt time.Time) *DeadLetterEntry {
	entry := &DeadLetterEntry{
		ID:         uuid.NewString(),
		EventID:    event.EventID,
		ProviderID: event.ProviderID,
		Payload:    payload,
		CompanyID:  event.CompanyID,
		CreatedAt:  createdAt,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry
}

package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewDeadLetterEntry(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := &PaymentFailureEvent{EventID: "evt_1", CompanyID: "c1", ProviderID: "stripe"}

	entry := NewDeadLetterEntry(ev, []byte(`{"event_id":"evt_1"}`), errors.New("slack unavailable"), now)

	if entry.EventID != "evt_1" || entry.ProviderID != "stripe" || entry.CompanyID != "c1" {
		t.Fatalf("unexpected keys: %+v", entry)
	}
	if entry.Error != "slack unavailable" {
		t.Errorf("expected error text to be copied, got %q", entry.Error)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Errorf("expected created at %s, got %s", now, entry.CreatedAt)
	}
	if entry.ID == "" {
		t.Errorf("expected a generated record id")
	}
}

func TestPaymentFailureEvent_Amount(t *testing.T) {
	ev := &PaymentFailureEvent{AmountCents: 123456}
	if got := ev.Amount(); got != 1234.56 {
		t.Fatalf("expected 1234.56, got %v", got)
	}
}

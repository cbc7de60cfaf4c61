package validator

import (
	"errors"
	"testing"

	"payment_recovery/internal/domain"
)

func validEvent() *domain.PaymentFailureEvent {
	return &domain.PaymentFailureEvent{
		EventID:       "evt_1",
		CompanyID:     "c1",
		ProviderID:    "stripe",
		AmountCents:   2500,
		Currency:      "USD",
		FailureReason: domain.ReasonExpiredCard,
	}
}

func TestEventValidator_ValidEvent(t *testing.T) {
	v := NewEventValidator()

	err := v.ValidateEvent(validEvent())

	if err != nil {
		t.Fatalf("expected valid event, got err=%v", err)
	}
}

func TestEventValidator_UnknownReasonIsAccepted(t *testing.T) {
	v := NewEventValidator()
	ev := validEvent()
	ev.FailureReason = "do_not_honor"
	ev.Currency = ""

	if err := v.ValidateEvent(ev); err != nil {
		t.Fatalf("expected unknown reason and empty currency to pass, got %v", err)
	}
}

func TestEventValidator_MissingIdentifiers(t *testing.T) {
	v := NewEventValidator()
	ev := validEvent()
	ev.EventID = ""
	ev.ProviderID = ""

	err := v.ValidateEvent(ev)

	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if !errors.Is(err, ErrMissingEventID) || !errors.Is(err, ErrMissingProviderID) {
		t.Fatalf("expected both missing id errors, got %v", err)
	}
}

func TestEventValidator_InvalidCurrencyFormat(t *testing.T) {
	v := NewEventValidator()
	ev := validEvent()
	ev.Currency = "usd"

	if err := v.ValidateEvent(ev); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestEventValidator_NegativeValues(t *testing.T) {
	v := NewEventValidator()
	ev := validEvent()
	ev.AmountCents = -1
	ev.RetryCount = -2

	err := v.ValidateEvent(ev)

	if !errors.Is(err, ErrInvalidAmount) || !errors.Is(err, ErrInvalidRetryCount) {
		t.Fatalf("expected amount and retry count errors, got %v", err)
	}
}

func TestEventValidator_NilEvent(t *testing.T) {
	if err := NewEventValidator().ValidateEvent(nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

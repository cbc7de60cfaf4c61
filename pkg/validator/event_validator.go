package validator

import (
	"errors"
	"fmt"
	"regexp"

	"payment_recovery/internal/domain"
)

var (
	ErrMissingEventID    = errors.New("missing event id")
	ErrMissingProviderID = errors.New("missing provider id")
	ErrMissingCompanyID  = errors.New("missing company id")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCurrency   = errors.New("invalid currency")
	ErrInvalidRetryCount = errors.New("invalid retry count")
	ErrInvalidEvent      = errors.New("invalid payment failure event")
)

// EventValidator checks the fields the pipeline keys on. Unknown failure
// reasons are accepted; they just match no reason-specific rule.
type EventValidator struct {
	currencyRegex *regexp.Regexp
}

func NewEventValidator() *EventValidator {
	return &EventValidator{
		currencyRegex: regexp.MustCompile(`^[A-Z]{3}$`),
	}
}

func (v *EventValidator) ValidateEvent(event *domain.PaymentFailureEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	var errs []error

	if event.EventID == "" {
		errs = append(errs, ErrMissingEventID)
	}
	if event.ProviderID == "" {
		errs = append(errs, ErrMissingProviderID)
	}
	if event.CompanyID == "" {
		errs = append(errs, ErrMissingCompanyID)
	}
	if event.AmountCents < 0 {
		errs = append(errs, ErrInvalidAmount)
	}
	if event.Currency != "" && !v.currencyRegex.MatchString(event.Currency) {
		errs = append(errs, ErrInvalidCurrency)
	}
	if event.RetryCount < 0 {
		errs = append(errs, ErrInvalidRetryCount)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, errors.Join(errs...))
	}

	return nil
}

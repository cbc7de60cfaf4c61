package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/processor"
	"payment_recovery/pkg/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(retries RetryScheduler) (*NotificationService, *MockEmailService, *MockSlackService) {
	email := &MockEmailService{}
	slack := &MockSlackService{}
	svc := NewNotificationService(NotificationOptions{
		Email:      email,
		Slack:      slack,
		Retries:    retries,
		AlertEmail: "payments-oncall@example.com",
		Workers:    2,
		Clock:      clock.NewFake(t0),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, email, slack
}

func testEvent() *domain.PaymentFailureEvent {
	return &domain.PaymentFailureEvent{
		EventID:       "evt_1",
		CompanyID:     "company_1",
		ProviderID:    "stripe",
		AmountCents:   150000,
		Currency:      "USD",
		FailureReason: domain.ReasonInsufficientFunds,
	}
}

func alertResult() domain.ActionResult {
	r := domain.NewActionResult(processor.RuleHighValueAlert, "High value payment failure detected", t0)
	r.Data[processor.DataAlertType] = processor.AlertTypeHighValue
	r.Data[processor.DataSeverity] = "high"
	return r
}

func retryResult() domain.ActionResult {
	r := domain.NewActionResult(processor.RuleInsufficientFundsRetry, "", t0)
	r.Data[processor.DataRetryAt] = processor.ScheduleRetry(t0)
	return r
}

func TestNotificationService_AlertFansOutToSlackAndEmail(t *testing.T) {
	svc, email, slack := newTestService(nil)

	if err := svc.Dispatch(context.Background(), testEvent(), alertResult()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if slack.Count() != 1 || email.Count() != 1 {
		t.Fatalf("expected one slack and one email, got %d and %d", slack.Count(), email.Count())
	}
	if slack.SentMessages[0].Channel != "#payment-alerts" {
		t.Errorf("unexpected channel %q", slack.SentMessages[0].Channel)
	}
	if !strings.Contains(slack.SentMessages[0].Message, "1500.00 USD") {
		t.Errorf("expected amount in message, got %q", slack.SentMessages[0].Message)
	}
	if !strings.Contains(email.SentEmails[0].Subject, "evt_1") {
		t.Errorf("expected event id in subject, got %q", email.SentEmails[0].Subject)
	}
}

func TestNotificationService_AlertReportsSendFailure(t *testing.T) {
	svc, email, slack := newTestService(nil)
	defer svc.Shutdown(context.Background())

	cause := errors.New("slack unavailable")
	slack.Err = cause

	err := svc.Dispatch(context.Background(), testEvent(), alertResult())
	if !errors.Is(err, cause) {
		t.Fatalf("expected slack error, got %v", err)
	}
	if !strings.Contains(err.Error(), "#payment-alerts") {
		t.Errorf("expected recipient in error, got %q", err)
	}
	// the other channel is still attempted
	if email.Count() != 1 {
		t.Errorf("expected email to be sent, got %d", email.Count())
	}
}

func TestNotificationService_AlertWaitsForDelivery(t *testing.T) {
	svc, email, slack := newTestService(nil)
	defer svc.Shutdown(context.Background())

	if err := svc.Dispatch(context.Background(), testEvent(), alertResult()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// no shutdown needed: Dispatch returns after the workers have sent
	if slack.Count() != 1 || email.Count() != 1 {
		t.Fatalf("expected delivery before Dispatch returns, got %d slack and %d email", slack.Count(), email.Count())
	}
}

func TestNotificationService_SchedulesRetry(t *testing.T) {
	retries := &MockRetryScheduler{}
	svc, _, _ := newTestService(retries)
	defer svc.Shutdown(context.Background())

	if !svc.Handles(retryResult()) {
		t.Fatalf("expected retry result to be handled")
	}
	if err := svc.Dispatch(context.Background(), testEvent(), retryResult()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := retries.Get("evt_1")
	if !ok || !got.Equal(t0.Add(7*24*time.Hour)) {
		t.Fatalf("expected retry at %v, got %v %v", t0.Add(7*24*time.Hour), got, ok)
	}
}

func TestNotificationService_RetryFailurePropagates(t *testing.T) {
	cause := errors.New("workflow unavailable")
	svc, _, _ := newTestService(&MockRetryScheduler{Err: cause})
	defer svc.Shutdown(context.Background())

	if err := svc.Dispatch(context.Background(), testEvent(), retryResult()); !errors.Is(err, cause) {
		t.Fatalf("expected scheduler error, got %v", err)
	}
}

func TestNotificationService_IgnoresOtherResults(t *testing.T) {
	svc, email, slack := newTestService(nil)

	score := domain.NewActionResult(processor.RuleRiskScoring, "", t0)
	score.Data[processor.DataRiskScore] = 70

	if svc.Handles(score) {
		t.Errorf("risk score result should not need dispatch")
	}
	if svc.Handles(retryResult()) {
		t.Errorf("retry result should not be handled without a scheduler")
	}
	if err := svc.Dispatch(context.Background(), testEvent(), score); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = svc.Shutdown(context.Background())
	if slack.Count() != 0 || email.Count() != 0 {
		t.Fatalf("expected no notifications, got %d slack and %d email", slack.Count(), email.Count())
	}
}

func TestNotificationService_RejectsAfterShutdown(t *testing.T) {
	svc, _, _ := newTestService(nil)
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := svc.Dispatch(context.Background(), testEvent(), alertResult()); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
	// second shutdown is a no-op
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/processor"
	"payment_recovery/pkg/clock"
)

var ErrServiceStopped = errors.New("notification service stopped")

type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationSlack NotificationType = "slack"
)

type NotificationMessage struct {
	Type      NotificationType
	Recipient string
	Subject   string
	Message   string
	Priority  int
	Metadata  map[string]string
	CreatedAt time.Time

	// done receives the delivery result when set.
	done chan<- error
}

type EmailService interface {
	SendEmail(to, subject, body string) error
}

type SlackService interface {
	SendMessage(channel, message string) error
}

// RetryScheduler hands a retry over to the external recovery workflow.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, eventID, providerID string, retryAt time.Time) error
}

type NotificationOptions struct {
	Email        EmailService
	Slack        SlackService
	Retries      RetryScheduler
	AlertChannel string
	AlertEmail   string
	Workers      int
	QueueSize    int
	Clock        clock.Clock
	Logger       *slog.Logger
}

// NotificationService delivers rule results downstream. Alerts are sent by
// the worker pool and Dispatch waits for every delivery, so a failed Slack or
// email send reaches the caller like a failed retry scheduling does.
type NotificationService struct {
	emailService   EmailService
	slackService   SlackService
	retryScheduler RetryScheduler
	alertChannel   string
	alertEmail     string
	messageQueue   chan NotificationMessage
	workers        int
	clock          clock.Clock
	logger         *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ processor.Dispatcher = (*NotificationService)(nil)

func NewNotificationService(opts NotificationOptions) *NotificationService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.AlertChannel == "" {
		opts.AlertChannel = "#payment-alerts"
	}

	service := &NotificationService{
		emailService:   opts.Email,
		slackService:   opts.Slack,
		retryScheduler: opts.Retries,
		alertChannel:   opts.AlertChannel,
		alertEmail:     opts.AlertEmail,
		messageQueue:   make(chan NotificationMessage, opts.QueueSize),
		workers:        opts.Workers,
		clock:          opts.Clock,
		logger:         opts.Logger,
	}

	service.startWorkers()

	return service
}

func (s *NotificationService) Handles(result domain.ActionResult) bool {
	if _, ok := result.Data[processor.DataAlertType]; ok {
		return true
	}
	_, ok := processor.RetryAtFromResult(result)
	return ok && s.retryScheduler != nil
}

func (s *NotificationService) Dispatch(ctx context.Context, event *domain.PaymentFailureEvent, result domain.ActionResult) error {
	if _, ok := result.Data[processor.DataAlertType]; ok {
		return s.SendAlert(ctx, event, result)
	}
	if retryAt, ok := processor.RetryAtFromResult(result); ok && s.retryScheduler != nil {
		if err := s.retryScheduler.ScheduleRetry(ctx, event.EventID, event.ProviderID, retryAt); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		s.logger.InfoContext(ctx, "Retry scheduled",
			slog.String("event_id", event.EventID),
			slog.String("provider_id", event.ProviderID),
			slog.Time("retry_at", retryAt))
		return nil
	}
	return nil
}

func (s *NotificationService) SendAlert(ctx context.Context, event *domain.PaymentFailureEvent, result domain.ActionResult) error {
	severity, _ := result.Data[processor.DataSeverity].(string)
	if severity == "" {
		severity = "medium"
	}
	alertType := fmt.Sprint(result.Data[processor.DataAlertType])

	message := fmt.Sprintf(
		"Payment failure alert (%s)\nEvent ID: %s\nCompany: %s\nProvider: %s\nAmount: %.2f %s\nReason: %s\nRetries: %d",
		alertType, event.EventID, event.CompanyID, event.ProviderID,
		event.Amount(), event.Currency, event.FailureReason, event.RetryCount,
	)
	metadata := map[string]string{
		"event_id":   event.EventID,
		"rule_name":  result.RuleName,
		"alert_type": alertType,
		"severity":   severity,
	}
	now := s.clock.Now()

	var notifications []NotificationMessage
	if s.slackService != nil {
		notifications = append(notifications, NotificationMessage{
			Type:      NotificationSlack,
			Recipient: s.alertChannel,
			Subject:   fmt.Sprintf("Payment Alert - %s", severity),
			Message:   message,
			Priority:  10,
			Metadata:  metadata,
			CreatedAt: now,
		})
	}
	if s.emailService != nil && s.alertEmail != "" {
		notifications = append(notifications, NotificationMessage{
			Type:      NotificationEmail,
			Recipient: s.alertEmail,
			Subject:   fmt.Sprintf("Payment Alert: %s - %s", severity, event.EventID),
			Message:   message,
			Priority:  10,
			Metadata:  metadata,
			CreatedAt: now,
		})
	}

	return s.deliver(ctx, notifications...)
}

// deliver queues notifications for the workers and waits for all of them.
func (s *NotificationService) deliver(ctx context.Context, notifications ...NotificationMessage) error {
	if len(notifications) == 0 {
		return nil
	}

	done := make(chan error, len(notifications))
	queued, err := s.enqueue(ctx, done, notifications)

	var errs []error
	for range queued {
		select {
		case sendErr := <-done:
			if sendErr != nil {
				errs = append(errs, sendErr)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *NotificationService) enqueue(ctx context.Context, done chan<- error, notifications []NotificationMessage) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrServiceStopped
	}

	for i, notification := range notifications {
		notification.done = done
		select {
		case s.messageQueue <- notification:
			s.logger.WarnContext(ctx, "Alert notification queued",
				slog.String("type", string(notification.Type)),
				slog.String("event_id", notification.Metadata["event_id"]),
				slog.String("severity", notification.Metadata["severity"]))
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}

	return len(notifications), nil
}

func (s *NotificationService) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *NotificationService) worker(id int) {
	defer s.wg.Done()

	s.logger.Info("Notification worker started", slog.Int("worker_id", id))

	for msg := range s.messageQueue {
		s.processNotification(msg, id)
	}

	s.logger.Info("Notification worker stopping", slog.Int("worker_id", id))
}

func (s *NotificationService) processNotification(msg NotificationMessage, workerID int) {
	startTime := s.clock.Now()
	var err error

	switch msg.Type {
	case NotificationEmail:
		err = s.emailService.SendEmail(msg.Recipient, msg.Subject, msg.Message)
	case NotificationSlack:
		err = s.slackService.SendMessage(msg.Recipient, msg.Message)
	default:
		err = fmt.Errorf("unknown notification type: %s", msg.Type)
	}

	duration := s.clock.Now().Sub(startTime)

	if err != nil {
		err = fmt.Errorf("%s to %s: %w", msg.Type, msg.Recipient, err)
		s.logger.Error("Failed to send notification",
			slog.String("type", string(msg.Type)),
			slog.String("recipient", msg.Recipient),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	} else {
		s.logger.Info("Notification sent successfully",
			slog.String("type", string(msg.Type)),
			slog.String("recipient", msg.Recipient),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	}

	if msg.done != nil {
		msg.done <- err
	}
}

// Shutdown stops accepting alerts and waits until queued ones are sent.
func (s *NotificationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.messageQueue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Notification service shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender stands in for real Slack, email and scheduler clients by
// writing each delivery to the log.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogSender) SendEmail(to, subject, body string) error {
	l.logger().Info("Email delivered", slog.String("to", to), slog.String("subject", subject))
	return nil
}

func (l LogSender) SendMessage(channel, message string) error {
	l.logger().Info("Slack message delivered", slog.String("channel", channel))
	return nil
}

func (l LogSender) ScheduleRetry(_ context.Context, eventID, providerID string, retryAt time.Time) error {
	l.logger().Info("Retry handed to workflow",
		slog.String("event_id", eventID),
		slog.String("provider_id", providerID),
		slog.Time("retry_at", retryAt))
	return nil
}

type MockEmailService struct {
	mu         sync.Mutex
	Err        error
	SentEmails []struct {
		To      string
		Subject string
		Body    string
	}
}

func (m *MockEmailService) SendEmail(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentEmails = append(m.SentEmails, struct {
		To      string
		Subject string
		Body    string
	}{to, subject, body})
	return nil
}

func (m *MockEmailService) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentEmails)
}

type MockSlackService struct {
	mu           sync.Mutex
	Err          error
	SentMessages []struct {
		Channel string
		Message string
	}
}

func (m *MockSlackService) SendMessage(channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, struct {
		Channel string
		Message string
	}{channel, message})
	return nil
}

func (m *MockSlackService) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentMessages)
}

type MockRetryScheduler struct {
	mu        sync.Mutex
	Err       error
	Scheduled map[string]time.Time
}

func (m *MockRetryScheduler) ScheduleRetry(_ context.Context, eventID, _ string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.Scheduled == nil {
		m.Scheduled = make(map[string]time.Time)
	}
	m.Scheduled[eventID] = retryAt
	return nil
}

func (m *MockRetryScheduler) Get(eventID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Scheduled[eventID]
	return t, ok
}

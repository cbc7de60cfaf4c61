package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"payment_recovery/internal/api"
	"payment_recovery/internal/domain"
	"payment_recovery/internal/processor"
	"payment_recovery/internal/ratelimit"
	"payment_recovery/internal/repository/memory"
	"payment_recovery/internal/service"
	"payment_recovery/pkg/crypto"
	"payment_recovery/pkg/metrics"
)

const signingSecret = "test-secret"

type testEnv struct {
	deadLetters   *memory.DeadLetterRepository
	email         *service.MockEmailService
	slack         *service.MockSlackService
	retries       *service.MockRetryScheduler
	notifications *service.NotificationService
	processor     *processor.EventProcessor
	metrics       *metrics.MetricsCollector
	mux           *http.ServeMux
	signer        *crypto.Signer
}

func setup(t *testing.T, limit ratelimit.Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		deadLetters: memory.NewDeadLetterRepository(),
		email:       &service.MockEmailService{},
		slack:       &service.MockSlackService{},
		retries:     &service.MockRetryScheduler{},
		metrics:     metrics.NewMetricsCollector(logger),
		mux:         http.NewServeMux(),
		signer:      crypto.NewSigner(signingSecret, logger),
	}

	env.notifications = service.NewNotificationService(service.NotificationOptions{
		Email:      env.email,
		Slack:      env.slack,
		Retries:    env.retries,
		AlertEmail: "payments-oncall@example.com",
		Workers:    2,
		Logger:     logger,
	})

	engine, err := processor.NewRuleEngine(processor.EngineOptions{Logger: logger},
		processor.DefaultRules(processor.DefaultRuleOptions{})...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	limiters, err := ratelimit.NewRegistry(limit, nil, nil, logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	env.processor, err = processor.NewEventProcessor(processor.ProcessorOptions{
		Engine:      engine,
		Limiters:    limiters,
		Dispatcher:  env.notifications,
		DeadLetters: env.deadLetters,
		Metrics:     env.metrics,
		Logger:      logger,
		Workers:     4,
		QueueSize:   100,
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	api.NewAPIHandler(env.processor, env.deadLetters, env.signer, logger).RegisterRoutes(env.mux)
	return env
}

func (env *testEnv) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.processor.Shutdown(ctx); err != nil {
		t.Fatalf("processor shutdown: %v", err)
	}
	if err := env.notifications.Shutdown(ctx); err != nil {
		t.Fatalf("notification shutdown: %v", err)
	}
}

func (env *testEnv) post(t *testing.T, path string, event domain.PaymentFailureEvent) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(event)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(crypto.SignatureHeader, env.signer.Sign(b))
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	return w
}

func failureEvent(id string, amountCents int64, reason domain.FailureReason) domain.PaymentFailureEvent {
	return domain.PaymentFailureEvent{
		EventID:       id,
		CompanyID:     "company_1",
		ProviderID:    "stripe",
		AmountCents:   amountCents,
		Currency:      "USD",
		FailureReason: reason,
		Status:        domain.StatusReceived,
	}
}

var generous = ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 1000, RetryAfter: time.Second}

func TestIntegration_HighValueInsufficientFunds(t *testing.T) {
	env := setup(t, generous)

	w := env.post(t, "/api/v1/events/evaluate", failureEvent("evt_1", 250000, domain.ReasonInsufficientFunds))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.EvaluateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RiskScore != 50 || resp.Dispatched != 2 || resp.DeadLettered {
		t.Fatalf("unexpected response: %+v", resp)
	}

	env.shutdown(t)

	if env.slack.Count() != 1 || env.email.Count() != 1 {
		t.Errorf("expected one slack and one email alert, got %d and %d", env.slack.Count(), env.email.Count())
	}
	retryAt, ok := env.retries.Get("evt_1")
	if !ok {
		t.Fatalf("expected retry to be scheduled")
	}
	if d := time.Until(retryAt); d < 7*24*time.Hour-time.Minute || d > 7*24*time.Hour {
		t.Errorf("expected retry about 7 days out, got %v", d)
	}
}

func TestIntegration_SmallNetworkErrorOnlyScored(t *testing.T) {
	env := setup(t, generous)

	w := env.post(t, "/api/v1/events/evaluate", failureEvent("evt_small", 5000, domain.ReasonNetworkError))
	var resp api.EvaluateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Outcomes) != 1 || resp.RiskScore != 5 || resp.Dispatched != 0 {
		t.Fatalf("expected only a risk score of 5, got %+v", resp)
	}

	env.shutdown(t)
	if env.slack.Count() != 0 {
		t.Errorf("expected no alerts, got %d", env.slack.Count())
	}
}

func TestIntegration_RetrySchedulerDownDeadLetters(t *testing.T) {
	env := setup(t, generous)
	env.retries.Err = errors.New("workflow engine unavailable")

	w := env.post(t, "/api/v1/events/evaluate", failureEvent("evt_dl", 2000, domain.ReasonInsufficientFunds))
	var resp api.EvaluateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || !resp.DeadLettered {
		t.Fatalf("expected dead-lettered response, got %d %+v", w.Code, resp)
	}

	entries, err := env.deadLetters.GetByCompanyID(context.Background(), "company_1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", len(entries), err)
	}
	var replay domain.PaymentFailureEvent
	if err := json.Unmarshal(entries[0].Payload, &replay); err != nil || replay.EventID != "evt_dl" {
		t.Fatalf("expected replayable payload, got %s (%v)", entries[0].Payload, err)
	}

	env.shutdown(t)
}

func TestIntegration_FailedAlertDeadLetters(t *testing.T) {
	env := setup(t, generous)
	env.slack.Err = errors.New("slack webhook returned 500")

	w := env.post(t, "/api/v1/events/evaluate", failureEvent("evt_alert", 250000, domain.ReasonExpiredCard))
	var resp api.EvaluateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || !resp.DeadLettered {
		t.Fatalf("expected dead-lettered response, got %d %+v", w.Code, resp)
	}

	entry, err := env.deadLetters.GetByEventID(context.Background(), "stripe", "evt_alert")
	if err != nil {
		t.Fatalf("expected dead letter for failed alert, got %v", err)
	}
	if entry.ProviderID != "stripe" || entry.CompanyID != "company_1" {
		t.Errorf("unexpected entry %+v", entry)
	}

	env.shutdown(t)
}

func TestIntegration_SameEventIDFromTwoProviders(t *testing.T) {
	env := setup(t, generous)
	env.retries.Err = errors.New("workflow engine unavailable")

	for _, provider := range []string{"stripe", "adyen"} {
		ev := failureEvent("evt_shared", 2000, domain.ReasonInsufficientFunds)
		ev.ProviderID = provider
		w := env.post(t, "/api/v1/events/evaluate", ev)
		var resp api.EvaluateResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if !resp.DeadLettered {
			t.Fatalf("%s: expected dead letter, got %d %+v", provider, w.Code, resp)
		}
	}

	entries, _ := env.deadLetters.GetByCompanyID(context.Background(), "company_1")
	if len(entries) != 2 {
		t.Fatalf("expected one dead letter per provider, got %d", len(entries))
	}

	env.shutdown(t)
}

func TestIntegration_ProviderRateLimit(t *testing.T) {
	env := setup(t, ratelimit.Config{RequestsPerMinute: 60, BurstSize: 2, RetryAfter: 5 * time.Second})

	codes := make([]int, 0, 3)
	for _, id := range []string{"r1", "r2", "r3"} {
		codes = append(codes, env.post(t, "/api/v1/events/evaluate", failureEvent(id, 2000, domain.ReasonInsufficientFunds)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 200, 200, 429, got %v", codes)
	}

	// other providers have their own bucket
	other := failureEvent("r4", 2000, domain.ReasonInsufficientFunds)
	other.ProviderID = "adyen"
	if w := env.post(t, "/api/v1/events/evaluate", other); w.Code != http.StatusOK {
		t.Fatalf("expected adyen to be unaffected, got %d", w.Code)
	}

	env.shutdown(t)
}

func TestIntegration_ConcurrentSubmit(t *testing.T) {
	env := setup(t, generous)
	env.processor.Start(context.Background())

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := failureEvent(fmt.Sprintf("evt_c_%d", i), 2000, domain.ReasonInsufficientFunds)
			if w := env.post(t, "/api/v1/events", ev); w.Code != http.StatusAccepted {
				t.Errorf("submit %d: expected 202, got %d", i, w.Code)
			}
		}(i)
	}
	wg.Wait()

	env.shutdown(t)

	scheduled := 0
	for i := range n {
		if _, ok := env.retries.Get(fmt.Sprintf("evt_c_%d", i)); ok {
			scheduled++
		}
	}
	if scheduled != n {
		t.Fatalf("expected %d scheduled retries, got %d", n, scheduled)
	}
}

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/ratelimit"
	"payment_recovery/internal/repository"
	"payment_recovery/pkg/clock"
	"payment_recovery/pkg/metrics"
	"payment_recovery/pkg/validator"

	"golang.org/x/time/rate"
)

var (
	ErrRateLimited      = errors.New("provider rate limit exceeded")
	ErrProcessorStopped = errors.New("processor stopped")
	ErrQueueFull        = errors.New("processor queue full")
)

// Dispatcher performs the downstream call for a rule result (alerting,
// retry scheduling). Handles reports whether a result needs one at all.
type Dispatcher interface {
	Handles(result domain.ActionResult) bool
	Dispatch(ctx context.Context, event *domain.PaymentFailureEvent, result domain.ActionResult) error
}

type RateLimitedError struct {
	Info       ratelimit.RateLimitInfo
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: provider %s, retry after %s", ErrRateLimited, e.Info.ProviderID, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

type ProcessResult struct {
	EventID      string
	Outcomes     []RuleOutcome
	RiskScore    int
	Dispatched   int
	DeadLettered bool
}

type ProcessorOptions struct {
	Engine      *RuleEngine
	Limiters    *ratelimit.Registry
	Dispatcher  Dispatcher
	DeadLetters repository.DeadLetterRepository
	Validator   *validator.EventValidator
	Metrics     *metrics.MetricsCollector
	Clock       clock.Clock
	Logger      *slog.Logger
	Workers     int
	QueueSize   int
	// BlockOnRateLimit makes Process wait for a provider token instead of
	// returning ErrRateLimited. Queue workers always wait.
	BlockOnRateLimit bool
}

type job struct {
	ctx     context.Context
	event   *domain.PaymentFailureEvent
	payload []byte
}

// EventProcessor runs validation, rule evaluation, provider-gated dispatch
// and dead-lettering for payment failure events.
type EventProcessor struct {
	engine           *RuleEngine
	limiters         *ratelimit.Registry
	dispatcher       Dispatcher
	deadLetters      repository.DeadLetterRepository
	validator        *validator.EventValidator
	metrics          *metrics.MetricsCollector
	clock            clock.Clock
	logger           *slog.Logger
	blockOnRateLimit bool

	workers int
	queue   chan job
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	denyLog rate.Sometimes
}

func NewEventProcessor(opts ProcessorOptions) (*EventProcessor, error) {
	if opts.Engine == nil {
		return nil, errors.New("event processor requires a rule engine")
	}
	if opts.Validator == nil {
		opts.Validator = validator.NewEventValidator()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}

	return &EventProcessor{
		engine:           opts.Engine,
		limiters:         opts.Limiters,
		dispatcher:       opts.Dispatcher,
		deadLetters:      opts.DeadLetters,
		validator:        opts.Validator,
		metrics:          opts.Metrics,
		clock:            opts.Clock,
		logger:           opts.Logger,
		blockOnRateLimit: opts.BlockOnRateLimit,
		workers:          opts.Workers,
		queue:            make(chan job, opts.QueueSize),
		denyLog:          rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

func (p *EventProcessor) Engine() *RuleEngine { return p.engine }

func (p *EventProcessor) Limiters() *ratelimit.Registry { return p.limiters }

// Process handles one event synchronously. payload is the raw event as
// received; when nil the event is re-encoded for any dead letter.
func (p *EventProcessor) Process(ctx context.Context, event *domain.PaymentFailureEvent, payload []byte) (*ProcessResult, error) {
	return p.process(ctx, event, payload, p.blockOnRateLimit)
}

func (p *EventProcessor) process(ctx context.Context, event *domain.PaymentFailureEvent, payload []byte, block bool) (*ProcessResult, error) {
	start := p.clock.Now()

	if err := p.validator.ValidateEvent(event); err != nil {
		p.metrics.RecordEvent(p.clock.Now().Sub(start), "invalid")
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	outcomes := p.engine.Evaluate(ctx, event)
	result := &ProcessResult{EventID: event.EventID, Outcomes: outcomes}

	var dispatchable []domain.ActionResult
	for _, o := range outcomes {
		p.metrics.RecordRuleOutcome(o.RuleName, o.Err == nil)
		if o.Result == nil {
			continue
		}
		if score, ok := RiskScoreFromResult(*o.Result); ok {
			result.RiskScore = score
			p.metrics.RecordRiskScore(score)
		}
		if p.dispatcher != nil && p.dispatcher.Handles(*o.Result) {
			dispatchable = append(dispatchable, *o.Result)
		}
	}

	if len(dispatchable) == 0 {
		p.metrics.RecordEvent(p.clock.Now().Sub(start), "evaluated")
		return result, nil
	}

	if err := p.acquire(ctx, event.ProviderID, block); err != nil {
		var rle *RateLimitedError
		if errors.As(err, &rle) {
			p.metrics.RecordEvent(p.clock.Now().Sub(start), "rate_limited")
			return result, err
		}
		// cancelled while waiting: keep the work for replay
		if dlErr := p.deadLetter(ctx, event, payload, err, result); dlErr != nil {
			return result, dlErr
		}
		p.metrics.RecordEvent(p.clock.Now().Sub(start), "dead_lettered")
		return result, nil
	}

	var dispatchErrs []error
	for _, r := range dispatchable {
		if err := p.dispatcher.Dispatch(ctx, event, r); err != nil {
			dispatchErrs = append(dispatchErrs, fmt.Errorf("%s: %w", r.RuleName, err))
			continue
		}
		result.Dispatched++
	}

	if len(dispatchErrs) > 0 {
		if err := p.deadLetter(ctx, event, payload, errors.Join(dispatchErrs...), result); err != nil {
			return result, err
		}
		p.metrics.RecordEvent(p.clock.Now().Sub(start), "dead_lettered")
		return result, nil
	}

	p.metrics.RecordEvent(p.clock.Now().Sub(start), "dispatched")
	return result, nil
}

// acquire takes one provider token for the event's downstream calls. The
// token is taken before and released from the limiter's lock before any I/O.
func (p *EventProcessor) acquire(ctx context.Context, providerID string, block bool) error {
	if p.limiters == nil {
		return nil
	}
	lim := p.limiters.Get(providerID)

	if lim.TryAcquire() {
		p.metrics.RecordRateLimitDecision(providerID, true)
		return nil
	}
	p.metrics.RecordRateLimitDecision(providerID, false)

	if !block {
		info := lim.GetRateLimitInfo()
		p.denyLog.Do(func() {
			p.logger.WarnContext(ctx, "Provider rate limit exceeded",
				slog.String("provider_id", providerID),
				slog.Int("requests_remaining", info.RequestsRemaining),
				slog.Time("reset_time", info.ResetTime))
		})
		return &RateLimitedError{Info: info, RetryAfter: lim.Config().RetryAfter}
	}

	waitStart := p.clock.Now()
	if err := lim.WaitContext(ctx); err != nil {
		return fmt.Errorf("waiting for provider %s token: %w", providerID, err)
	}
	p.metrics.RecordRateLimitWait(providerID, p.clock.Now().Sub(waitStart))
	return nil
}

func (p *EventProcessor) deadLetter(ctx context.Context, event *domain.PaymentFailureEvent, payload []byte, cause error, result *ProcessResult) error {
	if p.deadLetters == nil {
		p.logger.ErrorContext(ctx, "Downstream processing failed and no dead letter store is configured",
			slog.String("event_id", event.EventID),
			slog.String("error", cause.Error()))
		return cause
	}

	if payload == nil {
		encoded, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event for dead letter: %w", err)
		}
		payload = encoded
	}

	entry := domain.NewDeadLetterEntry(event, payload, cause, p.clock.Now())

	// the save must survive a cancelled request context
	err := p.deadLetters.Save(context.WithoutCancel(ctx), entry)
	switch {
	case err == nil:
		p.metrics.RecordDeadLetter(true)
		p.logger.WarnContext(ctx, "Event dead-lettered",
			slog.String("event_id", event.EventID),
			slog.String("provider_id", event.ProviderID),
			slog.String("company_id", event.CompanyID),
			slog.String("error", entry.Error))
	case errors.Is(err, repository.ErrDuplicate):
		p.metrics.RecordDeadLetter(false)
		p.logger.InfoContext(ctx, "Dead letter already recorded",
			slog.String("event_id", event.EventID),
			slog.String("provider_id", event.ProviderID))
	default:
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	result.DeadLettered = true
	return nil
}

// Start launches the queue workers. They stop when ctx is cancelled or after
// Shutdown has drained the queue.
func (p *EventProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues an event for the workers without blocking. A full queue
// returns ErrQueueFull.
func (p *EventProcessor) Submit(ctx context.Context, event *domain.PaymentFailureEvent, payload []byte) error {
	if err := p.validator.ValidateEvent(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProcessorStopped
	}

	select {
	case p.queue <- job{ctx: context.WithoutCancel(ctx), event: event, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *EventProcessor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Info("Event worker started", slog.Int("worker_id", id))

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.logger.Info("Event worker stopping", slog.Int("worker_id", id))
				return
			}
			p.handleJob(ctx, j, id)
		case <-ctx.Done():
			p.logger.Info("Event worker cancelled", slog.Int("worker_id", id))
			return
		}
	}
}

func (p *EventProcessor) handleJob(ctx context.Context, j job, workerID int) {
	jobCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	res, err := p.process(jobCtx, j.event, j.payload, true)
	if err != nil {
		p.logger.ErrorContext(jobCtx, "Event processing failed",
			slog.String("event_id", j.event.EventID),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		return
	}

	p.logger.InfoContext(jobCtx, "Event processed",
		slog.String("event_id", res.EventID),
		slog.Int("worker_id", workerID),
		slog.Int("matched_rules", len(res.Outcomes)),
		slog.Int("dispatched", res.Dispatched),
		slog.Bool("dead_lettered", res.DeadLettered))
}

// Shutdown stops accepting events and waits for queued ones to finish.
func (p *EventProcessor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Event processor shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

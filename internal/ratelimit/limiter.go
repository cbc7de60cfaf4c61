package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"payment_recovery/pkg/clock"
)

var ErrInvalidConfig = errors.New("invalid rate limit config")

type Config struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	BurstSize         int           `json:"burst_size"`
	RetryAfter        time.Duration `json:"retry_after"`
}

func (c Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: requests per minute must be > 0, got %d", ErrInvalidConfig, c.RequestsPerMinute)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("%w: burst size must be > 0, got %d", ErrInvalidConfig, c.BurstSize)
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("%w: retry after must be >= 0, got %s", ErrInvalidConfig, c.RetryAfter)
	}
	return nil
}

// RateLimitInfo is shaped for a 429 response body.
type RateLimitInfo struct {
	ProviderID        string    `json:"provider_id"`
	RequestsRemaining int       `json:"requests_remaining"`
	ResetTime         time.Time `json:"reset_time"`
	Limit             int       `json:"limit"`
}

// RateLimiter is a token bucket for calls to one payment provider.
//
// Tokens are refilled lazily at the start of every operation; there is no
// background ticker. All state changes happen under mu, which is never held
// while sleeping or while the caller talks to the provider.
type RateLimiter struct {
	mu         sync.Mutex
	cfg        Config
	capacity   int
	tokens     float64
	refillRate float64
	lastRefill time.Time
	providerID string

	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*RateLimiter)

func WithClock(c clock.Clock) Option {
	return func(l *RateLimiter) { l.clock = c }
}

func WithProvider(providerID string) Option {
	return func(l *RateLimiter) { l.providerID = providerID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *RateLimiter) { l.logger = logger }
}

func New(cfg Config, opts ...Option) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &RateLimiter{
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.apply(cfg)
	l.lastRefill = l.clock.Now()

	return l, nil
}

// apply must be called with mu held, or before the limiter is shared.
func (l *RateLimiter) apply(cfg Config) {
	l.cfg = cfg
	l.capacity = cfg.BurstSize
	l.refillRate = float64(cfg.RequestsPerMinute) / 60
	l.tokens = float64(cfg.BurstSize)
}

// refill must be called with mu held.
func (l *RateLimiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	tokensToAdd := math.Floor(elapsed * l.refillRate)
	if tokensToAdd > 0 {
		l.tokens = math.Min(l.tokens+tokensToAdd, float64(l.capacity))
		l.lastRefill = now
	}
}

func (l *RateLimiter) tokenInterval() time.Duration {
	return time.Duration(float64(time.Second) / l.refillRate)
}

// TryAcquire takes a token if one is available. It never blocks.
func (l *RateLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}

// Wait takes a token, sleeping for one token interval first if the bucket is
// empty. After the sleep the token is consumed even if concurrent callers got
// to the refill first; waiters are not queued and there is no fairness.
func (l *RateLimiter) Wait() {
	wait, ok := l.reserve()
	if ok {
		return
	}

	l.clock.Sleep(wait)
	l.consumeAfterWait()
}

// WaitContext is Wait with cancellation. No token is consumed when ctx ends
// before the wait window elapses.
func (l *RateLimiter) WaitContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wait, ok := l.reserve()
	if ok {
		return nil
	}

	timer := l.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
	}

	l.consumeAfterWait()
	return nil
}

// reserve consumes a token when one is available, otherwise it returns how
// long the caller should sleep.
func (l *RateLimiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens > 0 {
		l.tokens--
		return 0, true
	}
	return l.tokenInterval(), false
}

func (l *RateLimiter) consumeAfterWait() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	// the caller proceeds regardless; accounting stays within [0, capacity]
	l.tokens = math.Max(l.tokens-1, 0)
}

// GetRateLimitInfo reports remaining tokens. ResetTime is when the next
// single token is due, not when the bucket is full again.
func (l *RateLimiter) GetRateLimitInfo() RateLimitInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return RateLimitInfo{
		ProviderID:        l.providerID,
		RequestsRemaining: int(l.tokens),
		ResetTime:         l.clock.Now().Add(l.tokenInterval()),
		Limit:             l.cfg.RequestsPerMinute,
	}
}

// UpdateConfig swaps the parameters and refills the bucket to the new burst
// size at once, whatever the current deficit. Whoever can change the config
// can therefore grant a full burst.
func (l *RateLimiter) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(cfg)
	l.lastRefill = l.clock.Now()

	l.logger.Info("Rate limit config updated",
		slog.String("provider_id", l.providerID),
		slog.Int("requests_per_minute", cfg.RequestsPerMinute),
		slog.Int("burst_size", cfg.BurstSize),
		slog.Duration("retry_after", cfg.RetryAfter))

	return nil
}

// SetProvider only changes what GetRateLimitInfo reports.
func (l *RateLimiter) SetProvider(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.providerID = providerID
}

func (l *RateLimiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Tokens returns the refilled token count.
func (l *RateLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

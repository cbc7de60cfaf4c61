package ratelimit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"payment_recovery/pkg/clock"
)

// Registry keeps one RateLimiter per provider. Limiters are created on first
// use from the provider override if one exists, else from the default config.
type Registry struct {
	mu        sync.Mutex
	limiters  map[string]*RateLimiter
	defaults  Config
	overrides map[string]Config
	clock     clock.Clock
	logger    *slog.Logger
}

func NewRegistry(defaults Config, overrides map[string]Config, c clock.Clock, logger *slog.Logger) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	for providerID, cfg := range overrides {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s: %w", providerID, err)
		}
	}
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ov := make(map[string]Config, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}

	return &Registry{
		limiters:  make(map[string]*RateLimiter),
		defaults:  defaults,
		overrides: ov,
		clock:     c,
		logger:    logger,
	}, nil
}

func (r *Registry) Get(providerID string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.limiters[providerID]; ok {
		return lim
	}

	cfg, ok := r.overrides[providerID]
	if !ok {
		cfg = r.defaults
	}

	// configs were validated in NewRegistry/Update, so New cannot fail here
	lim, _ := New(cfg,
		WithClock(r.clock),
		WithProvider(providerID),
		WithLogger(r.logger))
	r.limiters[providerID] = lim

	r.logger.Info("Rate limiter created",
		slog.String("provider_id", providerID),
		slog.Int("requests_per_minute", cfg.RequestsPerMinute),
		slog.Int("burst_size", cfg.BurstSize))

	return lim
}

// Update stores cfg as the provider override and applies it to the live
// limiter, which refills to the new burst size.
func (r *Registry) Update(providerID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.overrides[providerID] = cfg
	lim, ok := r.limiters[providerID]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return lim.UpdateConfig(cfg)
}

// Providers lists providers with a live limiter, sorted.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.limiters))
	for id := range r.limiters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

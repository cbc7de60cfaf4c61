package ratelimit

import (
	"errors"
	"testing"

	"payment_recovery/pkg/clock"
)

func TestRegistry_GetSameProviderReturnsSameLimiter(t *testing.T) {
	reg, err := NewRegistry(Config{RequestsPerMinute: 60, BurstSize: 2}, nil, clock.NewFake(t0), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l1 := reg.Get("stripe")
	l2 := reg.Get("stripe")
	l3 := reg.Get("adyen")

	if l1 != l2 {
		t.Fatalf("expected same limiter for the same provider")
	}
	if l1 == l3 {
		t.Fatalf("expected independent limiters per provider")
	}
	if got := l3.GetRateLimitInfo().ProviderID; got != "adyen" {
		t.Fatalf("expected limiter tagged with provider, got %q", got)
	}
}

func TestRegistry_ProvidersAreIsolated(t *testing.T) {
	reg, _ := NewRegistry(Config{RequestsPerMinute: 60, BurstSize: 1}, nil, clock.NewFake(t0), nil)

	if !reg.Get("stripe").TryAcquire() {
		t.Fatalf("expected stripe acquire to succeed")
	}
	if !reg.Get("adyen").TryAcquire() {
		t.Fatalf("expected adyen to have its own bucket")
	}
	if reg.Get("stripe").TryAcquire() {
		t.Fatalf("expected stripe bucket to be empty")
	}
}

func TestRegistry_OverrideAndUpdate(t *testing.T) {
	overrides := map[string]Config{"stripe": {RequestsPerMinute: 120, BurstSize: 10}}
	reg, err := NewRegistry(Config{RequestsPerMinute: 60, BurstSize: 2}, overrides, clock.NewFake(t0), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := reg.Get("stripe").Config().BurstSize; got != 10 {
		t.Fatalf("expected override burst 10, got %d", got)
	}

	if err := reg.Update("stripe", Config{RequestsPerMinute: 30, BurstSize: 4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.Get("stripe").Tokens(); got != 4 {
		t.Fatalf("expected live limiter refilled to 4, got %v", got)
	}

	if err := reg.Update("paypal", Config{RequestsPerMinute: 6, BurstSize: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.Get("paypal").Config().BurstSize; got != 3 {
		t.Fatalf("expected stored override for later creation, got %d", got)
	}

	providers := reg.Providers()
	if len(providers) != 2 || providers[0] != "paypal" || providers[1] != "stripe" {
		t.Fatalf("unexpected providers: %v", providers)
	}
}

func TestNewRegistry_RejectsInvalidOverride(t *testing.T) {
	_, err := NewRegistry(
		Config{RequestsPerMinute: 60, BurstSize: 1},
		map[string]Config{"stripe": {RequestsPerMinute: 60}},
		nil, nil)

	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

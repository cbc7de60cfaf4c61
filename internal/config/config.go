package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"payment_recovery/internal/ratelimit"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTPAddr        string
	MetricsAddr     string
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	SigningSecret   string

	DefaultRateLimit   ratelimit.Config
	ProviderRateLimits map[string]ratelimit.Config
	BlockOnRateLimit   bool

	HighValueThresholdCents int64
	StopOnFirstMatch        bool
	DisabledRules           []string

	Workers             int
	QueueSize           int
	NotificationWorkers int
	AlertChannel        string
	AlertEmail          string

	Redis RedisConfig
}

type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Load reads the process environment after applying any .env files. Missing
// files are skipped; variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which has the os.LookupEnv signature.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		HTTPAddr:        e.getString("HTTP_ADDR", ":8080"),
		MetricsAddr:     e.getString("METRICS_ADDR", ":9090"),
		LogLevel:        e.getLevel("LOG_LEVEL", slog.LevelInfo),
		ShutdownTimeout: e.getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		SigningSecret:   e.getString("SIGNING_SECRET", ""),

		DefaultRateLimit: ratelimit.Config{
			RequestsPerMinute: e.getInt("RATE_LIMIT_RPM", 60),
			BurstSize:         e.getInt("RATE_LIMIT_BURST", 10),
			RetryAfter:        e.getDuration("RATE_LIMIT_RETRY_AFTER", time.Minute),
		},
		BlockOnRateLimit: e.getBool("BLOCK_ON_RATE_LIMIT", false),

		HighValueThresholdCents: int64(e.getInt("HIGH_VALUE_THRESHOLD_CENTS", 100000)),
		StopOnFirstMatch:        e.getBool("RULES_STOP_ON_FIRST_MATCH", false),
		DisabledRules:           splitList(e.getString("DISABLED_RULES", "")),

		Workers:             e.getInt("PROCESSOR_WORKERS", 4),
		QueueSize:           e.getInt("PROCESSOR_QUEUE_SIZE", 1000),
		NotificationWorkers: e.getInt("NOTIFICATION_WORKERS", 3),
		AlertChannel:        e.getString("ALERT_SLACK_CHANNEL", "#payment-alerts"),
		AlertEmail:          e.getString("ALERT_EMAIL", ""),

		Redis: RedisConfig{
			Enabled:   e.getBool("REDIS_ENABLED", false),
			Addr:      e.getString("REDIS_ADDR", "localhost:6379"),
			Password:  e.getString("REDIS_PASSWORD", ""),
			DB:        e.getInt("REDIS_DB", 0),
			KeyPrefix: e.getString("REDIS_KEY_PREFIX", "deadletter"),
		},
	}

	overrides, err := ParseProviderRateLimits(e.getString("PROVIDER_RATE_LIMITS", ""), cfg.DefaultRateLimit.RetryAfter)
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.ProviderRateLimits = overrides

	if err := cfg.DefaultRateLimit.Validate(); err != nil {
		e.errs = append(e.errs, fmt.Errorf("default rate limit: %w", err))
	}
	if cfg.HighValueThresholdCents <= 0 {
		e.errs = append(e.errs, fmt.Errorf("HIGH_VALUE_THRESHOLD_CENTS must be > 0"))
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(e.errs...))
	}
	return cfg, nil
}

// ParseProviderRateLimits parses "stripe=120:20:30s,adyen=60:10" into
// per-provider configs. The retry-after part is optional.
func ParseProviderRateLimits(raw string, defaultRetryAfter time.Duration) (map[string]ratelimit.Config, error) {
	out := make(map[string]ratelimit.Config)
	for _, item := range splitList(raw) {
		provider, limits, ok := strings.Cut(item, "=")
		provider = strings.TrimSpace(provider)
		if !ok || provider == "" {
			return nil, fmt.Errorf("provider rate limit %q: expected provider=rpm:burst[:retry_after]", item)
		}

		parts := strings.Split(limits, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("provider rate limit %q: expected rpm:burst[:retry_after]", item)
		}

		rpm, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("provider %s requests per minute: %w", provider, err)
		}
		burst, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("provider %s burst size: %w", provider, err)
		}
		retryAfter := defaultRetryAfter
		if len(parts) == 3 {
			retryAfter, err = time.ParseDuration(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("provider %s retry after: %w", provider, err)
			}
		}

		cfg := ratelimit.Config{RequestsPerMinute: rpm, BurstSize: burst, RetryAfter: retryAfter}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s: %w", provider, err)
		}
		out[provider] = cfg
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// env collects parse errors so Load can report every bad variable at once.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) getString(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v := e.getString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v := e.getString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v := e.getString(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) getLevel(key string, def slog.Level) slog.Level {
	v := e.getString(key, "")
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return lvl
}

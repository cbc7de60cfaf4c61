package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr         string
	Password     string
	DB           int
	PingAttempts uint
	PingDelay    time.Duration
	PingTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingAttempts == 0 {
		o.PingAttempts = 3
	}
	if o.PingDelay <= 0 {
		o.PingDelay = 500 * time.Millisecond
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}

// Connect opens a client and pings it, retrying a fixed number of times.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}

	err := retry.Do(ping,
		retry.Attempts(opts.PingAttempts),
		retry.Delay(opts.PingDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.WarnContext(ctx, "Redis ping failed, retrying",
				slog.String("addr", opts.Addr),
				slog.Int("attempt", int(n)+1),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.InfoContext(ctx, "Connected to redis", slog.String("addr", opts.Addr))
	return client, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment_recovery/internal/api"
	"payment_recovery/internal/config"
	"payment_recovery/internal/processor"
	"payment_recovery/internal/ratelimit"
	"payment_recovery/internal/repository"
	"payment_recovery/internal/repository/memory"
	redisrepo "payment_recovery/internal/repository/redis"
	"payment_recovery/internal/service"
	"payment_recovery/pkg/clock"
	"payment_recovery/pkg/crypto"
	"payment_recovery/pkg/metrics"
)

const (
	appName = "payment_recovery"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("Starting application",
		slog.String("name", appName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()
	metricsCollector := metrics.NewMetricsCollector(logger)
	signer := crypto.NewSigner(cfg.SigningSecret, logger)
	if !signer.Enabled() {
		logger.Warn("SIGNING_SECRET not set, request signatures are not verified")
	}

	deadLetters, closeStore, err := setupDeadLetterStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to set up dead letter store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	limiters, err := ratelimit.NewRegistry(cfg.DefaultRateLimit, cfg.ProviderRateLimits, clk, logger)
	if err != nil {
		logger.Error("Invalid rate limit configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine, err := setupRuleEngine(cfg, clk, logger)
	if err != nil {
		logger.Error("Failed to build rule engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	notificationService := setupNotificationService(cfg, clk, logger)

	eventProcessor, err := processor.NewEventProcessor(processor.ProcessorOptions{
		Engine:           engine,
		Limiters:         limiters,
		Dispatcher:       notificationService,
		DeadLetters:      deadLetters,
		Metrics:          metricsCollector,
		Clock:            clk,
		Logger:           logger,
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		BlockOnRateLimit: cfg.BlockOnRateLimit,
	})
	if err != nil {
		logger.Error("Failed to build event processor", slog.String("error", err.Error()))
		os.Exit(1)
	}
	eventProcessor.Start(ctx)

	apiHandler := api.NewAPIHandler(eventProcessor, deadLetters, signer, logger)
	metricsServer := metricsCollector.StartMetricsServer(cfg.MetricsAddr)
	httpServer := startHTTPServer(cfg.HTTPAddr, apiHandler, logger)
	waitForShutdown(logger, cfg.ShutdownTimeout, httpServer, metricsServer, metricsCollector, eventProcessor, notificationService)
	logger.Info("Application shutdown complete")
}

func setupLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func setupDeadLetterStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.DeadLetterRepository, func(), error) {
	if !cfg.Redis.Enabled {
		logger.Info("Using in-memory dead letter store")
		return memory.NewDeadLetterRepository(), func() {}, nil
	}

	client, err := redisrepo.Connect(ctx, redisrepo.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Error("Redis close failed", slog.String("error", err.Error()))
		}
	}
	return redisrepo.NewDeadLetterRepository(client, redisrepo.WithPrefix(cfg.Redis.KeyPrefix)), closeFn, nil
}

func setupRuleEngine(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*processor.RuleEngine, error) {
	rules := processor.DefaultRules(processor.DefaultRuleOptions{
		Clock:                   clk,
		Scorer:                  processor.NewRiskScorer(),
		HighValueThresholdCents: cfg.HighValueThresholdCents,
	})

	engine, err := processor.NewRuleEngine(processor.EngineOptions{
		Logger:           logger,
		StopOnFirstMatch: cfg.StopOnFirstMatch,
	}, rules...)
	if err != nil {
		return nil, err
	}

	for _, name := range cfg.DisabledRules {
		if err := engine.SetEnabled(name, false); err != nil {
			return nil, fmt.Errorf("DISABLED_RULES: %w", err)
		}
	}

	return engine, nil
}

func setupNotificationService(cfg *config.Config, clk clock.Clock, logger *slog.Logger) *service.NotificationService {
	sender := service.LogSender{Logger: logger}

	return service.NewNotificationService(service.NotificationOptions{
		Email:        sender,
		Slack:        sender,
		Retries:      sender,
		AlertChannel: cfg.AlertChannel,
		AlertEmail:   cfg.AlertEmail,
		Workers:      cfg.NotificationWorkers,
		Clock:        clk,
		Logger:       logger,
	})
}

func startHTTPServer(addr string, apiHandler *api.APIHandler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	apiHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name": "%s", "status": "ok"}`, appName)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	timeout time.Duration,
	httpServer *http.Server,
	metricsServer *http.Server,
	metricsCollector *metrics.MetricsCollector,
	eventProcessor *processor.EventProcessor,
	notificationService *service.NotificationService,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	// processor first: draining it may still queue notifications
	if err := eventProcessor.Shutdown(ctx); err != nil {
		logger.Error("Event processor shutdown failed", slog.String("error", err.Error()))
	}

	if err := notificationService.Shutdown(ctx); err != nil {
		logger.Error("Notification service shutdown failed", slog.String("error", err.Error()))
	}

	if err := metricsCollector.Shutdown(ctx, metricsServer); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
}

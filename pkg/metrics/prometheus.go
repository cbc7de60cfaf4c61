package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector methods are safe to call on a nil receiver, so callers
// can run without metrics.
type MetricsCollector struct {
	registry              *prometheus.Registry
	eventsProcessed       *prometheus.CounterVec
	eventDuration         prometheus.Histogram
	ruleOutcomes          *prometheus.CounterVec
	riskScoreDistribution prometheus.Histogram
	rateLimitDecisions    *prometheus.CounterVec
	rateLimitWait         *prometheus.HistogramVec
	deadLetters           *prometheus.CounterVec
	logger                *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	collector := &MetricsCollector{
		registry: registry,
		eventsProcessed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "payment_failure_events_processed_total",
			Help: "Total number of processed payment failure events",
		}, []string{"status"}),
		eventDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_failure_event_processing_duration_seconds",
			Help:    "Time taken to process a payment failure event",
			Buckets: prometheus.DefBuckets,
		}),
		ruleOutcomes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "rule_outcomes_total",
			Help: "Matched rules by outcome",
		}, []string{"rule", "success"}),
		riskScoreDistribution: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_failure_risk_score_distribution",
			Help:    "Distribution of payment failure risk scores",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		rateLimitDecisions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "provider_rate_limit_decisions_total",
			Help: "Provider rate limiter admissions and rejections",
		}, []string{"provider", "allowed"}),
		rateLimitWait: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a provider token",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		deadLetters: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Dead letter entries recorded",
		}, []string{"stored"}),
		logger: logger,
	}

	return collector
}

func (m *MetricsCollector) RecordEvent(duration time.Duration, status string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(status).Inc()
	m.eventDuration.Observe(duration.Seconds())
}

func (m *MetricsCollector) RecordRuleOutcome(rule string, success bool) {
	if m == nil {
		return
	}
	m.ruleOutcomes.WithLabelValues(rule, strconv.FormatBool(success)).Inc()
}

func (m *MetricsCollector) RecordRiskScore(score int) {
	if m == nil {
		return
	}
	m.riskScoreDistribution.Observe(float64(score))
}

func (m *MetricsCollector) RecordRateLimitDecision(provider string, allowed bool) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(provider, strconv.FormatBool(allowed)).Inc()
}

func (m *MetricsCollector) RecordRateLimitWait(provider string, waited time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(provider).Observe(waited.Seconds())
}

func (m *MetricsCollector) RecordDeadLetter(stored bool) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(strconv.FormatBool(stored)).Inc()
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	m.logger.Info("Metrics server shutdown complete")
	return nil
}

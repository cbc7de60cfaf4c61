package processor

import (
	"context"
	"time"

	"payment_recovery/internal/domain"
	"payment_recovery/pkg/clock"
)

const (
	RuleHighValueAlert         = "high_value_alert"
	RuleInsufficientFundsRetry = "insufficient_funds_retry"
	RuleRiskScoring            = "risk_scoring"

	// DefaultHighValueThresholdCents is 1000 in major currency units.
	DefaultHighValueThresholdCents int64 = 100000
)

// Keys written into ActionResult.Data by the default rules.
const (
	DataAlertType   = "alert_type"
	DataSeverity    = "severity"
	DataEventID     = "event_id"
	DataCompanyID   = "company_id"
	DataProviderID  = "provider_id"
	DataAmountCents = "amount_cents"
	DataCurrency    = "currency"
	DataRetryAt     = "retry_at"
	DataRetryDelay  = "retry_delay"
	DataRetryCount  = "retry_count"
	DataRiskScore   = "risk_score"

	AlertTypeHighValue = "high_value"
)

type DefaultRuleOptions struct {
	Clock                   clock.Clock
	Scorer                  *RiskScorer
	HighValueThresholdCents int64
}

// DefaultRules returns high_value_alert, insufficient_funds_retry and
// risk_scoring, all enabled.
func DefaultRules(opts DefaultRuleOptions) []Rule {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Scorer == nil {
		opts.Scorer = NewRiskScorer()
	}
	if opts.HighValueThresholdCents <= 0 {
		opts.HighValueThresholdCents = DefaultHighValueThresholdCents
	}

	return []Rule{
		&HighValueAlertRule{clock: opts.Clock, thresholdCents: opts.HighValueThresholdCents},
		&InsufficientFundsRetryRule{clock: opts.Clock},
		&RiskScoringRule{clock: opts.Clock, scorer: opts.Scorer},
	}
}

type HighValueAlertRule struct {
	clock          clock.Clock
	thresholdCents int64
}

func NewHighValueAlertRule(c clock.Clock, thresholdCents int64) *HighValueAlertRule {
	return &HighValueAlertRule{clock: c, thresholdCents: thresholdCents}
}

func (r *HighValueAlertRule) Name() string { return RuleHighValueAlert }
func (r *HighValueAlertRule) Description() string {
	return "Alert immediately on high value payment failures"
}
func (r *HighValueAlertRule) Priority() int { return 100 }
func (r *HighValueAlertRule) Enabled() bool { return true }

func (r *HighValueAlertRule) Matches(event *domain.PaymentFailureEvent) bool {
	return event.AmountCents >= r.thresholdCents
}

func (r *HighValueAlertRule) Execute(_ context.Context, event *domain.PaymentFailureEvent) (domain.ActionResult, error) {
	result := domain.NewActionResult(r.Name(), "High value payment failure detected", r.clock.Now())
	result.Data[DataAlertType] = AlertTypeHighValue
	result.Data[DataSeverity] = "high"
	result.Data[DataEventID] = event.EventID
	result.Data[DataCompanyID] = event.CompanyID
	result.Data[DataProviderID] = event.ProviderID
	result.Data[DataAmountCents] = event.AmountCents
	result.Data[DataCurrency] = event.Currency
	return result, nil
}

type InsufficientFundsRetryRule struct {
	clock clock.Clock
}

func NewInsufficientFundsRetryRule(c clock.Clock) *InsufficientFundsRetryRule {
	return &InsufficientFundsRetryRule{clock: c}
}

func (r *InsufficientFundsRetryRule) Name() string { return RuleInsufficientFundsRetry }
func (r *InsufficientFundsRetryRule) Description() string {
	return "Schedule a retry 7 days out for insufficient funds failures"
}
func (r *InsufficientFundsRetryRule) Priority() int { return 70 }
func (r *InsufficientFundsRetryRule) Enabled() bool { return true }

func (r *InsufficientFundsRetryRule) Matches(event *domain.PaymentFailureEvent) bool {
	return event.FailureReason == domain.ReasonInsufficientFunds
}

func (r *InsufficientFundsRetryRule) Execute(_ context.Context, event *domain.PaymentFailureEvent) (domain.ActionResult, error) {
	now := r.clock.Now()
	retryAt := ScheduleRetry(now)

	result := domain.NewActionResult(r.Name(), "Retry scheduled for "+retryAt.UTC().Format(time.RFC3339), now)
	result.Data[DataRetryAt] = retryAt
	result.Data[DataRetryDelay] = RetryDelay.String()
	result.Data[DataRetryCount] = event.RetryCount
	result.Data[DataEventID] = event.EventID
	result.Data[DataProviderID] = event.ProviderID
	return result, nil
}

type RiskScoringRule struct {
	clock  clock.Clock
	scorer *RiskScorer
}

func NewRiskScoringRule(c clock.Clock, scorer *RiskScorer) *RiskScoringRule {
	return &RiskScoringRule{clock: c, scorer: scorer}
}

func (r *RiskScoringRule) Name() string        { return RuleRiskScoring }
func (r *RiskScoringRule) Description() string { return "Compute a risk score for every failure" }
func (r *RiskScoringRule) Priority() int       { return 10 }
func (r *RiskScoringRule) Enabled() bool       { return true }

func (r *RiskScoringRule) Matches(*domain.PaymentFailureEvent) bool { return true }

func (r *RiskScoringRule) Execute(_ context.Context, event *domain.PaymentFailureEvent) (domain.ActionResult, error) {
	score := r.scorer.Score(event)
	result := domain.NewActionResult(r.Name(), "Risk score computed", r.clock.Now())
	result.Data[DataRiskScore] = score
	return result, nil
}

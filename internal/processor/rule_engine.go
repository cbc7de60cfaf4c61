package processor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"payment_recovery/internal/domain"
)

var (
	ErrRuleAction     = errors.New("rule action failed")
	ErrUnknownRule    = errors.New("unknown rule")
	ErrDuplicateRule  = errors.New("duplicate rule name")
	ErrInvalidRuleSet = errors.New("invalid rule set")
)

// Rule is one condition/action pair. Implementations must be safe for
// concurrent use; the engine never mutates them.
type Rule interface {
	Name() string
	Description() string
	Priority() int
	Enabled() bool
	Matches(event *domain.PaymentFailureEvent) bool
	Execute(ctx context.Context, event *domain.PaymentFailureEvent) (domain.ActionResult, error)
}

// RuleOutcome carries either a Result or an Err for one matched rule.
type RuleOutcome struct {
	RuleName string
	Result   *domain.ActionResult
	Err      error
}

type RuleInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

type EngineOptions struct {
	Logger *slog.Logger
	// StopOnFirstMatch ends evaluation after the first matching rule. The
	// default is fan-out: every matching rule runs.
	StopOnFirstMatch bool
}

type registeredRule struct {
	rule    Rule
	enabled atomic.Bool
}

type RuleEngine struct {
	rules            []*registeredRule
	byName           map[string]*registeredRule
	stopOnFirstMatch bool
	logger           *slog.Logger
}

func NewRuleEngine(opts EngineOptions, rules ...Rule) (*RuleEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &RuleEngine{
		rules:            make([]*registeredRule, 0, len(rules)),
		byName:           make(map[string]*registeredRule, len(rules)),
		stopOnFirstMatch: opts.StopOnFirstMatch,
		logger:           logger,
	}

	for _, rule := range rules {
		if rule == nil || rule.Name() == "" {
			return nil, fmt.Errorf("%w: rule without a name", ErrInvalidRuleSet)
		}
		if _, exists := e.byName[rule.Name()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name())
		}

		rr := &registeredRule{rule: rule}
		rr.enabled.Store(rule.Enabled())
		e.rules = append(e.rules, rr)
		e.byName[rule.Name()] = rr
	}

	// stable: equal priorities keep registration order
	slices.SortStableFunc(e.rules, func(a, b *registeredRule) int {
		return cmp.Compare(b.rule.Priority(), a.rule.Priority())
	})

	return e, nil
}

// Evaluate runs every enabled, matching rule in priority order and returns
// one outcome per matched rule. A failing action only affects its own outcome.
func (e *RuleEngine) Evaluate(ctx context.Context, event *domain.PaymentFailureEvent) []RuleOutcome {
	if event == nil {
		return nil
	}

	var outcomes []RuleOutcome

	for _, rr := range e.rules {
		if !rr.enabled.Load() {
			continue
		}
		if !e.matches(ctx, rr.rule, event) {
			continue
		}

		outcome := e.execute(ctx, rr.rule, event)
		outcomes = append(outcomes, outcome)

		if outcome.Err != nil {
			e.logger.ErrorContext(ctx, "Rule action failed",
				slog.String("rule_name", outcome.RuleName),
				slog.String("event_id", event.EventID),
				slog.String("error", outcome.Err.Error()))
		} else {
			e.logger.InfoContext(ctx, "Rule triggered",
				slog.String("rule_name", outcome.RuleName),
				slog.String("event_id", event.EventID))
		}

		if e.stopOnFirstMatch {
			break
		}
	}

	return outcomes
}

func (e *RuleEngine) matches(ctx context.Context, rule Rule, event *domain.PaymentFailureEvent) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Rule condition panicked",
				slog.String("rule_name", rule.Name()),
				slog.String("event_id", event.EventID),
				slog.String("panic", fmt.Sprint(r)))
			matched = false
		}
	}()
	return rule.Matches(event)
}

func (e *RuleEngine) execute(ctx context.Context, rule Rule, event *domain.PaymentFailureEvent) (outcome RuleOutcome) {
	outcome.RuleName = rule.Name()

	defer func() {
		if r := recover(); r != nil {
			outcome.Result = nil
			outcome.Err = fmt.Errorf("%w: %s: panic: %v", ErrRuleAction, rule.Name(), r)
		}
	}()

	result, err := rule.Execute(ctx, event)
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %s: %w", ErrRuleAction, rule.Name(), err)
		return outcome
	}
	if result.RuleName == "" {
		result.RuleName = rule.Name()
	}
	outcome.Result = &result
	return outcome
}

// SetEnabled switches a rule on or off for all subsequent Evaluate calls.
func (e *RuleEngine) SetEnabled(name string, enabled bool) error {
	rr, exists := e.byName[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	rr.enabled.Store(enabled)
	e.logger.Info("Rule state changed",
		slog.String("rule_name", name),
		slog.Bool("enabled", enabled))
	return nil
}

// Rules lists the registered rules in evaluation order.
func (e *RuleEngine) Rules() []RuleInfo {
	infos := make([]RuleInfo, 0, len(e.rules))
	for _, rr := range e.rules {
		infos = append(infos, RuleInfo{
			Name:        rr.rule.Name(),
			Description: rr.rule.Description(),
			Priority:    rr.rule.Priority(),
			Enabled:     rr.enabled.Load(),
		})
	}
	return infos
}

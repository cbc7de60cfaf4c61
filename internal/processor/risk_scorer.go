package processor

import (
	"payment_recovery/internal/domain"
)

const maxRiskScore = 100

type AmountTier struct {
	MinCents int64
	Weight   int
}

// RiskScorer maps a failure event to a score in [0, 100] from its amount
// tier and failure reason. It holds no mutable state.
type RiskScorer struct {
	tiers         []AmountTier
	reasonWeights map[domain.FailureReason]int
}

// DefaultAmountTiers must stay sorted by MinCents descending.
var DefaultAmountTiers = []AmountTier{
	{MinCents: 100000, Weight: 30},
	{MinCents: 50000, Weight: 20},
	{MinCents: 10000, Weight: 10},
}

var DefaultReasonWeights = map[domain.FailureReason]int{
	domain.ReasonInsufficientFunds: 20,
	domain.ReasonExpiredCard:       40,
	domain.ReasonNetworkError:      5,
}

func NewRiskScorer() *RiskScorer {
	return NewRiskScorerWithWeights(DefaultAmountTiers, DefaultReasonWeights)
}

func NewRiskScorerWithWeights(tiers []AmountTier, reasonWeights map[domain.FailureReason]int) *RiskScorer {
	rw := make(map[domain.FailureReason]int, len(reasonWeights))
	for k, v := range reasonWeights {
		rw[k] = v
	}
	return &RiskScorer{
		tiers:         append([]AmountTier(nil), tiers...),
		reasonWeights: rw,
	}
}

func (s *RiskScorer) Score(event *domain.PaymentFailureEvent) int {
	if event == nil {
		return 0
	}

	score := s.amountWeight(event.AmountCents) + s.reasonWeights[event.FailureReason]

	return min(score, maxRiskScore)
}

func (s *RiskScorer) amountWeight(cents int64) int {
	for _, tier := range s.tiers {
		if cents >= tier.MinCents {
			return tier.Weight
		}
	}
	return 0
}

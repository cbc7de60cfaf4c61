package processor

import (
	"time"

	"payment_recovery/internal/domain"
)

// RetryDelay is a fixed offset, not a backoff.
const RetryDelay = 7 * 24 * time.Hour

func ScheduleRetry(now time.Time) time.Time {
	return now.Add(RetryDelay)
}

// RetryAtFromResult extracts the retry timestamp written by
// insufficient_funds_retry. The second value is false for any other result.
func RetryAtFromResult(result domain.ActionResult) (time.Time, bool) {
	if result.Data == nil {
		return time.Time{}, false
	}
	switch v := result.Data[DataRetryAt].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// RiskScoreFromResult extracts the score written by risk_scoring.
func RiskScoreFromResult(result domain.ActionResult) (int, bool) {
	if result.Data == nil {
		return 0, false
	}
	switch v := result.Data[DataRiskScore].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

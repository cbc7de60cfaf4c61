package domain

import "time"

// ActionResult is what a matched rule hands back to the caller. Data is
// opaque to the pipeline and meant for alerting and workflow consumers.
type ActionResult struct {
	RuleName   string         `json:"rule_name"`
	Success    bool           `json:"success"`
	ExecutedAt time.Time      `json:"executed_at"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

func NewActionResult(ruleName, message string, executedAt time.Time) ActionResult {
	return ActionResult{
		RuleName:   ruleName,
		Success:    true,
		ExecutedAt: executedAt,
		Message:    message,
		Data:       make(map[string]any),
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/processor"
	"payment_recovery/internal/ratelimit"
	"payment_recovery/internal/repository"
	"payment_recovery/pkg/clock"
	"payment_recovery/pkg/crypto"
	"payment_recovery/pkg/validator"
)

const maxBodyBytes = 1 << 20

type APIHandler struct {
	processor      *processor.EventProcessor
	deadLetters    repository.DeadLetterRepository
	signer         *crypto.Signer
	clock          clock.Clock
	logger         *slog.Logger
	requestTimeout time.Duration
}

func NewAPIHandler(
	processor *processor.EventProcessor,
	deadLetters repository.DeadLetterRepository,
	signer *crypto.Signer,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &APIHandler{
		processor:      processor,
		deadLetters:    deadLetters,
		signer:         signer,
		clock:          clock.New(),
		logger:         logger,
		requestTimeout: 30 * time.Second,
	}
}

type OutcomeResponse struct {
	RuleName   string         `json:"rule_name"`
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type EvaluateResponse struct {
	EventID      string            `json:"event_id"`
	RiskScore    int               `json:"risk_score"`
	Dispatched   int               `json:"dispatched"`
	DeadLettered bool              `json:"dead_lettered"`
	Outcomes     []OutcomeResponse `json:"outcomes"`
}

type UpdateRateLimitRequest struct {
	RequestsPerMinute int    `json:"requests_per_minute"`
	BurstSize         int    `json:"burst_size"`
	RetryAfter        string `json:"retry_after,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// readEvent reads the body, checks the signature over the raw bytes and
// decodes the event. It writes the error response itself and reports false
// when the request should stop there.
func (h *APIHandler) readEvent(w http.ResponseWriter, r *http.Request) (*domain.PaymentFailureEvent, []byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return nil, nil, false
	}

	if err := h.signer.VerifyPayload(body, r.Header.Get(crypto.SignatureHeader)); err != nil {
		h.sendError(w, "Invalid signature", http.StatusUnauthorized, "INVALID_SIGNATURE")
		return nil, nil, false
	}

	var event domain.PaymentFailureEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return nil, nil, false
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = h.clock.Now().UTC()
	}

	return &event, body, true
}

func (h *APIHandler) EvaluateEventHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	event, body, ok := h.readEvent(w, r)
	if !ok {
		return
	}

	res, err := h.processor.Process(ctx, event, body)
	if err != nil {
		var rle *processor.RateLimitedError
		switch {
		case errors.Is(err, validator.ErrInvalidEvent):
			h.sendErrorDetails(w, "Validation failed", http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.As(err, &rle):
			w.Header().Set("Retry-After", retryAfterSeconds(rle.RetryAfter))
			h.sendJSON(w, rle.Info, http.StatusTooManyRequests)
		default:
			h.logger.ErrorContext(ctx, "Event processing failed",
				slog.String("error", err.Error()),
				slog.String("event_id", event.EventID))
			h.sendError(w, "Event processing failed", http.StatusInternalServerError, "PROCESSING_ERROR")
		}
		return
	}

	h.sendJSON(w, toEvaluateResponse(res), http.StatusOK)
	h.logger.InfoContext(ctx, "Event evaluated",
		slog.String("event_id", res.EventID),
		slog.Int("matched_rules", len(res.Outcomes)),
		slog.Int("risk_score", res.RiskScore))
}

// SubmitEventHandler queues the event for the background workers.
func (h *APIHandler) SubmitEventHandler(w http.ResponseWriter, r *http.Request) {
	event, body, ok := h.readEvent(w, r)
	if !ok {
		return
	}

	err := h.processor.Submit(r.Context(), event, body)
	switch {
	case err == nil:
		h.sendJSON(w, map[string]string{"event_id": event.EventID, "status": "queued"}, http.StatusAccepted)
	case errors.Is(err, validator.ErrInvalidEvent):
		h.sendErrorDetails(w, "Validation failed", http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrProcessorStopped):
		w.Header().Set("Retry-After", "1")
		h.sendError(w, err.Error(), http.StatusServiceUnavailable, "UNAVAILABLE")
	default:
		h.sendError(w, "Failed to queue event", http.StatusInternalServerError, "SERVER_ERROR")
	}
}

func (h *APIHandler) GetRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("id")
	limiters := h.processor.Limiters()
	if limiters == nil {
		h.sendError(w, "Rate limiting is not configured", http.StatusNotFound, "NOT_FOUND")
		return
	}

	h.sendJSON(w, limiters.Get(providerID).GetRateLimitInfo(), http.StatusOK)
}

func (h *APIHandler) UpdateRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("id")
	limiters := h.processor.Limiters()
	if limiters == nil {
		h.sendError(w, "Rate limiting is not configured", http.StatusNotFound, "NOT_FOUND")
		return
	}

	var req UpdateRateLimitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.sendError(w, "Invalid request body", http.StatusBadRequest, "INVALID_REQUEST")
		return
	}

	cfg := ratelimit.Config{RequestsPerMinute: req.RequestsPerMinute, BurstSize: req.BurstSize}
	if req.RetryAfter != "" {
		d, err := time.ParseDuration(req.RetryAfter)
		if err != nil {
			h.sendError(w, "Invalid retry_after duration", http.StatusBadRequest, "VALIDATION_ERROR")
			return
		}
		cfg.RetryAfter = d
	} else {
		cfg.RetryAfter = limiters.Get(providerID).Config().RetryAfter
	}

	if err := limiters.Update(providerID, cfg); err != nil {
		if errors.Is(err, ratelimit.ErrInvalidConfig) {
			h.sendErrorDetails(w, "Invalid rate limit config", http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		h.sendError(w, "Failed to update rate limit", http.StatusInternalServerError, "SERVER_ERROR")
		return
	}

	h.sendJSON(w, limiters.Get(providerID).GetRateLimitInfo(), http.StatusOK)
}

func (h *APIHandler) ListRulesHandler(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.processor.Engine().Rules(), http.StatusOK)
}

func (h *APIHandler) EnableRuleHandler(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r.PathValue("name"), true)
}

func (h *APIHandler) DisableRuleHandler(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r.PathValue("name"), false)
}

func (h *APIHandler) setRuleEnabled(w http.ResponseWriter, name string, enabled bool) {
	engine := h.processor.Engine()
	if err := engine.SetEnabled(name, enabled); err != nil {
		if errors.Is(err, processor.ErrUnknownRule) {
			h.sendError(w, "Rule not found", http.StatusNotFound, "NOT_FOUND")
			return
		}
		h.sendError(w, "Failed to update rule", http.StatusInternalServerError, "SERVER_ERROR")
		return
	}

	for _, info := range engine.Rules() {
		if info.Name == name {
			h.sendJSON(w, info, http.StatusOK)
			return
		}
	}
}

func (h *APIHandler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var (
		entries []*domain.DeadLetterEntry
		err     error
	)
	if companyID := r.URL.Query().Get("company_id"); companyID != "" {
		entries, err = h.deadLetters.GetByCompanyID(ctx, companyID)
	} else {
		entries, err = h.deadLetters.GetAll(ctx)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list dead letters", slog.String("error", err.Error()))
		h.sendError(w, "Failed to list dead letters", http.StatusInternalServerError, "SERVER_ERROR")
		return
	}
	if entries == nil {
		entries = []*domain.DeadLetterEntry{}
	}

	h.sendJSON(w, entries, http.StatusOK)
}

func (h *APIHandler) GetDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	entry, err := h.deadLetters.GetByEventID(ctx, r.PathValue("provider_id"), r.PathValue("event_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(w, "Dead letter not found", http.StatusNotFound, "NOT_FOUND")
		} else {
			h.sendError(w, "Failed to get dead letter", http.StatusInternalServerError, "SERVER_ERROR")
		}
		return
	}

	h.sendJSON(w, entry, http.StatusOK)
}

func (h *APIHandler) DeleteDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.deadLetters.Delete(ctx, r.PathValue("provider_id"), r.PathValue("event_id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(w, "Dead letter not found", http.StatusNotFound, "NOT_FOUND")
		} else {
			h.sendError(w, "Failed to delete dead letter", http.StatusInternalServerError, "SERVER_ERROR")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": h.clock.Now().UTC(),
		"version":   "1.0.0",
	}
	h.sendJSON(w, response, http.StatusOK)
}

func toEvaluateResponse(res *processor.ProcessResult) EvaluateResponse {
	out := EvaluateResponse{
		EventID:      res.EventID,
		RiskScore:    res.RiskScore,
		Dispatched:   res.Dispatched,
		DeadLettered: res.DeadLettered,
		Outcomes:     make([]OutcomeResponse, 0, len(res.Outcomes)),
	}
	for _, o := range res.Outcomes {
		resp := OutcomeResponse{RuleName: o.RuleName}
		if o.Err != nil {
			resp.Error = o.Err.Error()
		}
		if o.Result != nil {
			executedAt := o.Result.ExecutedAt
			resp.Success = o.Result.Success
			resp.Message = o.Result.Message
			resp.ExecutedAt = &executedAt
			resp.Data = o.Result.Data
		}
		out.Outcomes = append(out.Outcomes, resp)
	}
	return out
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (h *APIHandler) sendError(w http.ResponseWriter, message string, statusCode int, code string) {
	h.sendErrorDetails(w, message, statusCode, code, "")
}

func (h *APIHandler) sendErrorDetails(w http.ResponseWriter, message string, statusCode int, code, details string) {
	errorResponse := ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Warn("API error response",
		slog.String("message", message),
		slog.String("code", code),
		slog.Int("status", statusCode))
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events/evaluate", h.EvaluateEventHandler)
	mux.HandleFunc("POST /api/v1/events", h.SubmitEventHandler)
	mux.HandleFunc("GET /api/v1/providers/{id}/rate-limit", h.GetRateLimitHandler)
	mux.HandleFunc("PUT /api/v1/providers/{id}/rate-limit", h.UpdateRateLimitHandler)
	mux.HandleFunc("GET /api/v1/rules", h.ListRulesHandler)
	mux.HandleFunc("POST /api/v1/rules/{name}/enable", h.EnableRuleHandler)
	mux.HandleFunc("POST /api/v1/rules/{name}/disable", h.DisableRuleHandler)
	mux.HandleFunc("GET /api/v1/dead-letters", h.ListDeadLettersHandler)
	mux.HandleFunc("GET /api/v1/dead-letters/{provider_id}/{event_id}", h.GetDeadLetterHandler)
	mux.HandleFunc("DELETE /api/v1/dead-letters/{provider_id}/{event_id}", h.DeleteDeadLetterHandler)
	mux.HandleFunc("GET /api/health", h.HealthCheckHandler)
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/pearl-project/pearl/internal/pipeline"
)

// errorBody is the OpenAI-style error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeJSON encodes v with the given status. Encoding failures fall back to
// a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"message":"encoding failure"}}`, http.StatusInternalServerError)
	}
}

// writeError writes the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}

// statusFor maps a pipeline error category to the HTTP response status.
func statusFor(cat pipeline.Category) int {
	switch cat {
	case pipeline.CategoryInvalidRequest:
		return http.StatusBadRequest
	case pipeline.CategoryAuthFailure:
		return http.StatusUnauthorized
	case pipeline.CategoryPolicyBlock:
		return http.StatusForbidden
	case pipeline.CategoryRateLimited:
		return http.StatusTooManyRequests
	case pipeline.CategoryBudgetExhausted:
		return http.StatusPaymentRequired
	case pipeline.CategoryBackendRetryable:
		return http.StatusBadGateway
	case pipeline.CategoryBackendFatal:
		return http.StatusBadGateway
	case pipeline.CategoryCancelled:
		// 499 in the nginx convention; stdlib has no constant for it.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// typeFor maps a pipeline error category to the OpenAI-style error type
// string.
func typeFor(cat pipeline.Category) string {
	switch cat {
	case pipeline.CategoryInvalidRequest:
		return "invalid_request_error"
	case pipeline.CategoryAuthFailure:
		return "auth_error"
	case pipeline.CategoryPolicyBlock:
		return "policy_violation"
	case pipeline.CategoryRateLimited:
		return "rate_limit_error"
	case pipeline.CategoryBudgetExhausted:
		return "budget_exhausted"
	case pipeline.CategoryBackendRetryable, pipeline.CategoryBackendFatal:
		return "upstream_error"
	default:
		return "internal_error"
	}
}

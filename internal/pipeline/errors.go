package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pearl-project/pearl/internal/resilience"
	"github.com/pearl-project/pearl/internal/router"
	"github.com/pearl-project/pearl/pkg/backend"
)

// Category classifies a pipeline failure. The HTTP layer maps categories to
// status codes; the pipeline itself never decides transport mapping.
type Category string

const (
	// CategoryInvalidRequest is a schema or parse error. No side effects.
	CategoryInvalidRequest Category = "invalid_request"

	// CategoryAuthFailure is a missing or invalid inbound API key.
	CategoryAuthFailure Category = "auth_failure"

	// CategoryPolicyBlock means the injection detector blocked the request.
	CategoryPolicyBlock Category = "policy_block"

	// CategoryRateLimited is the detector's per-user rate limit.
	CategoryRateLimited Category = "rate_limited"

	// CategoryBudgetExhausted is a strict-budget routing failure.
	CategoryBudgetExhausted Category = "budget_exhausted"

	// CategoryBackendRetryable is a transient upstream failure that survived
	// retries and fallback.
	CategoryBackendRetryable Category = "backend_retryable"

	// CategoryBackendFatal is an upstream 4xx other than 429.
	CategoryBackendFatal Category = "backend_fatal"

	// CategoryCancelled is caller disconnect or deadline.
	CategoryCancelled Category = "cancelled"

	// CategoryInternal is everything unexpected.
	CategoryInternal Category = "internal"
)

// Error is a tagged pipeline failure carrying the routing context known at
// the point of failure.
type Error struct {
	Category Category
	Rule     string
	Account  string

	// Reason is the short human-readable text surfaced to callers.
	// Sensitive detail stays in Err and the logs.
	Reason string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pipeline: %s", e.Category)
	if e.Rule != "" {
		msg += fmt.Sprintf(" rule=%s", e.Rule)
	}
	if e.Account != "" {
		msg += fmt.Sprintf(" account=%s", e.Account)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the category from err, classifying untagged errors by
// their underlying type.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.Is(err, router.ErrBudgetExhausted):
		return CategoryBudgetExhausted
	case errors.Is(err, resilience.ErrBreakerOpen):
		return CategoryBackendRetryable
	case backend.Retryable(err):
		return CategoryBackendRetryable
	default:
		var se *backend.StatusError
		if errors.As(err, &se) {
			return CategoryBackendFatal
		}
		return CategoryInternal
	}
}

// tag wraps err with routing context unless it is already tagged.
func tag(err error, category Category, rule, account, reason string) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Category: category, Rule: rule, Account: account, Reason: reason, Err: err}
}

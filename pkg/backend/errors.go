package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// StatusError carries an upstream HTTP failure. Code is the HTTP status;
// RetryAfter is nonzero when the provider supplied a Retry-After header.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: upstream status %d", e.Code)
	}
	return fmt.Sprintf("backend: upstream status %d: %s", e.Code, e.Message)
}

// NewStatusError builds a StatusError from a response status and body
// excerpt, extracting Retry-After when present.
func NewStatusError(resp *http.Response, message string) *StatusError {
	e := &StatusError{Code: resp.StatusCode, Message: message}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(ra); err == nil {
			if d := time.Until(t); d > 0 {
				e.RetryAfter = d
			}
		}
	}
	return e
}

// Retryable reports whether err represents a transient failure worth
// retrying: network errors, HTTP 5xx, and HTTP 429. Other 4xx statuses are
// treated as fatal since retrying an invalid or unauthorized request cannot
// succeed. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// Connection-level failures surface as *net.OpError wrapped in
	// *url.Error; errors.As above covers both since they implement
	// net.Error. Anything else is treated as fatal.
	return false
}

// RetryAfter extracts the provider-requested delay from err, or zero.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

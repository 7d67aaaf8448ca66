package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/pearl-project/pearl/pkg/backend"
)

func TestWrapErrTranslatesAPIErrors(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Retry-After", "7")
	rateLimited := &oai.Error{
		Message:    "rate limited",
		StatusCode: http.StatusTooManyRequests,
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests, Header: hdr},
	}
	badRequest := &oai.Error{
		Message:    "invalid model",
		StatusCode: http.StatusBadRequest,
	}

	tests := []struct {
		name       string
		err        error
		wantCode   int
		retryable  bool
		retryAfter time.Duration
	}{
		{"rate limit with header", rateLimited, http.StatusTooManyRequests, true, 7 * time.Second},
		{"bad request without response", badRequest, http.StatusBadRequest, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("openai: start stream: %w", wrapErr(tt.err))
			var se *backend.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a StatusError", err)
			}
			if se.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", se.Code, tt.wantCode)
			}
			if got := backend.Retryable(err); got != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got, tt.retryable)
			}
			if got := backend.RetryAfter(err); got != tt.retryAfter {
				t.Errorf("RetryAfter = %v, want %v", got, tt.retryAfter)
			}
		})
	}
}

func TestWrapErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("connection refused")
	if got := wrapErr(plain); got != plain {
		t.Errorf("wrapErr(%v) = %v, want the error unchanged", plain, got)
	}
}

func TestModelsSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	a, err := New("sk-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Models(context.Background())
	if err == nil {
		t.Fatal("Models should fail against a 401 server")
	}
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", se.Code)
	}
	if backend.Retryable(err) {
		t.Error("a 401 must not be retryable")
	}
}

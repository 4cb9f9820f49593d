package sambung

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClientError(t *testing.T) {
	err := &ClientError{
		Type:    ErrorTypeTransport,
		Message: "connection reset",
	}

	expectedMsg := "Transport: connection reset"
	if err.Error() != expectedMsg {
		t.Errorf("Expected '%s', got '%s'", expectedMsg, err.Error())
	}

	cause := errors.New("underlying error")
	errWithCause := &ClientError{
		Type:      ErrorTypeStatus,
		Message:   "internal error",
		Cause:     cause,
		RequestID: "req-1",
	}

	expectedMsgWithCause := "[req-1] Status: internal error (underlying error)"
	if errWithCause.Error() != expectedMsgWithCause {
		t.Errorf("Expected '%s', got '%s'", expectedMsgWithCause, errWithCause.Error())
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("original error")
	err := &ClientError{Type: ErrorTypeTransport, Message: "test message", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Expected unwrapped error to be %v, got %v", cause, unwrapped)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestClientErrorIs(t *testing.T) {
	tests := []struct {
		errorType string
		sentinel  error
	}{
		{ErrorTypeCircuitOpen, ErrCircuitOpen},
		{ErrorTypeRateLimit, ErrRateLimited},
		{ErrorTypeTimeout, ErrTimeout},
		{ErrorTypeAborted, ErrAborted},
		{ErrorTypeMaxRetries, ErrMaxRetriesExceeded},
		{ErrorTypeRetryBudgetExceeded, ErrRetryBudgetExceeded},
		{ErrorTypeNoResponse, ErrNoResponse},
	}

	for _, tt := range tests {
		t.Run(tt.errorType, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &ClientError{Type: tt.errorType})
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Expected %s to match %v", tt.errorType, tt.sentinel)
			}
			if !errors.Is(err, &ClientError{Type: tt.errorType}) {
				t.Errorf("Expected %s to match a ClientError of the same type", tt.errorType)
			}
			if errors.Is(err, ErrNoTransport) {
				t.Error("Expected no match against an unrelated sentinel")
			}
		})
	}
}

func TestClientErrorAs(t *testing.T) {
	original := &ClientError{Type: ErrorTypeValidation, Message: "bad input"}
	wrapped := fmt.Errorf("wrapped: %w", original)

	var ce *ClientError
	if !errors.As(wrapped, &ce) {
		t.Fatal("Expected errors.As to find ClientError")
	}
	if ce != original {
		t.Error("Expected the original ClientError")
	}
}

func TestClientErrorNilHandling(t *testing.T) {
	var err *ClientError
	if err.Error() != "<nil>" {
		t.Errorf("Expected '<nil>', got %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("Expected nil Unwrap on nil receiver")
	}
	if err.Is(ErrTimeout) {
		t.Error("Expected nil receiver to match nothing")
	}
	if err.DebugInfo() != "Error: <nil>" {
		t.Errorf("Unexpected DebugInfo %q", err.DebugInfo())
	}
}

func TestStatusClientError(t *testing.T) {
	msg := testMessage("users", "get", nil)
	item := &ResponseItem{ID: "req-1", Status: Failure("NOT_FOUND", "no such user", false)}

	err := statusClientError(item, msg)
	if err.Type != ErrorTypeStatus || err.Code != "NOT_FOUND" || err.Message != "no such user" {
		t.Errorf("Unexpected status error %+v", err)
	}
	if err.Method != "users.get" {
		t.Errorf("Expected method users.get, got %q", err.Method)
	}

	var se *ErrorStatus
	if !errors.As(err, &se) || se.Status.Code != "NOT_FOUND" {
		t.Error("Expected *ErrorStatus cause")
	}

	info := err.DebugInfo()
	for _, want := range []string{"Error Type: Status", "Code: NOT_FOUND", "Method: users.get"} {
		if !strings.Contains(info, want) {
			t.Errorf("Expected DebugInfo to contain %q, got:\n%s", want, info)
		}
	}
}

func TestAbortedErrorPreservesTimeoutCause(t *testing.T) {
	timeout := &ClientError{Type: ErrorTypeTimeout, Message: "overall timeout"}
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(timeout)

	if err := abortedError(ctx, nil); err != timeout {
		t.Errorf("Expected the timeout cause itself, got %v", err)
	}

	plain, cancelPlain := context.WithCancel(context.Background())
	cancelPlain()
	err := abortedError(plain, nil)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Errorf("Expected aborted error wrapping context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", &ClientError{Type: ErrorTypeCircuitOpen}, true},
		{"rate limited", &ClientError{Type: ErrorTypeRateLimit}, true},
		{"timeout", &ClientError{Type: ErrorTypeTimeout}, true},
		{"transport", &ClientError{Type: ErrorTypeTransport}, true},
		{"aborted", &ClientError{Type: ErrorTypeAborted}, false},
		{"validation", &ClientError{Type: ErrorTypeValidation}, false},
		{"retryable status", &ErrorStatus{Status: Failure("UNAVAILABLE", "", true)}, true},
		{"fatal status", &ErrorStatus{Status: Failure("INVALID", "", false)}, false},
		{"plain", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(context.Canceled) || !IsCancellation(&ClientError{Type: ErrorTypeTimeout}) {
		t.Error("Expected cancellations and timeouts to match")
	}
	if IsCancellation(&ClientError{Type: ErrorTypeTransport}) {
		t.Error("Expected transport error not to be a cancellation")
	}
}

package sambung

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types carried by ClientError.Type.
const (
	ErrorTypeStatus              = "Status"
	ErrorTypeCircuitOpen         = "CircuitOpen"
	ErrorTypeRateLimit           = "RateLimit"
	ErrorTypeTimeout             = "Timeout"
	ErrorTypeAborted             = "Aborted"
	ErrorTypeMaxRetries          = "MaxRetries"
	ErrorTypeRetryBudgetExceeded = "RetryBudgetExceeded"
	ErrorTypeNoResponse          = "NoResponse"
	ErrorTypeTransport           = "Transport"
	ErrorTypeValidation          = "Validation"
	ErrorTypeAuth                = "Auth"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("sambung: circuit open")

	// ErrRateLimited is returned when a call is denied due to rate limiting
	ErrRateLimited = errors.New("sambung: rate limited")

	// ErrTimeout is returned when a timeout interceptor fires
	ErrTimeout = errors.New("sambung: request timeout")

	// ErrAborted is returned when the call context was cancelled
	ErrAborted = errors.New("sambung: aborted")

	// ErrMaxRetriesExceeded is returned when the retry loop ends without an outcome
	ErrMaxRetriesExceeded = errors.New("sambung: max retries exceeded")

	// ErrRetryBudgetExceeded is returned when retry budget is exhausted
	ErrRetryBudgetExceeded = errors.New("sambung: retry budget exceeded")

	// ErrNoResponse is returned when a call yields no response item
	ErrNoResponse = errors.New("sambung: no response")

	// ErrNoTransport is returned when a client is built without a transport
	ErrNoTransport = errors.New("sambung: transport is required")
)

var sentinelByType = map[string]error{
	ErrorTypeCircuitOpen:         ErrCircuitOpen,
	ErrorTypeRateLimit:           ErrRateLimited,
	ErrorTypeTimeout:             ErrTimeout,
	ErrorTypeAborted:             ErrAborted,
	ErrorTypeMaxRetries:          ErrMaxRetriesExceeded,
	ErrorTypeRetryBudgetExceeded: ErrRetryBudgetExceeded,
	ErrorTypeNoResponse:          ErrNoResponse,
}

// ClientError is the single error shape surfaced to callers.
type ClientError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	Code        string
	Retryable   bool
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
}

func newClientError(errorType, message string, cause error, msg *Message) *ClientError {
	e := &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if msg != nil {
		e.RequestID = msg.ID
		e.Method = msg.Method.String()
		if r, ok := msg.Metadata.Lookup(MetaRetry); ok {
			e.Attempt, _ = r.Int("attempt")
			e.MaxAttempts, _ = r.Int("maxAttempts")
		}
	}
	return e
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *ClientError of the same Type, or the sentinel that
// corresponds to Type.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	if sentinel, ok := sentinelByType[e.Type]; ok {
		return sentinel == target
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Code != "" {
		info += fmt.Sprintf("Code: %s\n", e.Code)
	}
	info += fmt.Sprintf("Retryable: %t\n", e.Retryable)
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// ErrorStatus turns an error status item into an error value, for
// interceptors that classify failures uniformly.
type ErrorStatus struct {
	ResponseID string
	Status     Status
}

func (e *ErrorStatus) Error() string {
	return fmt.Sprintf("status %s: %s", e.Status.Code, e.Status.Message)
}

// statusClientError builds the error raised for an error status item.
func statusClientError(item *ResponseItem, msg *Message) *ClientError {
	e := newClientError(ErrorTypeStatus, item.Status.Message, &ErrorStatus{ResponseID: item.ID, Status: item.Status}, msg)
	e.RequestID = item.ID
	e.Code = item.Status.Code
	e.Retryable = item.Status.Retryable
	return e
}

// abortedError wraps a context error so that it reports as ErrAborted while
// still matching context.Canceled or context.DeadlineExceeded.
func abortedError(ctx context.Context, msg *Message) *ClientError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	var ce *ClientError
	if errors.As(cause, &ce) {
		return ce
	}
	return newClientError(ErrorTypeAborted, "call aborted", cause, msg)
}

// IsCancellation reports whether err represents a cancellation or timeout
// rather than a failure of the remote side.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrTimeout)
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrAborted)
}

// IsTransient determines if an error represents a failure that might
// succeed on retry: transport errors, timeouts, open breakers, rate limits
// and error statuses flagged retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded) {
		return true
	}

	var statusErr *ErrorStatus
	if errors.As(err, &statusErr) {
		return statusErr.Status.Retryable
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeTransport, ErrorTypeTimeout:
			return true
		default:
			return clientErr.Retryable
		}
	}

	return false
}

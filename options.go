package sambung

import (
	"fmt"
)

// WithInterceptors appends interceptors to the client chain. The first one
// given is the outermost; nil entries are skipped.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(c *Client) {
		c.chain.add(interceptors...)
	}
}

// WithContextValues sets the client's own context node.
func WithContextValues(values Metadata) Option {
	return func(c *Client) {
		c.context = MergeContext(c.context, values)
	}
}

// WithThrowOnError controls whether error-status items are raised as
// *ClientError (the default) or returned as payloads.
func WithThrowOnError(throw bool) Option {
	return func(c *Client) {
		c.throwOnError = throw
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.requestIDGen = gen
	}
}

// WithLogger sets the logger used for call tracing
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a development console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateTransport()...)

	if c.requestIDGen == nil {
		problems = append(problems, "request ID generator cannot be nil")
	}

	return validationError("client", problems)
}

func (c *Client) validateTransport() []string {
	if c.transport == nil {
		return []string{"transport is required"}
	}
	return nil
}

// validationError folds problems into one ErrorTypeValidation error, or
// returns nil when there are none.
func validationError(section string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ClientError{
		Type:    ErrorTypeValidation,
		Message: section + " configuration validation failed",
		Cause:   fmt.Errorf("validation errors: %v", problems),
	}
}

package sambung

import (
	"context"
	"errors"
	"io"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// interceptorChain is the ordered interceptor list shared by a client and
// every child derived from it.
type interceptorChain struct {
	mu   sync.RWMutex
	list []Interceptor
}

// add appends interceptors, skipping nil entries as Compose does.
func (ch *interceptorChain) add(interceptors ...Interceptor) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, interceptor := range interceptors {
		if interceptor != nil {
			ch.list = append(ch.list, interceptor)
		}
	}
}

func (ch *interceptorChain) snapshot() []Interceptor {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return slices.Clone(ch.list)
}

// Client drives calls through the interceptor chain to a Transport. Children
// created with WithContext share the transport and chain but carry their
// own context layer. It is safe for concurrent use.
type Client struct {
	transport    Transport
	chain        *interceptorChain
	parent       *Client
	context      Metadata
	throwOnError bool
	requestIDGen func() string
	logger       Logger
	metrics      *MetricsCollector
}

// New constructs a Client over transport using the provided functional
// options.
func New(transport Transport, options ...Option) (*Client, error) {
	if transport == nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "transport is required",
			Cause:     ErrNoTransport,
			Timestamp: time.Now(),
		}
	}

	client := &Client{
		transport:    transport,
		chain:        &interceptorChain{},
		context:      Metadata{},
		throwOnError: true,
		requestIDGen: uuid.NewString,
	}

	for _, option := range options {
		option(client)
	}
	client.logger = loggerOrNop(client.logger)

	if err := client.ValidateConfiguration(); err != nil {
		return nil, err
	}
	return client, nil
}

// WithContext returns a child client whose context layer is extra, merged
// over the receiver's effective context on every call.
func (c *Client) WithContext(extra Metadata) *Client {
	child := *c
	child.parent = c
	child.context = MergeContext(extra)
	return &child
}

// Use appends interceptors to the chain shared with every related client.
// The chain is rebuilt per call, so they apply to the next call.
func (c *Client) Use(interceptors ...Interceptor) *Client {
	c.chain.add(interceptors...)
	return c
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// Context returns the effective context: ancestors outermost first, then
// the client's own layer.
func (c *Client) Context() Metadata {
	var layers []Metadata
	for n := c; n != nil; n = n.parent {
		layers = append(layers, n.context)
	}
	slices.Reverse(layers)
	return MergeContext(layers...)
}

// Close closes every interceptor that holds resources, then the transport.
// Children share both, so closing any related client closes them all.
func (c *Client) Close() error {
	var errs []error
	for _, interceptor := range c.chain.snapshot() {
		if closer, ok := interceptor.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	errs = append(errs, c.transport.Close())
	return errors.Join(errs...)
}

func (c *Client) newMessage(method Method, payload any, opts []CallOption) (*Message, bool) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	throw := c.throwOnError
	if o.throwOnError != nil {
		throw = *o.throwOnError
	}

	return &Message{
		ID:       c.requestIDGen(),
		Method:   method,
		Payload:  payload,
		Metadata: MergeContext(c.Context(), o.context, o.metadata),
	}, throw
}

func (c *Client) run(ctx context.Context, msg *Message) Stream {
	return Compose(c.transport.Send, c.chain.snapshot()...)(ctx, msg)
}

// Call performs a unary call and returns the payload of the first item.
func (c *Client) Call(ctx context.Context, method Method, payload any, opts ...CallOption) (any, error) {
	msg, throw := c.newMessage(method, payload, opts)
	start := time.Now()

	c.metrics.RecordCallStart(method)
	defer c.metrics.RecordCallEnd(method)
	c.logger.Debug("Starting call", "requestID", msg.ID, "method", method.String(), "transport", c.transport.Name())

	var (
		first *ResponseItem
		err   error
	)
	for item, e := range c.run(ctx, msg) {
		first, err = item, e
		break
	}

	switch {
	case err != nil:
		return nil, c.fail(msg, c.normalize(msg, err), start)
	case first == nil:
		return nil, c.fail(msg, newClientError(ErrorTypeNoResponse, "no response received", nil, msg), start)
	case first.Status.IsError() && throw:
		return nil, c.fail(msg, statusClientError(first, msg), start)
	}

	c.succeed(msg, first, start)
	return first.Payload, nil
}

// Stream performs a streaming call and returns its payloads lazily. With
// throw-on-error an error-status item ends the sequence with a *ClientError.
func (c *Client) Stream(ctx context.Context, method Method, payload any, opts ...CallOption) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		msg, throw := c.newMessage(method, payload, opts)
		start := time.Now()

		c.metrics.RecordCallStart(method)
		defer c.metrics.RecordCallEnd(method)
		c.logger.Debug("Starting stream", "requestID", msg.ID, "method", method.String(), "transport", c.transport.Name())

		var last *ResponseItem
		for item, err := range c.run(ctx, msg) {
			if err != nil {
				yield(nil, c.fail(msg, c.normalize(msg, err), start))
				return
			}
			last = item
			if throw && item.Status.IsError() {
				yield(nil, c.fail(msg, statusClientError(item, msg), start))
				return
			}
			if !yield(item.Payload, nil) {
				break
			}
		}
		c.succeed(msg, last, start)
	}
}

// normalize makes sure the caller sees a *ClientError.
func (c *Client) normalize(msg *Message, err error) error {
	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}
	if isAbort(err) {
		return newClientError(ErrorTypeAborted, "call aborted", err, msg)
	}
	return newClientError(ErrorTypeTransport, "transport error", err, msg)
}

func (c *Client) fail(msg *Message, err error, start time.Time) error {
	duration := time.Since(start)
	errType := ErrorTypeTransport
	var ce *ClientError
	if errors.As(err, &ce) {
		errType = ce.Type
	}
	// Errors may be shared between coalesced calls, so stamp a copy.
	if top, ok := err.(*ClientError); ok && top.Duration == 0 {
		cp := *top
		cp.Duration = duration
		err = &cp
	}

	c.metrics.RecordError(errType, msg.Method)
	c.metrics.RecordCall(msg.Method, "error", duration)
	c.logger.Debug("Call failed", "requestID", msg.ID, "method", msg.Method.String(),
		"errorType", errType, "duration", duration, "error", err)
	return err
}

func (c *Client) succeed(msg *Message, last *ResponseItem, start time.Time) {
	duration := time.Since(start)
	outcome := "success"
	if last != nil && last.Status.IsError() {
		outcome = "error_status"
	}
	c.metrics.RecordCall(msg.Method, outcome, duration)
	c.logger.Debug("Call completed", "requestID", msg.ID, "method", msg.Method.String(),
		"outcome", outcome, "duration", duration)
}

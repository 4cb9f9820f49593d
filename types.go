package sambung

import (
	"context"
	"iter"
)

// Method identifies a remote operation. Callers build it directly; it is
// never parsed out of a string.
type Method struct {
	Service   string
	Operation string
	Version   string
}

// String renders the method as "[version:]service.operation".
func (m Method) String() string {
	s := m.Service + "." + m.Operation
	if m.Version != "" {
		return m.Version + ":" + s
	}
	return s
}

// Message is the unit handed to a Transport. ID correlates every response
// item of one logical call and stays the same across retry attempts.
type Message struct {
	ID       string
	Method   Method
	Payload  any
	Metadata Metadata
}

// Clone returns a copy of m whose metadata can be modified independently.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Metadata = m.Metadata.Clone()
	return &cp
}

// adoptMetadata copies the metadata of a finished copy back onto msg.
func adoptMetadata(msg, finished *Message) {
	if len(finished.Metadata) == 0 {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = Metadata{}
	}
	for k, v := range finished.Metadata {
		msg.Metadata[k] = v
	}
}

// StatusType discriminates the Status union.
type StatusType int

const (
	StatusSuccess StatusType = iota
	StatusError
)

func (t StatusType) String() string {
	if t == StatusError {
		return "error"
	}
	return "success"
}

// Status is the protocol-agnostic outcome of a response item. Retryable is
// the only signal resilience interceptors use to decide on a retry.
type Status struct {
	Type      StatusType
	Code      string
	Message   string
	Retryable bool
	Metadata  Metadata
}

// Success returns a success status with the given code.
func Success(code string) Status {
	return Status{Type: StatusSuccess, Code: code}
}

// Failure returns an error status. An empty message falls back to the code.
func Failure(code, message string, retryable bool) Status {
	if message == "" {
		message = code
	}
	if message == "" {
		message = "unknown error"
	}
	return Status{Type: StatusError, Code: code, Message: message, Retryable: retryable}
}

// IsError reports whether the status is an error status.
func (s Status) IsError() bool {
	return s.Type == StatusError
}

// ResponseItem is one element of a response sequence.
type ResponseItem struct {
	ID       string
	Status   Status
	Payload  any
	Metadata Metadata
}

// withID returns a shallow copy of the item carrying id. Payload identity is
// preserved.
func (r *ResponseItem) withID(id string) *ResponseItem {
	cp := *r
	cp.ID = id
	return &cp
}

// Stream is a lazy, finite, non-restartable sequence of response items. A
// non-nil error element ends the sequence.
type Stream = iter.Seq2[*ResponseItem, error]

// Runner executes a message and returns its response stream. ctx is the
// cancellation token for the call.
type Runner func(ctx context.Context, msg *Message) Stream

// Interceptor wraps a Runner with one cross-cutting behavior.
type Interceptor interface {
	Wrap(next Runner) Runner
}

// InterceptorFunc adapts a plain function to the Interceptor interface.
type InterceptorFunc func(next Runner) Runner

// Wrap implements Interceptor.
func (f InterceptorFunc) Wrap(next Runner) Runner {
	return f(next)
}

// Transport moves messages over some protocol. Send must yield at least one
// item for non-streaming protocols, or fail rather than hang.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) Stream
	Close() error
}

// Option configures a Client.
type Option func(*Client)

// CallOption configures a single Call or Stream invocation.
type CallOption func(*callOptions)

type callOptions struct {
	context      Metadata
	metadata     Metadata
	throwOnError *bool
}

// WithCallContext merges extra context for this call only, taking priority
// over client and inherited context.
func WithCallContext(ctx Metadata) CallOption {
	return func(o *callOptions) {
		o.context = MergeContext(o.context, ctx)
	}
}

// WithCallMetadata merges metadata fields into the message of this call.
func WithCallMetadata(md Metadata) CallOption {
	return func(o *callOptions) {
		o.metadata = MergeContext(o.metadata, md)
	}
}

// WithCallThrowOnError overrides the client's throw-on-error setting.
func WithCallThrowOnError(throw bool) CallOption {
	return func(o *callOptions) {
		o.throwOnError = &throw
	}
}

type transportFunc struct {
	name string
	send func(ctx context.Context, msg *Message) Stream
}

// NewTransportFunc adapts a send function into a Transport whose Close is a
// no-op.
func NewTransportFunc(name string, send func(ctx context.Context, msg *Message) Stream) Transport {
	return &transportFunc{name: name, send: send}
}

func (t *transportFunc) Name() string { return t.name }

func (t *transportFunc) Send(ctx context.Context, msg *Message) Stream {
	return t.send(ctx, msg)
}

func (t *transportFunc) Close() error { return nil }

// Items returns a Stream yielding the given items in order.
func Items(items ...*ResponseItem) Stream {
	return func(yield func(*ResponseItem, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Fail returns a Stream that yields only err.
func Fail(err error) Stream {
	return func(yield func(*ResponseItem, error) bool) {
		yield(nil, err)
	}
}

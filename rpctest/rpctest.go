// Package rpctest provides a scripted Transport for testing sambung clients
// and interceptors, in the manner of net/http/httptest.
package rpctest

import (
	"context"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/sambung"
)

// Handler answers one call. call is the zero-based index of the call on the
// transport.
type Handler func(ctx context.Context, call int, msg *sambung.Message) sambung.Stream

// Transport records every message it receives and answers through a Handler.
type Transport struct {
	name    string
	handler Handler

	mu       sync.Mutex
	messages []*sambung.Message
	closed   bool
}

// New returns a transport answering with handler.
func New(name string, handler Handler) *Transport {
	return &Transport{name: name, handler: handler}
}

// Script returns a transport whose n-th call is answered by the n-th step.
// The last step answers every call past the end of the script.
func Script(steps ...Handler) *Transport {
	return New("rpctest", func(ctx context.Context, call int, msg *sambung.Message) sambung.Stream {
		if len(steps) == 0 {
			return sambung.Items()
		}
		return steps[min(call, len(steps)-1)](ctx, call, msg)
	})
}

// Echo returns a transport replying with the request payload.
func Echo() *Transport {
	return Script(Echoed())
}

// Name implements sambung.Transport.
func (t *Transport) Name() string { return t.name }

// Send implements sambung.Transport. The message is recorded with a copy of
// its metadata as seen at send time.
func (t *Transport) Send(ctx context.Context, msg *sambung.Message) sambung.Stream {
	t.mu.Lock()
	call := len(t.messages)
	t.messages = append(t.messages, &sambung.Message{
		ID:       msg.ID,
		Method:   msg.Method,
		Payload:  msg.Payload,
		Metadata: msg.Metadata.Clone(),
	})
	t.mu.Unlock()

	return t.handler(ctx, call, msg)
}

// Close implements sambung.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Calls returns the number of messages sent.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Messages returns the recorded messages in send order.
func (t *Transport) Messages() []*sambung.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sambung.Message(nil), t.messages...)
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Reply answers with one success item carrying payload.
func Reply(payload any) Handler {
	return func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return sambung.Items(Item(msg, sambung.Success("OK"), payload))
	}
}

// Echoed answers with one success item carrying the request payload.
func Echoed() Handler {
	return func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return sambung.Items(Item(msg, sambung.Success("OK"), msg.Payload))
	}
}

// Replies answers with one success item per payload.
func Replies(payloads ...any) Handler {
	return func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		items := make([]*sambung.ResponseItem, len(payloads))
		for i, p := range payloads {
			items[i] = Item(msg, sambung.Success("OK"), p)
		}
		return sambung.Items(items...)
	}
}

// Failure answers with one error-status item.
func Failure(code, message string, retryable bool) Handler {
	return func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return sambung.Items(Item(msg, sambung.Failure(code, message, retryable), nil))
	}
}

// Error fails the call with err instead of yielding an item.
func Error(err error) Handler {
	return func(context.Context, int, *sambung.Message) sambung.Stream {
		return sambung.Fail(err)
	}
}

// Hang blocks until the call context is done and then fails with its error.
func Hang() Handler {
	return func(ctx context.Context, _ int, _ *sambung.Message) sambung.Stream {
		return func(yield func(*sambung.ResponseItem, error) bool) {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
}

// Delay runs next after d, or fails early if the context ends first.
func Delay(d time.Duration, next Handler) Handler {
	return func(ctx context.Context, call int, msg *sambung.Message) sambung.Stream {
		return func(yield func(*sambung.ResponseItem, error) bool) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-timer.C:
			}
			for item, err := range next(ctx, call, msg) {
				if !yield(item, err) {
					return
				}
			}
		}
	}
}

// Item builds a response item for msg.
func Item(msg *sambung.Message, status sambung.Status, payload any) *sambung.ResponseItem {
	return &sambung.ResponseItem{ID: msg.ID, Status: status, Payload: payload}
}

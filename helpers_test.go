package sambung

import (
	"context"
	"sync/atomic"
)

// countingRunner answers each call with the step matching its index; the
// last step repeats. It counts invocations.
type countingRunner struct {
	calls atomic.Int32
	steps []func(msg *Message) Stream
}

func newCountingRunner(steps ...func(msg *Message) Stream) *countingRunner {
	return &countingRunner{steps: steps}
}

func (r *countingRunner) run(_ context.Context, msg *Message) Stream {
	n := int(r.calls.Add(1)) - 1
	return r.steps[min(n, len(r.steps)-1)](msg)
}

func (r *countingRunner) count() int {
	return int(r.calls.Load())
}

func ok(payload any) func(msg *Message) Stream {
	return func(msg *Message) Stream {
		return Items(&ResponseItem{ID: msg.ID, Status: Success("OK"), Payload: payload})
	}
}

func failing(code string, retryable bool) func(msg *Message) Stream {
	return func(msg *Message) Stream {
		return Items(&ResponseItem{ID: msg.ID, Status: Failure(code, code+" failed", retryable)})
	}
}

func raising(err error) func(msg *Message) Stream {
	return func(*Message) Stream {
		return Fail(err)
	}
}

func testMessage(service, operation string, payload any) *Message {
	return &Message{
		ID:       "req-1",
		Method:   Method{Service: service, Operation: operation},
		Payload:  payload,
		Metadata: Metadata{},
	}
}

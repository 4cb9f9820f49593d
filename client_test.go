package sambung_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/sambung"
	"github.com/ambiyansyah-risyal/sambung/rpctest"
)

var getUser = sambung.Method{Service: "users", Operation: "get"}

func newClient(t *testing.T, transport sambung.Transport, opts ...sambung.Option) *sambung.Client {
	t.Helper()
	client, err := sambung.New(transport, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallReturnsPayload(t *testing.T) {
	payload := &struct{ Name string }{"ada"}
	transport := rpctest.Script(rpctest.Reply(payload))
	client := newClient(t, transport, sambung.WithRequestIDGenerator(func() string { return "req-42" }))

	got, err := client.Call(context.Background(), getUser, map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Same(t, payload, got)

	msgs := transport.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "req-42", msgs[0].ID)
	assert.Equal(t, getUser, msgs[0].Method)
}

func TestCallPayloadPassThrough(t *testing.T) {
	client := newClient(t, rpctest.Echo())

	payload := []int{1, 2, 3}
	got, err := client.Call(context.Background(), getUser, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCallErrorStatus(t *testing.T) {
	client := newClient(t, rpctest.Script(rpctest.Failure("NOT_FOUND", "no such user", false)))

	_, err := client.Call(context.Background(), getUser, nil)
	var ce *sambung.ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, sambung.ErrorTypeStatus, ce.Type)
	assert.Equal(t, "NOT_FOUND", ce.Code)
	assert.Equal(t, "users.get", ce.Method)
	assert.False(t, ce.Retryable)
	assert.Positive(t, ce.Duration)
}

func TestCallWithoutThrowReturnsErrorPayload(t *testing.T) {
	transport := rpctest.Script(func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return sambung.Items(rpctest.Item(msg, sambung.Failure("NOT_FOUND", "", false), "details"))
	})
	client := newClient(t, transport, sambung.WithThrowOnError(false))

	got, err := client.Call(context.Background(), getUser, nil)
	require.NoError(t, err)
	assert.Equal(t, "details", got)

	_, err = client.Call(context.Background(), getUser, nil, sambung.WithCallThrowOnError(true))
	assert.Error(t, err)
}

func TestCallNoResponse(t *testing.T) {
	client := newClient(t, rpctest.Script())

	_, err := client.Call(context.Background(), getUser, nil)
	assert.ErrorIs(t, err, sambung.ErrNoResponse)
}

func TestCallTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	client := newClient(t, rpctest.Script(rpctest.Error(boom)))

	_, err := client.Call(context.Background(), getUser, nil)
	var ce *sambung.ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, sambung.ErrorTypeTransport, ce.Type)
	assert.ErrorIs(t, err, boom)
}

func TestCallCancelled(t *testing.T) {
	client := newClient(t, rpctest.Script(rpctest.Hang()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := client.Call(ctx, getUser, nil)
	assert.ErrorIs(t, err, sambung.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamYieldsEveryPayload(t *testing.T) {
	client := newClient(t, rpctest.Script(rpctest.Replies(1, 2, 3)))

	var got []any
	for payload, err := range client.Stream(context.Background(), getUser, nil) {
		require.NoError(t, err)
		got = append(got, payload)
	}
	assert.Equal(t, []any{1, 2, 3}, got)
}

func TestStreamStopsAtErrorStatus(t *testing.T) {
	transport := rpctest.Script(func(_ context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return sambung.Items(
			rpctest.Item(msg, sambung.Success("OK"), 1),
			rpctest.Item(msg, sambung.Failure("ABORTED", "", false), nil),
			rpctest.Item(msg, sambung.Success("OK"), 3),
		)
	})
	client := newClient(t, transport)

	var (
		got     []any
		lastErr error
	)
	for payload, err := range client.Stream(context.Background(), getUser, nil) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, payload)
	}
	assert.Equal(t, []any{1}, got)
	assert.Error(t, lastErr)
}

func TestContextLayering(t *testing.T) {
	transport := rpctest.Echo()
	client := newClient(t, transport, sambung.WithContextValues(sambung.Metadata{
		"tenant": "acme",
		"retry":  sambung.Metadata{"maxAttempts": 1},
	}))

	child := client.WithContext(sambung.Metadata{"retry": sambung.Metadata{"maxAttempts": 2}, "user": "u1"})
	grandchild := child.WithContext(sambung.Metadata{"user": "u2"})

	_, err := grandchild.Call(context.Background(), getUser, nil,
		sambung.WithCallContext(sambung.Metadata{"request": "r1"}),
		sambung.WithCallMetadata(sambung.Metadata{"tenant": nil}),
	)
	require.NoError(t, err)

	md := transport.Messages()[0].Metadata
	assert.Equal(t, "acme", md["tenant"])
	assert.Equal(t, "u2", md["user"])
	assert.Equal(t, "r1", md["request"])
	retry, ok := md.Lookup(sambung.MetaRetry)
	require.True(t, ok)
	assert.Equal(t, 2, retry["maxAttempts"])

	assert.NotContains(t, client.Context(), "user")
	assert.Equal(t, "u1", child.Context()["user"])
}

func TestChildSharesChain(t *testing.T) {
	transport := rpctest.Echo()
	client := newClient(t, transport)
	child := client.WithContext(sambung.Metadata{"k": "v"})

	var calls int
	child.Use(sambung.InterceptorFunc(func(next sambung.Runner) sambung.Runner {
		return func(ctx context.Context, msg *sambung.Message) sambung.Stream {
			calls++
			return next(ctx, msg)
		}
	}))

	_, err := client.Call(context.Background(), getUser, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Same(t, client.Transport(), child.Transport())
}

func TestRetryThroughClient(t *testing.T) {
	transport := rpctest.Script(
		rpctest.Failure("UNAVAILABLE", "try later", true),
		rpctest.Failure("UNAVAILABLE", "try later", true),
		rpctest.Reply("ok"),
	)
	retry := sambung.NewRetry(sambung.RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}.WithoutJitter())
	client := newClient(t, transport, sambung.WithInterceptors(retry))

	got, err := client.Call(context.Background(), getUser, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, transport.Calls())

	msgs := transport.Messages()
	for _, msg := range msgs {
		assert.Equal(t, msgs[0].ID, msg.ID, "request id must be stable across attempts")
	}
	attempt, _ := msgs[2].Metadata.Section(sambung.MetaRetry).Int("attempt")
	assert.Equal(t, 2, attempt)
}

func TestRetryExhaustedThroughClient(t *testing.T) {
	transport := rpctest.Script(rpctest.Failure("UNAVAILABLE", "", true))
	retry := sambung.NewRetry(sambung.RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}.WithoutJitter())
	client := newClient(t, transport, sambung.WithInterceptors(retry))

	_, err := client.Call(context.Background(), getUser, nil)
	var ce *sambung.ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, sambung.ErrorTypeStatus, ce.Type)
	assert.True(t, ce.Retryable)
	assert.Equal(t, 2, ce.Attempt)
	assert.Equal(t, 3, transport.Calls())
}

func TestFullChain(t *testing.T) {
	transport := rpctest.Script(
		rpctest.Delay(50*time.Millisecond, rpctest.Reply("slow")),
		rpctest.Reply("fast"),
	)
	overall, perAttempt := sambung.TimeoutConfig{Overall: time.Second, PerAttempt: 20 * time.Millisecond}.Interceptors()
	cache := sambung.NewCache(sambung.CacheConfig{TTL: time.Minute})

	client := newClient(t, transport, sambung.WithInterceptors(
		overall,
		sambung.Tracing(sambung.TracingConfig{}),
		cache,
		sambung.NewRetry(sambung.RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}.WithoutJitter()),
		sambung.NewCircuitBreaker(sambung.CircuitBreakerConfig{}),
		sambung.NewRateLimiter(sambung.RateLimitConfig{MaxRequests: 10, Window: time.Second}),
		perAttempt,
	))

	got, err := client.Call(context.Background(), getUser, 1)
	require.NoError(t, err)
	assert.Equal(t, "fast", got)

	got, err = client.Call(context.Background(), getUser, 1)
	require.NoError(t, err)
	assert.Equal(t, "fast", got)
	assert.Equal(t, 2, transport.Calls(), "second call served from cache")
	assert.Equal(t, uint64(1), cache.Stats().Hits)

	md := transport.Messages()[1].Metadata
	for _, key := range []string{sambung.MetaTimeout, sambung.MetaTracing, sambung.MetaCache,
		sambung.MetaRetry, sambung.MetaCircuitBreaker, sambung.MetaRateLimit} {
		_, ok := md.Lookup(key)
		assert.True(t, ok, "expected %s metadata", key)
	}
}

func TestDeduplicationThroughClient(t *testing.T) {
	release := make(chan struct{})
	transport := rpctest.New("slow", func(ctx context.Context, _ int, msg *sambung.Message) sambung.Stream {
		return func(yield func(*sambung.ResponseItem, error) bool) {
			<-release
			yield(rpctest.Item(msg, sambung.Success("OK"), "shared"), nil)
		}
	})
	dedup := sambung.NewDeduplicator(sambung.DeduplicationConfig{})
	client := newClient(t, transport, sambung.WithInterceptors(dedup))

	var wg sync.WaitGroup
	results := make([]any, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = client.Call(context.Background(), getUser, 7)
		}()
	}
	require.Eventually(t, func() bool { return transport.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, transport.Calls())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestClientMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := sambung.NewMetricsCollectorWithRegistry(registry)
	client := newClient(t, rpctest.Script(rpctest.Reply(1), rpctest.Failure("INTERNAL", "", false)),
		sambung.WithMetricsCollector(collector))

	_, _ = client.Call(context.Background(), getUser, nil)
	_, _ = client.Call(context.Background(), getUser, nil)

	count, err := testutil.GatherAndCount(registry, "sambung_calls_total", "sambung_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "success and error call series plus one error series")
}

func TestCloseClosesTransportAndInterceptors(t *testing.T) {
	transport := rpctest.Echo()
	limiter := sambung.NewRateLimiter(sambung.RateLimitConfig{})
	client, err := sambung.New(transport, sambung.WithInterceptors(limiter))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.True(t, transport.Closed())
	assert.ErrorIs(t, limiter.Acquire(context.Background()), sambung.ErrAborted)
}

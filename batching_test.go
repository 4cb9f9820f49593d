package sambung

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBatchingConfigDefaults(t *testing.T) {
	cfg := BatchingConfig{}.withDefaults()

	if cfg.MaxBatchSize != 10 {
		t.Errorf("Expected MaxBatchSize=10, got %d", cfg.MaxBatchSize)
	}
	if cfg.MaxWaitTime != 10*time.Millisecond {
		t.Errorf("Expected MaxWaitTime=10ms, got %v", cfg.MaxWaitTime)
	}
	if key := cfg.GetBatchKey(testMessage("users", "get", nil)); key != "users" {
		t.Errorf("Expected service key, got %q", key)
	}

	cross := BatchingConfig{CrossService: true}.withDefaults()
	if key := cross.GetBatchKey(testMessage("users", "get", nil)); key != "*" {
		t.Errorf("Expected shared key for cross-service batching, got %q", key)
	}

	adaptive := BatchingConfig{MaxBatchSize: 4, Adaptive: &AdaptiveBatching{MinBatchSize: 8}}.withDefaults()
	if adaptive.Adaptive.MinBatchSize != 4 {
		t.Errorf("Expected MinBatchSize clamped to 4, got %d", adaptive.Adaptive.MinBatchSize)
	}
	if adaptive.Adaptive.TargetLatency != 100*time.Millisecond {
		t.Errorf("Expected TargetLatency=100ms, got %v", adaptive.Adaptive.TargetLatency)
	}
}

func TestBatcherFlushesFullBatch(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]string
	)
	b := NewBatcher(BatchingConfig{
		MaxBatchSize: 2,
		MaxWaitTime:  time.Hour,
		Processor: func(ctx context.Context, key string, batch []*BatchRequest) error {
			ids := make([]string, len(batch))
			for i, req := range batch {
				ids[i] = req.Message.ID
			}
			mu.Lock()
			batches = append(batches, ids)
			mu.Unlock()
			return DefaultBatchProcessor(ctx, key, batch)
		},
	})
	defer b.Close()

	run := b.Wrap(newCountingRunner(func(msg *Message) Stream {
		return Items(&ResponseItem{ID: msg.ID, Status: Success("OK"), Payload: msg.Payload})
	}).run)

	var wg sync.WaitGroup
	msgs := []*Message{testMessage("svc", "op", "a"), testMessage("svc", "op", "b")}
	msgs[0].ID, msgs[1].ID = "a", "b"
	results := make([][]*ResponseItem, 2)
	for i, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := collect(run(context.Background(), msg))
			if err != nil {
				t.Errorf("Call %d: unexpected error %v", i, err)
			}
			results[i] = items
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("Expected one batch of two, got %v", batches)
	}
	for i, msg := range msgs {
		if len(results[i]) != 1 || results[i][0].ID != msg.ID || results[i][0].Payload != msg.Payload {
			t.Errorf("Call %d: expected its own response, got %v", i, results[i])
		}
		section, _ := msg.Metadata.Lookup(MetaBatch)
		if size, _ := section.Int("size"); size != 2 {
			t.Errorf("Call %d: expected batch.size=2, got %d", i, size)
		}
		if key, _ := section.String("key"); key != "svc" {
			t.Errorf("Call %d: expected batch.key=svc, got %q", i, key)
		}
	}
}

func TestBatcherFlushesAfterWait(t *testing.T) {
	b := NewBatcher(BatchingConfig{MaxBatchSize: 10, MaxWaitTime: 10 * time.Millisecond})
	defer b.Close()

	run := b.Wrap(newCountingRunner(ok("single")).run)

	start := time.Now()
	items, err := collect(run(context.Background(), testMessage("svc", "op", nil)))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Payload != "single" {
		t.Errorf("Expected the single response, got %v", items)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Expected the call to wait for the window, took %v", elapsed)
	}
}

func TestBatcherGroupsByService(t *testing.T) {
	var (
		mu   sync.Mutex
		keys = map[string]int{}
	)
	b := NewBatcher(BatchingConfig{
		MaxBatchSize: 10,
		MaxWaitTime:  20 * time.Millisecond,
		Processor: func(ctx context.Context, key string, batch []*BatchRequest) error {
			mu.Lock()
			keys[key] += len(batch)
			mu.Unlock()
			return DefaultBatchProcessor(ctx, key, batch)
		},
	})
	defer b.Close()

	run := b.Wrap(newCountingRunner(ok(true)).run)

	var wg sync.WaitGroup
	for _, service := range []string{"users", "orders", "users"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(run(context.Background(), testMessage(service, "op", nil)))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if keys["users"] != 2 || keys["orders"] != 1 {
		t.Errorf("Expected users=2 orders=1, got %v", keys)
	}
}

func TestBatcherUnresolvedRequests(t *testing.T) {
	failure := errors.New("backend down")
	b := NewBatcher(BatchingConfig{
		MaxBatchSize: 1,
		Processor: func(context.Context, string, []*BatchRequest) error {
			return failure
		},
	})
	defer b.Close()

	_, err := collect(b.Wrap(newCountingRunner(ok(1)).run)(context.Background(), testMessage("svc", "op", nil)))
	if !errors.Is(err, failure) {
		t.Errorf("Expected processor error, got %v", err)
	}

	silent := NewBatcher(BatchingConfig{
		MaxBatchSize: 1,
		Processor:    func(context.Context, string, []*BatchRequest) error { return nil },
	})
	defer silent.Close()

	_, err = collect(silent.Wrap(newCountingRunner(ok(1)).run)(context.Background(), testMessage("svc", "op", nil)))
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("Expected ErrNoResponse, got %v", err)
	}
}

func TestBatcherCustomProcessorResolves(t *testing.T) {
	b := NewBatcher(BatchingConfig{
		MaxBatchSize: 1,
		Processor: func(_ context.Context, _ string, batch []*BatchRequest) error {
			for _, req := range batch {
				req.Resolve([]*ResponseItem{{ID: "server-side", Status: Success("OK"), Payload: req.Index}})
			}
			return nil
		},
	})
	defer b.Close()

	msg := testMessage("svc", "op", nil)
	items, err := collect(b.Wrap(newCountingRunner(ok(1)).run)(context.Background(), msg))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != msg.ID {
		t.Errorf("Expected item re-stamped with %q, got %v", msg.ID, items)
	}
}

func TestBatcherCallerCancellation(t *testing.T) {
	b := NewBatcher(BatchingConfig{MaxBatchSize: 10, MaxWaitTime: time.Hour})
	defer b.Close()

	inner := newCountingRunner(ok(1))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := collect(b.Wrap(inner.run)(ctx, testMessage("svc", "op", nil)))
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", err)
	}

	b.Flush()
	time.Sleep(10 * time.Millisecond)
	if inner.count() != 0 {
		t.Errorf("Expected cancelled request to be dropped, got %d inner calls", inner.count())
	}
}

func TestBatcherCloseRejectsNewCalls(t *testing.T) {
	b := NewBatcher(BatchingConfig{})
	b.Close()

	_, err := collect(b.Wrap(newCountingRunner(ok(1)).run)(context.Background(), testMessage("svc", "op", nil)))
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted after Close, got %v", err)
	}
}

func TestBatcherAdaptiveSize(t *testing.T) {
	b := NewBatcher(BatchingConfig{
		MaxBatchSize: 4,
		Adaptive:     &AdaptiveBatching{TargetLatency: 100 * time.Millisecond, MinBatchSize: 2, SampleSize: 1},
	})
	defer b.Close()

	b.observe(200 * time.Millisecond)
	if got := b.BatchSize(); got != 3 {
		t.Errorf("Expected size to shrink to 3, got %d", got)
	}
	b.observe(200 * time.Millisecond)
	b.observe(200 * time.Millisecond)
	if got := b.BatchSize(); got != 2 {
		t.Errorf("Expected size floored at 2, got %d", got)
	}
	b.observe(time.Millisecond)
	if got := b.BatchSize(); got != 3 {
		t.Errorf("Expected size to grow to 3, got %d", got)
	}
}

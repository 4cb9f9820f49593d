package sambung

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AdaptiveBatching tunes the flush size from observed batch latency.
type AdaptiveBatching struct {
	// TargetLatency is the desired processing time of one batch.
	TargetLatency time.Duration
	MinBatchSize  int
	// SampleSize is the number of trailing latencies averaged.
	SampleSize int
}

// BatchProcessor handles one flushed group. It must resolve or reject every
// request; requests left pending when it returns are rejected with its error,
// or with ErrNoResponse when it returned nil.
type BatchProcessor func(ctx context.Context, key string, batch []*BatchRequest) error

// BatchingConfig configures a Batcher. Zero values take defaults.
type BatchingConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
	// CrossService groups calls to different services together. The
	// default groups by service only.
	CrossService bool
	GetBatchKey  func(msg *Message) string
	Processor    BatchProcessor
	Adaptive     *AdaptiveBatching
	Logger       Logger
	Metrics      *MetricsCollector
}

func (cfg BatchingConfig) withDefaults() BatchingConfig {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 10 * time.Millisecond
	}
	if cfg.GetBatchKey == nil {
		if cfg.CrossService {
			cfg.GetBatchKey = func(*Message) string { return "*" }
		} else {
			cfg.GetBatchKey = func(msg *Message) string { return msg.Method.Service }
		}
	}
	if cfg.Processor == nil {
		cfg.Processor = DefaultBatchProcessor
	}
	if a := cfg.Adaptive; a != nil {
		adaptive := *a
		if adaptive.TargetLatency <= 0 {
			adaptive.TargetLatency = 100 * time.Millisecond
		}
		if adaptive.MinBatchSize <= 0 {
			adaptive.MinBatchSize = 1
		}
		adaptive.MinBatchSize = min(adaptive.MinBatchSize, cfg.MaxBatchSize)
		if adaptive.SampleSize <= 0 {
			adaptive.SampleSize = 10
		}
		cfg.Adaptive = &adaptive
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg BatchingConfig) Validate() error {
	var problems []string
	if cfg.MaxBatchSize < 0 {
		problems = append(problems, "batching maxBatchSize must be positive")
	}
	if cfg.MaxWaitTime < 0 {
		problems = append(problems, "batching maxWaitTime must be non-negative")
	}
	if a := cfg.Adaptive; a != nil {
		if a.MinBatchSize < 0 {
			problems = append(problems, "batching adaptive minBatchSize must be positive")
		}
		if cfg.MaxBatchSize > 0 && a.MinBatchSize > cfg.MaxBatchSize {
			problems = append(problems, "batching adaptive minBatchSize must not exceed maxBatchSize")
		}
	}
	return validationError("batching", problems)
}

// BatchRequest is one call waiting in a batch.
type BatchRequest struct {
	Message *Message
	// Index is the position of the request within its batch.
	Index int

	ctx  context.Context
	run  Runner
	once sync.Once
	done chan struct{}

	items []*ResponseItem
	err   error
}

// Context returns the caller's context.
func (r *BatchRequest) Context() context.Context {
	return r.ctx
}

// Run executes the request through the rest of the chain.
func (r *BatchRequest) Run() ([]*ResponseItem, error) {
	return collect(r.run(r.ctx, r.Message))
}

// Resolve completes the request with items. Items are stamped with the
// request id. Later calls are ignored.
func (r *BatchRequest) Resolve(items []*ResponseItem) {
	r.once.Do(func() {
		stamped := make([]*ResponseItem, len(items))
		for i, item := range items {
			if item.ID != r.Message.ID {
				item = item.withID(r.Message.ID)
			}
			stamped[i] = item
		}
		r.items = stamped
		close(r.done)
	})
}

// Reject completes the request with err. Later calls are ignored.
func (r *BatchRequest) Reject(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *BatchRequest) pending() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// DefaultBatchProcessor runs every request of the batch concurrently
// through the rest of the chain.
func DefaultBatchProcessor(_ context.Context, _ string, batch []*BatchRequest) error {
	var g errgroup.Group
	for _, req := range batch {
		g.Go(func() error {
			items, err := req.Run()
			if err != nil {
				req.Reject(err)
				return nil
			}
			req.Resolve(items)
			return nil
		})
	}
	return g.Wait()
}

type batchGroup struct {
	requests []*BatchRequest
	timer    *time.Timer
}

// Batcher groups calls by key and hands each group to a processor when it
// is full or its wait window elapses.
type Batcher struct {
	config BatchingConfig
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	groups  map[string]*batchGroup
	size    int
	samples []time.Duration
	closed  bool
}

// NewBatcher creates a request batcher.
func NewBatcher(config BatchingConfig) *Batcher {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		config: config,
		logger: loggerOrNop(config.Logger),
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]*batchGroup),
		size:   config.MaxBatchSize,
	}
}

// BatchSize returns the current flush size.
func (b *Batcher) BatchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Pending returns the number of requests waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups {
		n += len(g.requests)
	}
	return n
}

func (b *Batcher) enqueue(key string, req *BatchRequest) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		req.Reject(newClientError(ErrorTypeAborted, "batcher closed", nil, req.Message))
		return
	}

	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{}
		b.groups[key] = g
	}
	req.Index = len(g.requests)
	g.requests = append(g.requests, req)

	if len(g.requests) == 1 {
		g.timer = time.AfterFunc(b.config.MaxWaitTime, func() { b.flushGroup(key, g) })
	}
	if len(g.requests) < b.size {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(key)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.process(key, batch)
}

func (b *Batcher) takeLocked(key string) []*BatchRequest {
	g := b.groups[key]
	delete(b.groups, key)
	if g.timer != nil {
		g.timer.Stop()
	}
	return g.requests
}

func (b *Batcher) flushGroup(key string, g *batchGroup) {
	b.mu.Lock()
	if b.groups[key] != g {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(key)
	b.wg.Add(1)
	b.mu.Unlock()

	b.process(key, batch)
}

// Flush hands every pending group to the processor immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batches := make(map[string][]*BatchRequest, len(b.groups))
	for key := range b.groups {
		batches[key] = b.takeLocked(key)
		b.wg.Add(1)
	}
	b.mu.Unlock()

	for key, batch := range batches {
		go b.process(key, batch)
	}
}

// Close flushes pending groups, waits for in-flight batches and rejects
// later calls.
func (b *Batcher) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Flush()
	b.wg.Wait()
	b.cancel()
	return nil
}

func (b *Batcher) process(key string, batch []*BatchRequest) {
	defer b.wg.Done()

	live := batch[:0:0]
	for _, req := range batch {
		if req.ctx.Err() != nil {
			req.Reject(abortedError(req.ctx, req.Message))
			continue
		}
		live = append(live, req)
	}
	if len(live) == 0 {
		return
	}

	for i, req := range live {
		req.Index = i
		section := req.Message.Metadata.Section(MetaBatch)
		section["key"] = key
		section["size"] = len(live)
		section["index"] = i
	}

	b.config.Metrics.RecordBatch(key, len(live))
	b.logger.Debug("Flushing batch", "key", key, "size", len(live))

	start := time.Now()
	err := b.config.Processor(b.ctx, key, live)
	b.observe(time.Since(start))

	for _, req := range live {
		if !req.pending() {
			continue
		}
		if err != nil {
			req.Reject(err)
		} else {
			req.Reject(newClientError(ErrorTypeNoResponse, "batch processor left request unresolved", nil, req.Message))
		}
	}
}

// observe records a batch latency and nudges the flush size when adaptive
// batching is on.
func (b *Batcher) observe(latency time.Duration) {
	a := b.config.Adaptive
	if a == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, latency)
	if len(b.samples) > a.SampleSize {
		b.samples = b.samples[len(b.samples)-a.SampleSize:]
	}

	var total time.Duration
	for _, s := range b.samples {
		total += s
	}
	avg := total / time.Duration(len(b.samples))

	switch {
	case avg < a.TargetLatency/2 && b.size < b.config.MaxBatchSize:
		b.size++
	case avg > a.TargetLatency && b.size > a.MinBatchSize:
		b.size--
	}
}

// Wrap implements Interceptor.
func (b *Batcher) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		return func(yield func(*ResponseItem, error) bool) {
			if msg.Metadata == nil {
				msg.Metadata = Metadata{}
			}
			req := &BatchRequest{
				Message: msg,
				ctx:     ctx,
				run:     next,
				done:    make(chan struct{}),
			}
			b.enqueue(b.config.GetBatchKey(msg), req)

			select {
			case <-req.done:
			case <-ctx.Done():
				yield(nil, abortedError(ctx, msg))
				return
			}

			for _, item := range req.items {
				if !yield(item, nil) {
					return
				}
			}
			if req.err != nil {
				yield(nil, req.err)
			}
		}
	}
}

package sambung

import (
	"context"
	"errors"

	"github.com/ambiyansyah-risyal/sambung/internal/singleflight"
)

// DeduplicationKeyFunc builds a key for identifying identical in-flight calls.
type DeduplicationKeyFunc func(msg *Message) string

// DefaultDeduplicationKeyFunc uses the default cache key.
func DefaultDeduplicationKeyFunc(msg *Message) string {
	return DefaultCacheKey(msg.Method, msg.Payload)
}

// DeduplicationCondition decides whether a call is eligible for deduplication.
type DeduplicationCondition func(msg *Message) bool

// DefaultDeduplicationCondition makes every call eligible.
func DefaultDeduplicationCondition(*Message) bool {
	return true
}

// DeduplicationConfig configures a Deduplicator.
type DeduplicationConfig struct {
	KeyFunc   DeduplicationKeyFunc
	Condition DeduplicationCondition
	Logger    Logger
	Metrics   *MetricsCollector
}

// Deduplicator coalesces concurrent identical calls: one leader runs the
// inner chain and every follower receives the leader's items stamped with
// its own request id. Responses are buffered, so streams are delivered only
// once complete.
type Deduplicator struct {
	config DeduplicationConfig
	logger Logger
	group  *singleflight.Group[[]*ResponseItem]
}

// NewDeduplicator returns an in-memory de-duplication interceptor.
func NewDeduplicator(config DeduplicationConfig) *Deduplicator {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultDeduplicationKeyFunc
	}
	if config.Condition == nil {
		config.Condition = DefaultDeduplicationCondition
	}
	return &Deduplicator{
		config: config,
		logger: loggerOrNop(config.Logger),
		group:  singleflight.New[[]*ResponseItem](),
	}
}

// InFlight returns the number of keys currently being executed.
func (d *Deduplicator) InFlight() int {
	return d.group.InFlight()
}

// Wrap implements Interceptor.
func (d *Deduplicator) Wrap(next Runner) Runner {
	return func(ctx context.Context, msg *Message) Stream {
		if !d.config.Condition(msg) {
			return next(ctx, msg)
		}
		return func(yield func(*ResponseItem, error) bool) {
			key := d.config.KeyFunc(msg)
			// The shared run outlives any caller that stops waiting, so it
			// works on its own copy of the message.
			shadow := msg.Clone()
			led := false
			items, err, shared := d.group.DoContext(ctx, key, func(fctx context.Context) ([]*ResponseItem, error) {
				led = true
				return collect(next(fctx, shadow))
			})

			if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
				yield(nil, abortedError(ctx, msg))
				return
			}
			if led {
				adoptMetadata(msg, shadow)
			}
			if shared {
				if msg.Metadata == nil {
					msg.Metadata = Metadata{}
				}
				msg.Metadata.Section(MetaDeduplication)["shared"] = true
				d.config.Metrics.RecordDeduplicationHit(msg.Method)
				d.logger.Debug("Deduplicated call", "requestID", msg.ID, "key", key)
			}

			for _, item := range items {
				if !yield(item.withID(msg.ID), nil) {
					return
				}
			}
			if err != nil {
				yield(nil, restampError(err, msg))
			}
		}
	}
}

// restampError gives a follower its own copy of a shared *ClientError.
func restampError(err error, msg *Message) error {
	ce, ok := err.(*ClientError)
	if !ok || ce.RequestID == msg.ID {
		return err
	}
	cp := *ce
	cp.RequestID = msg.ID
	return &cp
}

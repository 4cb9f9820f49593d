package sambung

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuthProvider supplies the credentials stamped under metadata "auth".
type AuthProvider interface {
	Credentials(ctx context.Context, msg *Message) (Metadata, error)
}

// AuthProviderFunc adapts a function to AuthProvider.
type AuthProviderFunc func(ctx context.Context, msg *Message) (Metadata, error)

// Credentials implements AuthProvider.
func (f AuthProviderFunc) Credentials(ctx context.Context, msg *Message) (Metadata, error) {
	return f(ctx, msg)
}

// StaticToken always supplies the same scheme and token.
func StaticToken(scheme, token string) AuthProvider {
	return AuthProviderFunc(func(context.Context, *Message) (Metadata, error) {
		return Metadata{"scheme": scheme, "token": token}, nil
	})
}

// Auth stamps provider credentials into each message. A provider error
// aborts the call before anything inner runs.
func Auth(provider AuthProvider) Interceptor {
	return InterceptorFunc(func(next Runner) Runner {
		return func(ctx context.Context, msg *Message) Stream {
			return func(yield func(*ResponseItem, error) bool) {
				creds, err := provider.Credentials(ctx, msg)
				if err != nil {
					yield(nil, newClientError(ErrorTypeAuth, "credentials unavailable", err, msg))
					return
				}
				if msg.Metadata == nil {
					msg.Metadata = Metadata{}
				}
				section := msg.Metadata.Section(MetaAuth)
				for k, v := range creds {
					section[k] = v
				}
				for item, err := range next(ctx, msg) {
					if !yield(item, err) {
						return
					}
				}
			}
		}
	})
}

// TracingConfig configures the tracing tag injector.
type TracingConfig struct {
	// IDGenerator produces trace and span ids. Default: uuid.NewString.
	IDGenerator func() string
	Logger      Logger
}

// Tracing stamps trace, span and parent span ids into each message and
// logs the span when the sequence ends. A trace id already present in the
// metadata is kept and its span becomes the parent.
func Tracing(cfg TracingConfig) Interceptor {
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	logger := loggerOrNop(cfg.Logger)

	return InterceptorFunc(func(next Runner) Runner {
		return func(ctx context.Context, msg *Message) Stream {
			return func(yield func(*ResponseItem, error) bool) {
				if msg.Metadata == nil {
					msg.Metadata = Metadata{}
				}
				section := msg.Metadata.Section(MetaTracing)
				traceID, _ := section.String("traceId")
				parentSpanID, _ := section.String("spanId")
				if traceID == "" {
					traceID = newID()
					parentSpanID = ""
				}
				spanID := newID()
				section["traceId"] = traceID
				section["spanId"] = spanID
				if parentSpanID != "" {
					section["parentSpanId"] = parentSpanID
				} else {
					delete(section, "parentSpanId")
				}

				start := time.Now()
				items := 0
				var failure error
				defer func() {
					logger.Debug("Span finished", "traceId", traceID, "spanId", spanID,
						"parentSpanId", parentSpanID, "method", msg.Method.String(),
						"items", items, "duration", time.Since(start), "error", failure)
				}()

				for item, err := range next(ctx, msg) {
					if err != nil {
						failure = err
					} else {
						items++
					}
					if !yield(item, err) {
						return
					}
				}
			}
		}
	})
}

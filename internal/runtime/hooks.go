package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
)

// CallContext describes one dispatched call, stream or subscription to hooks.
type CallContext struct {
	// Route is the registered route that handled the request. Pattern routes
	// report their pattern name; Path holds the path that was requested.
	Route string
	Path  string
	Kind  RouteKind
	// ID is the request id; HasID is false for notifications.
	ID    uint64
	HasID bool
	// Context is the invocation context, cancelled when the caller cancels.
	Context   context.Context
	StartedAt time.Time
	// Duration is how long the invocation took (only set in OnCallDone and OnCallError).
	Duration time.Duration
}

// DispatchHooks defines callbacks for the lifecycle of inbound requests.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnCallStart is called before the handler is invoked.
	OnCallStart func(ctx CallContext)

	// OnCallDone is called when the handler completed. For streams this is
	// after the final done response.
	OnCallDone func(ctx CallContext)

	// OnCallError is called when the handler failed, panicked or the
	// request was cancelled.
	OnCallError func(ctx CallContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnCallStart: chainCallHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainCallHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func chainCallHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DispatchHooks) start(ctx CallContext) {
	if h.OnCallStart != nil {
		h.OnCallStart(ctx)
	}
}

func (h DispatchHooks) finish(ctx CallContext, err error) {
	ctx.Duration = time.Since(ctx.StartedAt)
	if err != nil {
		if h.OnCallError != nil {
			h.OnCallError(ctx, err)
		}
		return
	}
	if h.OnCallDone != nil {
		h.OnCallDone(ctx)
	}
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events.
func LoggingHooks(logger loggingpkg.Logger) DispatchHooks {
	return DispatchHooks{
		OnCallStart: func(ctx CallContext) {
			logger.Debug("Call started", loggingpkg.LogFields{
				"route": ctx.Route,
				"path":  ctx.Path,
				"kind":  ctx.Kind,
				"id":    ctx.ID,
			})
		},
		OnCallDone: func(ctx CallContext) {
			logger.Debug("Call completed", loggingpkg.LogFields{
				"route":       ctx.Route,
				"path":        ctx.Path,
				"kind":        ctx.Kind,
				"id":          ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnCallError: func(ctx CallContext, err error) {
			logger.Error("Call failed", err, loggingpkg.LogFields{
				"route":       ctx.Route,
				"path":        ctx.Path,
				"kind":        ctx.Kind,
				"id":          ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record call counts and
// durations on m.
func MetricsHooks(m *Metrics) DispatchHooks {
	return DispatchHooks{
		OnCallDone: func(ctx CallContext) {
			m.callFinished(ctx.Route, ctx.Kind, "ok", ctx.Duration)
		},
		OnCallError: func(ctx CallContext, err error) {
			m.callFinished(ctx.Route, ctx.Kind, string(ClassifyError(err)), ctx.Duration)
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed calls.
func AlertingHooks(alertFunc func(ctx CallContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnCallError: alertFunc,
	}
}

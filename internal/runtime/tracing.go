package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "duplexflow"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan opens the span wrapping one dispatched request.
func startSpan(ctx context.Context, tracer trace.Tracer, call CallContext) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("rpc.path", call.Path),
		attribute.String("rpc.route", call.Route),
		attribute.String("rpc.kind", string(call.Kind)),
	}
	if call.HasID {
		attrs = append(attrs, attribute.Int64("rpc.id", int64(call.ID)))
	}
	return tracer.Start(ctx, string(call.Kind)+" "+call.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Package tracing wraps OpenTelemetry's tracing API behind a narrow
// Tracer/Span abstraction so the rest of the daemon never imports
// go.opentelemetry.io/otel directly. internal/dispatch opens one
// "agent.run" span per agent run (message-driven or scheduled task);
// poll ticks and IPC files are not traced. Setup installs the
// process-wide provider those spans are recorded against.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attr is a key-value attribute attached to a span or event.
type Attr struct {
	Key   string
	Value any
}

// String creates a string-typed span attribute.
func String(k, v string) Attr { return Attr{Key: k, Value: v} }

// Int creates an int-typed span attribute.
func Int(k string, v int) Attr { return Attr{Key: k, Value: v} }

// Bool creates a bool-typed span attribute.
func Bool(k string, v bool) Attr { return Attr{Key: k, Value: v} }

// Float64 creates a float64-typed span attribute.
func Float64(k string, v float64) Attr { return Attr{Key: k, Value: v} }

// Tracer opens spans for traced operations. The zero value is not usable;
// construct one with NewTracer.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attr) (context.Context, Span)
}

// Span represents a single traced operation. Callers must call End()
// exactly once when the operation completes.
type Span interface {
	SetAttr(attrs ...Attr)
	Event(name string, attrs ...Attr)
	Error(err error)
	End()
}

type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a Tracer backed by the global OTEL TracerProvider
// under the given instrumentation scope name. Call Setup first to
// install a provider that actually records spans somewhere; without it,
// the global provider is a no-op and spans are discarded.
func NewTracer(scopeName string) Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...Attr) (context.Context, Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) SetAttr(attrs ...Attr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...Attr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

func toOTELAttr(a Attr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ Tracer = (*otelTracer)(nil)
	_ Span   = (*otelSpan)(nil)
)

package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Setup installs a process-wide TracerProvider that records spans as
// structured log lines through logger. There is no OTLP collector wired
// up here — exporting over the wire is an external collaborator's
// concern — but recording spans through the existing logging pipeline
// keeps the same trace/span IDs visible in log output without taking on
// a network dependency.
//
// Setup returns a shutdown func that must be called during graceful
// shutdown to flush any buffered spans.
func Setup(ctx context.Context, serviceName string, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&slogExporter{log: logger}),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// slogExporter implements sdktrace.SpanExporter by logging a summary line
// per finished span instead of shipping it to a collector.
type slogExporter struct {
	log *slog.Logger
}

func (e *slogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()).String(),
		}
		if code := s.Status().Code.String(); code != "" {
			attrs = append(attrs, "status", code)
		}
		e.log.Info("span finished", attrs...)
	}
	return nil
}

func (e *slogExporter) Shutdown(ctx context.Context) error {
	return nil
}

var _ sdktrace.SpanExporter = (*slogExporter)(nil)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }

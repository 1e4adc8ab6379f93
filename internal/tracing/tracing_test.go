package tracing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestSetupRecordsFinishedSpansThroughLogger(t *testing.T) {
	rec := &recordingHandler{}
	logger := slog.New(rec)

	shutdown, err := Setup(context.Background(), "conduit-test", logger)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	tracer := NewTracer("conduit-test/tracing")
	_, span := tracer.Start(context.Background(), "poll.tick", String("group", "main"))
	span.SetAttr(Int("messages", 3))
	span.Event("dispatched", Bool("ok", true))
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if rec.count() == 0 {
		t.Fatal("expected at least one span-finished log record")
	}
}

func TestSpanErrorRecordsWithoutPanicking(t *testing.T) {
	tracer := NewTracer("conduit-test/tracing-error")
	_, span := tracer.Start(context.Background(), "agent.run")
	span.Error(errors.New("boom"))
	span.End()
}

func TestAttrConstructorsSetExpectedValues(t *testing.T) {
	attrs := []Attr{
		String("k1", "v1"),
		Int("k2", 2),
		Bool("k3", true),
		Float64("k4", 1.5),
	}
	if attrs[0].Value != "v1" || attrs[1].Value != 2 || attrs[2].Value != true || attrs[3].Value != 1.5 {
		t.Fatalf("unexpected attr values: %+v", attrs)
	}
}

func TestNewTracerWithoutSetupDoesNotPanic(t *testing.T) {
	tracer := NewTracer("conduit-test/no-setup")
	ctx, span := tracer.Start(context.Background(), "scheduled.task")
	span.SetAttr(String("task", "digest"))
	span.End()
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
}

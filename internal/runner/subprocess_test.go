package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/conduit/internal/model"
)

// shRunner builds a SubprocessRunner that executes script through /bin/sh,
// standing in for a real agent binary during tests.
func shRunner(script string, maxOutput int) *SubprocessRunner {
	return NewSubprocessRunner("/bin/sh", []string{"-c", script}, "", []string{}, maxOutput, nil)
}

func TestSubprocessRunnerEmitsFinalFrame(t *testing.T) {
	script := `cat >/dev/null; printf '%s' '---INTERCOM_OUTPUT_START--- {"status":"success","result":"done"} ---INTERCOM_OUTPUT_END---'`
	r := shRunner(script, 1<<20)

	var events []model.StreamEvent
	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 2*time.Second, 5*time.Second, func(e model.StreamEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "success" || out.Result != "done" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestSubprocessRunnerStreamsPlainTextBeforeFrame(t *testing.T) {
	script := `cat >/dev/null; printf 'working...'; printf '%s' '---INTERCOM_OUTPUT_START--- {"status":"success"} ---INTERCOM_OUTPUT_END---'`
	r := shRunner(script, 1<<20)

	var text string
	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 2*time.Second, 5*time.Second, func(e model.StreamEvent) {
		if e.Kind == "text-delta" {
			text += e.Content
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "working..." {
		t.Errorf("expected streamed plain text %q, got %q", "working...", text)
	}
	if out.Status != "success" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestSubprocessRunnerNoFinalFrameIsError(t *testing.T) {
	script := `cat >/dev/null; printf 'no frame here'`
	r := shRunner(script, 1<<20)

	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 2*time.Second, 5*time.Second, func(model.StreamEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "error" {
		t.Fatalf("expected error status, got %+v", out)
	}
}

func TestSubprocessRunnerIdleTimeoutAfterOutputIsSuccess(t *testing.T) {
	script := `cat >/dev/null; printf 'partial progress'; sleep 5`
	r := shRunner(script, 1<<20)

	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 50*time.Millisecond, 5*time.Second, func(model.StreamEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("expected idle timeout after partial output to classify as success, got %+v", out)
	}
}

func TestSubprocessRunnerIdleTimeoutWithNoOutputIsError(t *testing.T) {
	script := `cat >/dev/null; sleep 5`
	r := shRunner(script, 1<<20)

	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 50*time.Millisecond, 5*time.Second, func(model.StreamEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "error" || !strings.Contains(out.Error, "timed out after") {
		t.Fatalf("expected a descriptive timeout error, got %+v", out)
	}
}

func TestSubprocessRunnerHardTimeout(t *testing.T) {
	script := `cat >/dev/null; sleep 5`
	r := shRunner(script, 1<<20)

	start := time.Now()
	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 50*time.Millisecond, 200*time.Millisecond, func(model.StreamEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("runner did not respect hard timeout, took %s", elapsed)
	}
	if out.Status != "error" {
		t.Fatalf("expected error status after timeout, got %+v", out)
	}
}

func TestSubprocessRunnerExitErrorSurfacesInError(t *testing.T) {
	script := `cat >/dev/null; echo 'boom' 1>&2; exit 3`
	r := shRunner(script, 1<<20)

	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 2*time.Second, 5*time.Second, func(model.StreamEvent) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "error" {
		t.Fatalf("expected error status, got %+v", out)
	}
}

func TestSubprocessRunnerOverflowWarnsAndKeepsStreaming(t *testing.T) {
	script := `cat >/dev/null; yes 'x' | head -c 100000; printf '%s' '---INTERCOM_OUTPUT_START--- {"status":"success","result":"done"} ---INTERCOM_OUTPUT_END---'`
	r := shRunner(script, 1024)

	var warnings int
	var text strings.Builder
	out, err := r.Run(context.Background(), model.ContainerInput{Prompt: "hi"}, 2*time.Second, 5*time.Second, func(e model.StreamEvent) {
		if e.Kind == "warning" {
			warnings++
		}
		if e.Kind == "text-delta" {
			text.WriteString(e.Content)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warnings != 1 {
		t.Fatalf("expected exactly one overflow warning, got %d", warnings)
	}
	if text.Len() < 100000 {
		t.Fatalf("expected streaming to continue past the buffer cap, only saw %d bytes", text.Len())
	}
	if out.Status != "success" || out.Result != "done" {
		t.Fatalf("expected the process to keep running and produce its final frame, got %+v", out)
	}
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/queue"
)

// limitedWriter bounds how much of a stream is kept in memory, truncating
// once max bytes have been captured.
type limitedWriter struct {
	w   *strings.Builder
	max int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.w.Len() < lw.max {
		remaining := lw.max - lw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		lw.w.Write(p)
	}
	return n, nil
}

// SubprocessRunner executes an agent as a plain child process: the agent
// binary receives one JSON input frame on stdin and streams
// sentinel-delimited output frames on stdout.
type SubprocessRunner struct {
	binary    string
	args      []string
	workdir   string
	env       []string
	maxOutput int
	onPreempt func()
}

// NewSubprocessRunner creates a runner that invokes binary with args, in
// workdir, with the given environment (already assembled by
// internal/mount) and output buffer cap. onPreempt, if non-nil, is called
// once the queue signals this run should yield to a higher-priority
// submission (see queue.Preempted) — the caller wires it to write the
// agent's IPC close sentinel.
func NewSubprocessRunner(binary string, args []string, workdir string, env []string, maxOutput int, onPreempt func()) *SubprocessRunner {
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &SubprocessRunner{binary: binary, args: args, workdir: workdir, env: env, maxOutput: maxOutput, onPreempt: onPreempt}
}

var _ Runner = (*SubprocessRunner)(nil)

// Run starts the agent binary, writes in as its single stdin frame, and
// streams stdout plain text and each closed frame's embedded event to
// onEvent. The watchdog
// enforces both an activity-reset idle timeout and an absolute hard
// timeout, whichever elapses first.
func (r *SubprocessRunner) Run(ctx context.Context, in model.ContainerInput, idleTimeout, hardTimeout time.Duration, onEvent func(model.StreamEvent)) (model.ContainerOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, r.args...)
	cmd.Dir = r.workdir
	cmd.Env = r.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: r.maxOutput}

	if err := cmd.Start(); err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: start: %w", err)
	}

	payload, err := json.Marshal(in)
	in.ZeroSecrets()
	if err != nil {
		_ = cmd.Process.Kill()
		return model.ContainerOutput{}, fmt.Errorf("runner: marshal input: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		_ = cmd.Process.Kill()
		return model.ContainerOutput{}, fmt.Errorf("runner: write input: %w", err)
	}
	stdin.Close()

	lastActivity := newActivityClock()
	watchdogDone := make(chan struct{})
	go watchdog(ctx, cancel, lastActivity, idleTimeout, watchdogDone)
	defer close(watchdogDone)

	preemptDone := make(chan struct{})
	go watchForPreempt(ctx, r.onPreempt, preemptDone)
	defer close(preemptDone)

	var extractor frameExtractor
	var final model.ContainerOutput
	sawFinal := false
	sawAnyOutput := false
	overflowWarned := false
	var totalRead int

	feed := func(b []byte) {
		lastActivity.touch()
		sawAnyOutput = true
		for chunk := string(b); ; chunk = "" {
			res := extractor.Feed(chunk)
			if res.PlainText != "" {
				onEvent(model.StreamEvent{Kind: "text-delta", Content: res.PlainText})
			}
			if !res.HasFrame {
				break
			}
			final = res.Frame
			sawFinal = true
			queue.NotifyIdle(ctx)
			if res.Frame.Event != nil {
				onEvent(*res.Frame.Event)
			}
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			totalRead += n
			if totalRead > r.maxOutput && !overflowWarned {
				overflowWarned = true
				onEvent(model.StreamEvent{Kind: "warning", Content: "agent output exceeded maximum buffer size; buffering stopped but streaming continues"})
			}
			feed(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	if tail := extractor.Flush(); tail != "" {
		onEvent(model.StreamEvent{Kind: "text-delta", Content: tail})
	}

	waitErr := cmd.Wait()
	logs := stderrBuf.String()
	if len(logs) > r.maxOutput {
		logs = logs[:r.maxOutput] + "\n... (truncated)"
	}

	if sawFinal {
		return final, nil
	}

	if timedOut, message := classifyTimeout(ctx, idleTimeout, hardTimeout); timedOut {
		if sawAnyOutput {
			// The agent produced output and is presumed to have wound
			// down gracefully on the close sentinel or idle cleanup;
			// treat it the same as a clean exit rather than an error.
			return model.ContainerOutput{Status: "success"}, nil
		}
		return model.ContainerOutput{Status: "error", Error: message}, nil
	}

	out := model.ContainerOutput{Status: "error"}
	switch {
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			out.Error = fmt.Sprintf("agent exited %d without a final frame: %s", exitErr.ExitCode(), logs)
		} else {
			out.Error = waitErr.Error()
		}
	default:
		out.Error = "agent exited without producing a final output frame"
	}
	return out, nil
}

// activityClock tracks the last time the agent produced output, so the
// idle-timeout watchdog can distinguish "still working" from "hung".
type activityClock struct {
	lastUnixNano atomic.Int64
}

func newActivityClock() *activityClock {
	c := &activityClock{}
	c.touch()
	return c
}

func (c *activityClock) touch() { c.lastUnixNano.Store(time.Now().UnixNano()) }

func (c *activityClock) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUnixNano.Load()))
}

// watchdog cancels the agent's context once it has been idle for
// idleTimeout, independent of the hard-timeout context deadline already
// enforced by exec.CommandContext.
func watchdog(ctx context.Context, cancel context.CancelFunc, activity *activityClock, idleTimeout time.Duration, done <-chan struct{}) {
	interval := idleTimeout / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if activity.idleFor() >= idleTimeout {
				cancel()
				return
			}
		}
	}
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/queue"
)

// MountSpec is one bind mount assembled by internal/mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerRunner executes an agent inside a fresh Docker container per
// invocation: one container, one input frame, one exit. The container is
// always removed afterward, successful or not.
type ContainerRunner struct {
	cli       *client.Client
	image     string
	env       []string
	mounts    []MountSpec
	maxOutput int
	onPreempt func()
}

// NewContainerRunner creates a runner that launches image via the given
// Docker client, with env and mounts applied to every container it
// starts. onPreempt, if non-nil, is called once the queue signals this
// run should yield to a higher-priority submission (see
// queue.Preempted) — the caller wires it to write the agent's IPC close
// sentinel.
func NewContainerRunner(cli *client.Client, image string, env []string, mounts []MountSpec, maxOutput int, onPreempt func()) *ContainerRunner {
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	return &ContainerRunner{cli: cli, image: image, env: env, mounts: mounts, maxOutput: maxOutput, onPreempt: onPreempt}
}

var _ Runner = (*ContainerRunner)(nil)

func (r *ContainerRunner) Run(ctx context.Context, in model.ContainerInput, idleTimeout, hardTimeout time.Duration, onEvent func(model.StreamEvent)) (model.ContainerOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	binds := make([]string, 0, len(r.mounts))
	for _, m := range r.mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		binds = append(binds, spec)
	}

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        r.image,
			Env:          r.env,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
			Tty:          true, // single combined stream, no stdcopy framing
		},
		&container.HostConfig{
			Binds:      binds,
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: container create: %w", err)
	}
	containerID := created.ID
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		_ = r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: container attach: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: container start: %w", err)
	}

	payload, err := json.Marshal(in)
	in.ZeroSecrets()
	if err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: marshal input: %w", err)
	}
	if _, err := attach.Conn.Write(append(payload, '\n')); err != nil {
		return model.ContainerOutput{}, fmt.Errorf("runner: write input: %w", err)
	}
	// Half-close the write side so the agent's stdin reader sees EOF; the
	// hijacked connection only exposes this via the underlying net.Conn.
	if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

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

	buf := make([]byte, 32*1024)
	for {
		n, readErr := attach.Reader.Read(buf)
		if n > 0 {
			totalRead += n
			if totalRead > r.maxOutput && !overflowWarned {
				overflowWarned = true
				onEvent(model.StreamEvent{Kind: "warning", Content: "agent output exceeded maximum buffer size; buffering stopped but streaming continues"})
			}
			lastActivity.touch()
			sawAnyOutput = true
			for chunk := string(buf[:n]); ; chunk = "" {
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
		if readErr != nil {
			break
		}
	}
	if tail := extractor.Flush(); tail != "" {
		onEvent(model.StreamEvent{Kind: "text-delta", Content: tail})
	}

	waitCh, errCh := r.cli.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case res := <-waitCh:
		exitCode = res.StatusCode
	case waitErr := <-errCh:
		if sawFinal {
			return final, nil
		}
		if timedOut, message := classifyTimeout(ctx, idleTimeout, hardTimeout); timedOut {
			if sawAnyOutput {
				return model.ContainerOutput{Status: "success"}, nil
			}
			return model.ContainerOutput{Status: "error", Error: message}, nil
		}
		return model.ContainerOutput{Status: "error", Error: waitErr.Error()}, nil
	case <-time.After(5 * time.Second):
		// Container already stopped producing output and removal is
		// imminent via the deferred ContainerRemove; do not block Run
		// indefinitely on a wait that will never arrive.
	}

	if sawFinal {
		return final, nil
	}

	if timedOut, message := classifyTimeout(ctx, idleTimeout, hardTimeout); timedOut {
		if sawAnyOutput {
			return model.ContainerOutput{Status: "success"}, nil
		}
		return model.ContainerOutput{Status: "error", Error: message}, nil
	}

	status := "error"
	reason := "agent exited without producing a final output frame"
	if exitCode != 0 {
		reason = fmt.Sprintf("container exited %d without a final frame", exitCode)
	}
	return model.ContainerOutput{Status: status, Error: reason}, nil
}

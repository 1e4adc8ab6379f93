// Package dispatch wires the message poll loop, the scheduler, and the
// IPC watcher's task channel onto the group queue and the agent runner.
// It is the one place that knows how to turn "a chat has messages" or "a
// task is due" into a running agent process and a delivered reply.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"

	"github.com/nevindra/conduit/internal/bridge"
	"github.com/nevindra/conduit/internal/ipcwatch"
	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/mount"
	"github.com/nevindra/conduit/internal/poll"
	"github.com/nevindra/conduit/internal/queue"
	"github.com/nevindra/conduit/internal/runner"
	"github.com/nevindra/conduit/internal/scheduler"
	"github.com/nevindra/conduit/internal/store"
	"github.com/nevindra/conduit/internal/tracing"
)

// messagePriority and taskPriority feed queue.Submit: within a chat,
// scheduled tasks always beat pending messages.
const (
	messagePriority = 0
	taskPriority    = 10
)

// maxRetries and baseRetryMs govern message-processing retry/backoff: a
// failed run is retried with delay_ms = baseRetryMs * 2^(retry_count-1),
// up to maxRetries attempts, after which the counter resets and the
// batch is dropped (the next incoming message for the chat starts fresh).
const (
	maxRetries  = 5
	baseRetryMs = 5000
)

// AgentConfig is the process-level shape of an agent invocation, shared
// by every group. A group's own runtime field only affects its mount
// list (see mount.Config.Build); it does not change the binary, args or
// subprocess-vs-container choice.
type AgentConfig struct {
	Binary         string
	Args           []string
	IdleTimeout    time.Duration
	HardTimeout    time.Duration
	MaxOutputBytes int
	AssistantName  string
	MainFolder     string

	// DockerClient and DockerImage, when both set, route every invocation
	// through a ContainerRunner instead of a SubprocessRunner.
	DockerClient *client.Client
	DockerImage  string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithTracer installs a tracer; every agent run and task execution opens
// one span under it.
func WithTracer(t tracing.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithRunnerFactory overrides how a Runner is built per invocation.
// Production wiring never needs this — New installs the real mount-based
// subprocess/container factory — but it is the seam tests use to run the
// dispatch logic against a fake Runner instead of a real process.
func WithRunnerFactory(f func(group model.RegisteredGroup, isMain bool) (runner.Runner, error)) Option {
	return func(d *Dispatcher) { d.runnerFactory = f }
}

// Dispatcher adapts the group queue and agent runner onto poll.Dispatcher,
// ipcwatch.TaskHandler, and scheduler.Dispatch.
type Dispatcher struct {
	store   store.Store
	queue   *queue.Queue
	bridge  bridge.Bridge
	mount   mount.Config
	secrets secretsLoader
	agent   AgentConfig
	ipc     *ipcwatch.Watcher // wired post-construction via SetIPC
	log     *slog.Logger
	tracer  tracing.Tracer

	runnerFactory func(group model.RegisteredGroup, isMain bool) (runner.Runner, error)

	retryMu     sync.Mutex
	retryCounts map[string]int // chatID -> consecutive message-processing failures
}

// secretsLoader abstracts internal/mount.LoadSecrets/WithClaudeCredentialFallback
// for testability.
type secretsLoader func(groupFolder string) (map[string]string, error)

// New creates a Dispatcher. secrets loads the per-group secret map handed
// to the agent's input frame (nil secrets is fine — an always-empty loader).
func New(st store.Store, q *queue.Queue, br bridge.Bridge, mountCfg mount.Config, secrets func(groupFolder string) (map[string]string, error), agent AgentConfig, opts ...Option) *Dispatcher {
	if secrets == nil {
		secrets = func(string) (map[string]string, error) { return nil, nil }
	}
	d := &Dispatcher{
		store: st, queue: q, bridge: br, mount: mountCfg,
		secrets: secrets, agent: agent,
		log: slog.New(discardHandler{}), tracer: noopTracer{},
		retryCounts: make(map[string]int),
	}
	d.runnerFactory = d.buildRunner
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetIPC wires the IPC watcher back into the dispatcher once both are
// constructed, breaking the natural construction cycle (the watcher needs
// a TaskHandler, which is this Dispatcher; follow-up delivery needs the
// watcher's PublishInput).
func (d *Dispatcher) SetIPC(w *ipcwatch.Watcher) { d.ipc = w }

var (
	_ poll.Dispatcher      = (*Dispatcher)(nil)
	_ ipcwatch.TaskHandler = (*Dispatcher)(nil)
)

// Dispatch implements poll.Dispatcher: deliver as a follow-up to an
// already-running agent when possible, else submit a fresh job.
func (d *Dispatcher) Dispatch(ctx context.Context, chatID, groupFolder string, isMain bool, msgs []model.Message) (poll.DispatchOutcome, error) {
	text := formatMessages(msgs)

	if d.ipc != nil && d.queue.IsActive(chatID) {
		if err := d.ipc.PublishInput(groupFolder, fmt.Sprintf("msg-%d", time.Now().UnixNano()), []byte(text)); err == nil {
			return poll.DispatchOutcome{Delivered: true}, nil
		}
		// Fall through to a fresh submission if follow-up delivery failed
		// (e.g. the agent just exited and its IPC directory is gone).
	}

	group, found, err := d.store.GetRegisteredGroup(ctx, chatID)
	if err != nil {
		return poll.DispatchOutcome{}, fmt.Errorf("dispatch: load group: %w", err)
	}
	if !found {
		return poll.DispatchOutcome{}, fmt.Errorf("dispatch: chat %q is not a registered group", chatID)
	}

	jobID := fmt.Sprintf("%s-%d", groupFolder, time.Now().UnixNano())
	handle := d.queue.Submit(jobID, chatID, messagePriority, func(ctx context.Context) (queue.Result, error) {
		res, err := d.runAgent(ctx, group, isMain, text, false)
		d.scheduleRetry(chatID, groupFolder, isMain, msgs, err != nil)
		return res, err
	})

	return poll.DispatchOutcome{
		Await: func(ctx context.Context) (bool, error) {
			res, err := handle.Await(ctx)
			return res.Output != "", err
		},
	}, nil
}

// scheduleRetry implements the message-processing retry/backoff rule: a
// failed run's batch is resubmitted after an exponentially increasing
// delay, up to maxRetries attempts, after which the counter resets and
// the batch is dropped — the next incoming message for the chat starts a
// fresh attempt rather than retrying forever. A successful run clears
// any retry count accumulated by prior failures.
func (d *Dispatcher) scheduleRetry(chatID, groupFolder string, isMain bool, msgs []model.Message, failed bool) {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	if !failed {
		delete(d.retryCounts, chatID)
		return
	}

	count := d.retryCounts[chatID] + 1
	if count > maxRetries {
		d.log.Error("max retries exceeded, dropping", "chat_id", chatID, "retry_count", count)
		delete(d.retryCounts, chatID)
		return
	}
	d.retryCounts[chatID] = count

	delayMs := int64(baseRetryMs) * (1 << (count - 1))
	delay := time.Duration(delayMs) * time.Millisecond
	d.log.Info("scheduling retry with backoff", "chat_id", chatID, "retry_count", count, "delay", delay)
	time.AfterFunc(delay, func() {
		if _, err := d.Dispatch(context.Background(), chatID, groupFolder, isMain, msgs); err != nil {
			d.log.Error("retry dispatch failed", "chat_id", chatID, "error", err)
		}
	})
}

// DispatchTask implements scheduler.Dispatch: run a due task through the
// queue with task priority, so it preempts any pending message backlog
// for the same chat.
func (d *Dispatcher) DispatchTask(ctx context.Context, task model.ScheduledTask) (string, error) {
	group, found, err := d.store.GetRegisteredGroup(ctx, task.ChatID)
	if err != nil {
		return "", fmt.Errorf("dispatch task: load group: %w", err)
	}
	if !found {
		return "", fmt.Errorf("dispatch task: chat %q is not a registered group", task.ChatID)
	}
	isMain := group.FolderName == d.agent.MainFolder

	var sessionID string
	if task.ContextMode == model.ContextGroup {
		sessionID, _, _ = d.store.GetSessionID(ctx, task.ChatID)
	}

	jobID := "task-" + task.ID
	handle := d.queue.Submit(jobID, task.ChatID, taskPriority, func(ctx context.Context) (queue.Result, error) {
		return d.runAgentSession(ctx, group, isMain, task.Prompt, true, sessionID)
	})

	res, err := handle.Await(ctx)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

var _ scheduler.Dispatch = (*Dispatcher)(nil).DispatchTask

// HandleTask implements ipcwatch.TaskHandler: a running agent's own task
// management command (create/update/pause/delete a scheduled task),
// dropped into its IPC tasks/ directory.
func (d *Dispatcher) HandleTask(ctx context.Context, groupFolder string, raw json.RawMessage) error {
	var cmd struct {
		Op   string              `json:"op"`
		Task model.ScheduledTask `json:"task"`
		ID   string              `json:"id"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("task command: %w", err)
	}
	switch cmd.Op {
	case "create":
		return d.store.CreateScheduledTask(ctx, cmd.Task)
	case "pause":
		return d.store.SetScheduledTaskStatus(ctx, cmd.ID, model.TaskPaused)
	case "resume":
		return d.store.SetScheduledTaskStatus(ctx, cmd.ID, model.TaskActive)
	case "delete":
		return d.store.DeleteScheduledTask(ctx, cmd.ID)
	default:
		return fmt.Errorf("task command: unknown op %q", cmd.Op)
	}
}

// runAgent runs a one-off message-driven invocation, resolving the
// group's current session if any.
func (d *Dispatcher) runAgent(ctx context.Context, group model.RegisteredGroup, isMain bool, prompt string, isTask bool) (queue.Result, error) {
	sessionID, _, _ := d.store.GetSessionID(ctx, group.ChatID)
	return d.runAgentSession(ctx, group, isMain, prompt, isTask, sessionID)
}

func (d *Dispatcher) runAgentSession(ctx context.Context, group model.RegisteredGroup, isMain bool, prompt string, isTask bool, sessionID string) (queue.Result, error) {
	ctx, span := d.tracer.Start(ctx, "agent.run",
		tracing.String("group_folder", group.FolderName),
		tracing.Bool("is_task", isTask),
	)
	defer span.End()

	r, err := d.runnerFactory(group, isMain)
	if err != nil {
		span.Error(err)
		return queue.Result{}, err
	}

	secrets, err := d.secrets(group.FolderName)
	if err != nil {
		d.log.Warn("secrets load failed, continuing without them", "group_folder", group.FolderName, "error", err)
	}

	in := model.ContainerInput{
		Prompt:          prompt,
		SessionID:       sessionID,
		GroupFolder:     group.FolderName,
		ChatID:          group.ChatID,
		IsMain:          isMain,
		IsScheduledTask: isTask,
		AssistantName:   d.agent.AssistantName,
		Model:           group.Model,
		Secrets:         secrets,
	}

	onEvent := func(ev model.StreamEvent) {
		if ev.Kind == "warning" {
			d.log.Warn("agent stream warning", "chat_id", group.ChatID, "content", ev.Content)
		}
		if ev.Kind == "text-delta" && ev.Content != "" {
			if _, err := d.bridge.Send(ctx, group.ChatID, ev.Content); err != nil {
				d.log.Warn("stream delivery failed", "chat_id", group.ChatID, "error", err)
			}
		}
	}

	out, err := r.Run(ctx, in, d.agent.IdleTimeout, d.agent.HardTimeout, onEvent)
	if err != nil {
		span.Error(err)
		return queue.Result{}, err
	}

	if out.NewSessionID != "" {
		if err := d.store.SetSessionID(ctx, group.ChatID, out.NewSessionID); err != nil {
			d.log.Error("persist session id failed", "chat_id", group.ChatID, "error", err)
		}
	}

	if out.Status == "error" {
		span.SetAttr(tracing.String("status", "error"))
		if out.Error != "" {
			_, _ = d.bridge.Send(ctx, group.ChatID, "Sorry, something went wrong: "+out.Error)
		}
		return queue.Result{}, fmt.Errorf("agent run failed: %s", out.Error)
	}

	if out.Result != "" {
		if _, err := d.bridge.Send(ctx, group.ChatID, out.Result); err != nil {
			d.log.Warn("final delivery failed", "chat_id", group.ChatID, "error", err)
		}
	}
	return queue.Result{Output: out.Result}, nil
}

// buildRunner is the default runnerFactory: it assembles a fresh Runner
// for one invocation from the mount list and the configured
// subprocess-vs-container choice.
func (d *Dispatcher) buildRunner(group model.RegisteredGroup, isMain bool) (runner.Runner, error) {
	specs, err := d.mount.Build(mount.GroupRequest{
		FolderName: group.FolderName,
		IsMain:     isMain,
		Runtime:    group.Runtime,
	})
	if err != nil {
		return nil, fmt.Errorf("build mounts: %w", err)
	}

	onPreempt := func() {
		if d.ipc == nil {
			return
		}
		if err := d.ipc.PublishInput(group.FolderName, "_close", nil); err != nil {
			d.log.Warn("close sentinel publish failed", "group_folder", group.FolderName, "error", err)
		}
	}

	if d.agent.DockerClient != nil && d.agent.DockerImage != "" {
		return runner.NewContainerRunner(d.agent.DockerClient, d.agent.DockerImage, nil, specs, d.agent.MaxOutputBytes, onPreempt), nil
	}

	workdir := ""
	for _, s := range specs {
		if s.Target == "/workspace/group" {
			workdir = s.Source
		}
	}
	return runner.NewSubprocessRunner(d.agent.Binary, d.agent.Args, workdir, nil, d.agent.MaxOutputBytes, onPreempt), nil
}

// formatMessages concatenates a chat's pending backlog into the single
// prompt string handed to the agent, one line per message prefixed by
// its sender's display name.
func formatMessages(msgs []model.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.SenderDisplay != "" {
			b.WriteString(m.SenderDisplay)
			b.WriteString(": ")
		}
		b.WriteString(m.Body)
	}
	return b.String()
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, name string, attrs ...tracing.Attr) (context.Context, tracing.Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(attrs ...tracing.Attr)        {}
func (noopSpan) Event(name string, a ...tracing.Attr) {}
func (noopSpan) Error(err error)                      {}
func (noopSpan) End()                                 {}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }

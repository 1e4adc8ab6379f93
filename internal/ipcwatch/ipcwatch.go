// Package ipcwatch implements the file-based IPC channel between a running
// agent and the daemon: per-group directories under a base path, polled on
// a fixed tick, each holding three producer channels (messages, tasks,
// queries) and two consumer channels (responses, input) the core writes to.
package ipcwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/store"
)

const (
	messagesDir  = "messages"
	tasksDir     = "tasks"
	queriesDir   = "queries"
	responsesDir = "responses"
	inputDir     = "input"
	errorsDir    = "errors"
)

// OutboundMessage is the parsed contents of a messages/ file.
type OutboundMessage struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// QueryRequest is the parsed contents of a queries/ file, enriched with the
// authorization context of the group that produced it.
type QueryRequest struct {
	UUID        string          `json:"uuid"`
	Type        string          `json:"type"` // "read" | "write"
	Op          string          `json:"op"`
	Params      json.RawMessage `json:"params"`
	GroupFolder string          `json:"-"`
	ChatID      string          `json:"-"`
	IsMain      bool            `json:"-"`
}

// QueryResult is serialized verbatim into responses/{uuid}.json.
type QueryResult struct {
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MessageSender delivers an authorized outbound message to the chat bridge.
type MessageSender interface {
	Send(ctx context.Context, chatID, text string) error
}

// TaskHandler routes a task-management command to its external handler.
type TaskHandler interface {
	HandleTask(ctx context.Context, groupFolder string, raw json.RawMessage) error
}

// PolicyKernel executes one authorized read/write query and returns its
// result, per the policy kernel adapter.
type PolicyKernel interface {
	Execute(ctx context.Context, req QueryRequest) QueryResult
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger installs a structured logger. Defaults to a no-op discard
// logger if never set.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// Watcher polls ipc_base/ on a fixed tick and drains every group's three
// producer channels.
type Watcher struct {
	baseDir    string
	mainFolder string
	store      store.Store
	sender     MessageSender
	tasks      TaskHandler
	policy     PolicyKernel
	interval   time.Duration
	log        *slog.Logger
}

// New creates a Watcher. baseDir is ipc_base/; mainFolder is the configured
// main group's folder name, which grants unrestricted send/write authority.
func New(baseDir, mainFolder string, st store.Store, sender MessageSender, tasks TaskHandler, policy PolicyKernel, interval time.Duration, opts ...Option) *Watcher {
	w := &Watcher{
		baseDir: baseDir, mainFolder: mainFolder,
		store: st, sender: sender, tasks: tasks, policy: policy,
		interval: interval, log: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info("ipc watcher started", "base_dir", w.baseDir, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("ipc watcher stopped")
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.log.Error("ipc watcher tick failed", "error", err)
			}
		}
	}
}

// tick reads every per-group subdirectory (skipping errors/) and drains
// their channels concurrently, one goroutine per group — the one place
// this daemon needs a barrier across goroutines, since a tick is only
// considered done once every group's three directories have been read.
func (w *Watcher) tick(ctx context.Context) error {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ipcwatch: read base dir: %w", err)
	}

	groups, err := w.store.ListRegisteredGroups(ctx)
	if err != nil {
		return fmt.Errorf("ipcwatch: list registered groups: %w", err)
	}
	byFolder := make(map[string]model.RegisteredGroup, len(groups))
	for _, g := range groups {
		byFolder[g.FolderName] = g
	}

	eg, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == errorsDir {
			continue
		}
		folder := e.Name()
		g, registered := byFolder[folder]
		eg.Go(func() error {
			w.processGroup(gctx, folder, g, registered)
			return nil
		})
	}
	return eg.Wait()
}

// processGroup drains one group's messages/, tasks/, and queries/
// directories. Per-file errors are quarantined or logged, never returned,
// so one misbehaving group cannot abort the whole tick.
func (w *Watcher) processGroup(ctx context.Context, folder string, g model.RegisteredGroup, registered bool) {
	isMain := folder == w.mainFolder
	w.drainMessages(ctx, folder, g, registered, isMain)
	w.drainTasks(ctx, folder)
	w.drainQueries(ctx, folder, g, isMain)
}

func (w *Watcher) drainMessages(ctx context.Context, folder string, g model.RegisteredGroup, registered, isMain bool) {
	dir := filepath.Join(w.baseDir, folder, messagesDir)
	names, err := readFileNames(dir)
	if err != nil {
		return
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg OutboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ChatID == "" || msg.Text == "" {
			w.quarantine(folder, name, raw)
			os.Remove(path)
			continue
		}
		if !isMain && (!registered || msg.ChatID != g.ChatID) {
			w.log.Warn("ipc message unauthorized, dropping", "group_folder", folder, "chat_id", msg.ChatID)
			os.Remove(path)
			continue
		}
		if err := w.sender.Send(ctx, msg.ChatID, msg.Text); err != nil {
			w.log.Error("ipc message send failed", "group_folder", folder, "chat_id", msg.ChatID, "error", err)
		}
		os.Remove(path)
	}
}

func (w *Watcher) drainTasks(ctx context.Context, folder string) {
	dir := filepath.Join(w.baseDir, folder, tasksDir)
	names, err := readFileNames(dir)
	if err != nil {
		return
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := w.tasks.HandleTask(ctx, folder, raw); err != nil {
			w.log.Warn("ipc task handler failed, quarantining", "group_folder", folder, "file", name, "error", err)
			w.quarantine(folder, name, raw)
		}
		os.Remove(path)
	}
}

func (w *Watcher) drainQueries(ctx context.Context, folder string, g model.RegisteredGroup, isMain bool) {
	dir := filepath.Join(w.baseDir, folder, queriesDir)
	names, err := readFileNames(dir)
	if err != nil {
		return
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req QueryRequest
		if err := json.Unmarshal(raw, &req); err != nil || req.UUID == "" {
			w.quarantine(folder, name, raw)
			os.Remove(path)
			continue
		}
		req.GroupFolder = folder
		req.ChatID = g.ChatID
		req.IsMain = isMain

		if req.Type == "write" && !isMain {
			w.log.Warn("ipc write query unauthorized, dropping", "group_folder", folder, "uuid", req.UUID)
			os.Remove(path)
			continue
		}

		result := w.policy.Execute(ctx, req)
		if err := w.publishResponse(folder, req.UUID, result); err != nil {
			w.log.Error("ipc response publish failed", "group_folder", folder, "uuid", req.UUID, "error", err)
		}
		os.Remove(path)
	}
}

// publishResponse writes the response atomically: create a temp file in
// the target directory, then rename it over the final path.
func (w *Watcher) publishResponse(folder, uuid string, result QueryResult) error {
	dir := filepath.Join(w.baseDir, folder, responsesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipcwatch: ensure responses dir: %w", err)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ipcwatch: marshal response: %w", err)
	}

	tmp, err := os.CreateTemp(dir, uuid+"-*.tmp")
	if err != nil {
		return fmt.Errorf("ipcwatch: create temp response: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ipcwatch: write temp response: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ipcwatch: close temp response: %w", err)
	}

	final := filepath.Join(dir, uuid+".json")
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ipcwatch: rename response: %w", err)
	}
	return nil
}

// PublishInput delivers a follow-up input file into a group's input/
// directory, or a zero-byte "_close" sentinel when name == "_close" and
// payload is empty. Used by internal/dispatch to push mid-run follow-up
// messages and the close signal.
func (w *Watcher) PublishInput(folder, name string, payload []byte) error {
	dir := filepath.Join(w.baseDir, folder, inputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipcwatch: ensure input dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "input-*.tmp")
	if err != nil {
		return fmt.Errorf("ipcwatch: create temp input: %w", err)
	}
	tmpPath := tmp.Name()
	if len(payload) > 0 {
		if _, err := tmp.Write(payload); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("ipcwatch: write temp input: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ipcwatch: close temp input: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ipcwatch: rename input: %w", err)
	}
	return nil
}

// quarantine moves a malformed or failed file's raw bytes into errors/,
// prefixed by its originating group folder. Best-effort: a failure here
// only produces a log line, since the caller still removes the original.
func (w *Watcher) quarantine(folder, name string, raw []byte) {
	dir := filepath.Join(w.baseDir, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Error("ipc quarantine: ensure errors dir", "error", err)
		return
	}
	path := filepath.Join(dir, folder+"-"+name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		w.log.Error("ipc quarantine: write failed", "path", path, "error", err)
	}
}

// readFileNames returns the lexicographically sorted (os.ReadDir's own
// order) non-directory entry names in dir. If dir cannot be read
// (including when it is absent) it returns nil and the error.
func readFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }

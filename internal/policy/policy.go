// Package policy adapts typed read/write operations issued by agents over
// the IPC channel onto an external command-line tool invocation, the
// "policy kernel" spec.md names. It never touches the filesystem directly:
// every operation is an allowlisted subcommand of a single configured
// binary, run under the project root.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/conduit/internal/ipcwatch"
)

const maxOutput = 4000

// Option configures a Kernel.
type Option func(*Kernel)

// WithTimeout overrides the per-operation execution timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.timeout = d }
}

// WithRequireMainForWrite toggles whether write operations require the
// caller to be the main group. Defaults to true; spec.md calls this out as
// configurable.
func WithRequireMainForWrite(require bool) Option {
	return func(k *Kernel) { k.requireMainForWrite = require }
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// Kernel is the policy kernel adapter: it maps a QueryRequest onto a
// command Plan, enforces the allowlist and main-group write gate, and
// shells out to the configured binary.
type Kernel struct {
	binary              string
	projectRoot         string
	readAllow           map[string]bool
	writeAllow          map[string]bool
	requireMainForWrite bool
	timeout             time.Duration
	log                 *slog.Logger
}

// New creates a Kernel. binary is the external tool invoked for every
// operation; projectRoot is its working directory; readAllow/writeAllow
// are the allowlisted operation signatures (e.g. "read:read_file").
func New(binary, projectRoot string, readAllow, writeAllow []string, opts ...Option) *Kernel {
	k := &Kernel{
		binary: binary, projectRoot: projectRoot,
		readAllow: toSet(readAllow), writeAllow: toSet(writeAllow),
		requireMainForWrite: true,
		timeout:             30 * time.Second,
		log:                 slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

var _ ipcwatch.PolicyKernel = (*Kernel)(nil)

// Execute plans, authorizes, and runs one query, returning a structured
// result suitable for the IPC response file. It never returns a non-nil
// error itself — every failure is represented inside QueryResult, since
// the caller (the IPC watcher) always publishes whatever comes back.
func (k *Kernel) Execute(ctx context.Context, req ipcwatch.QueryRequest) ipcwatch.QueryResult {
	plan, err := BuildPlan(req.Type, req.Op, req.Params)
	if err != nil {
		return ipcwatch.QueryResult{Error: err.Error()}
	}

	allow := k.readAllow
	if req.Type == "write" {
		allow = k.writeAllow
	}
	if !allow[plan.Signature] {
		return ipcwatch.QueryResult{Error: fmt.Sprintf("operation denied: %q is not allowlisted", plan.Signature)}
	}
	if req.Type == "write" && k.requireMainForWrite && !req.IsMain {
		return ipcwatch.QueryResult{Error: "write operations require the main group"}
	}

	binPath, err := exec.LookPath(k.binary)
	if err != nil {
		return ipcwatch.QueryResult{Error: "policy kernel unavailable: running in standalone mode"}
	}

	runCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binPath, plan.Args...)
	cmd.Dir = k.projectRoot
	if plan.Stdin != nil {
		cmd.Stdin = bytes.NewReader(plan.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return ipcwatch.QueryResult{Error: fmt.Sprintf("policy kernel timed out after %s", k.timeout)}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		k.log.Warn("policy kernel command failed", "signature", plan.Signature, "error", msg)
		return ipcwatch.QueryResult{Error: truncate(msg)}
	}

	return ipcwatch.QueryResult{OK: true, Result: truncate(strings.TrimSpace(stdout.String()))}
}

func truncate(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput] + "\n... (truncated)"
	}
	return s
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }

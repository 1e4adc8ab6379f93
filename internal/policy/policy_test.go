package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/conduit/internal/ipcwatch"
)

// fakeKernelScript builds a tiny shell script standing in for the real
// policy-kernel binary: it echoes its subcommand and arguments so tests
// can assert on exactly what Plan produced, and exits non-zero for
// "read-file missing.txt" to exercise the stderr path.
func fakeKernelScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.sh")
	script := `#!/bin/sh
if [ "$1" = "read-file" ] && [ "$2" = "missing.txt" ]; then
  echo "no such file" >&2
  exit 1
fi
if [ "$1" = "write-file" ]; then
  echo "wrote: $2"
  cat >/dev/null
  exit 0
fi
echo "ran: $@"
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake kernel script: %v", err)
	}
	return path
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return b
}

func TestKernelExecutesAllowlistedReadOperation(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), []string{"read:read_file"}, nil, WithTimeout(2*time.Second))

	req := ipcwatch.QueryRequest{
		UUID: "u1", Type: "read", Op: "read_file",
		Params: rawParams(t, map[string]string{"path": "notes.txt"}),
		IsMain: false,
	}
	result := k.Execute(context.Background(), req)
	if !result.OK {
		t.Fatalf("expected success, got error: %q", result.Error)
	}
	if result.Result != "ran: read-file notes.txt" {
		t.Errorf("unexpected result: %q", result.Result)
	}
}

func TestKernelDeniesOperationNotOnAllowlist(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), []string{"read:list_dir"}, nil)

	req := ipcwatch.QueryRequest{
		UUID: "u2", Type: "read", Op: "read_file",
		Params: rawParams(t, map[string]string{"path": "notes.txt"}),
	}
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected denial for an operation not on the allowlist")
	}
	if result.Error == "" {
		t.Error("expected a denial error message")
	}
}

func TestKernelRequiresMainGroupForWriteByDefault(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), nil, []string{"write:write_file"})

	req := ipcwatch.QueryRequest{
		UUID: "u3", Type: "write", Op: "write_file",
		Params: rawParams(t, map[string]string{"path": "out.txt", "content": "hi"}),
		IsMain: false,
	}
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected write from a non-main group to be denied")
	}
}

func TestKernelAllowsMainGroupWrite(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), nil, []string{"write:write_file"})

	req := ipcwatch.QueryRequest{
		UUID: "u4", Type: "write", Op: "write_file",
		Params: rawParams(t, map[string]string{"path": "out.txt", "content": "hi"}),
		IsMain: true,
	}
	result := k.Execute(context.Background(), req)
	if !result.OK {
		t.Fatalf("expected main-group write to succeed, got error: %q", result.Error)
	}
	if result.Result != "wrote: out.txt" {
		t.Errorf("unexpected result: %q", result.Result)
	}
}

func TestKernelRequireMainForWriteCanBeDisabled(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), nil, []string{"write:write_file"}, WithRequireMainForWrite(false))

	req := ipcwatch.QueryRequest{
		UUID: "u5", Type: "write", Op: "write_file",
		Params: rawParams(t, map[string]string{"path": "out.txt", "content": "hi"}),
		IsMain: false,
	}
	result := k.Execute(context.Background(), req)
	if !result.OK {
		t.Fatalf("expected write allowed once the main-group gate is disabled, got error: %q", result.Error)
	}
}

func TestKernelSurfacesStderrOnNonZeroExit(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), []string{"read:read_file"}, nil)

	req := ipcwatch.QueryRequest{
		UUID: "u6", Type: "read", Op: "read_file",
		Params: rawParams(t, map[string]string{"path": "missing.txt"}),
	}
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected failure for a non-zero exit")
	}
	if result.Error != "no such file" {
		t.Errorf("expected stderr surfaced verbatim, got %q", result.Error)
	}
}

func TestKernelReportsStandaloneModeForMissingBinary(t *testing.T) {
	k := New(filepath.Join(t.TempDir(), "does-not-exist"), t.TempDir(), []string{"read:read_file"}, nil)
	req := ipcwatch.QueryRequest{
		UUID: "u7", Type: "read", Op: "read_file",
		Params: rawParams(t, map[string]string{"path": "a.txt"}),
	}
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected failure for a missing binary")
	}
}

func TestKernelRejectsUnknownOperation(t *testing.T) {
	bin := fakeKernelScript(t)
	k := New(bin, t.TempDir(), []string{"read:read_file"}, nil)
	req := ipcwatch.QueryRequest{UUID: "u8", Type: "read", Op: "teleport", Params: json.RawMessage(`{}`)}
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected unknown operation to fail")
	}
}

func TestKernelTimesOutLongRunningCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("write slow script: %v", err)
	}
	k := New(path, t.TempDir(), []string{"read:list_dir"}, nil, WithTimeout(50*time.Millisecond))
	req := ipcwatch.QueryRequest{UUID: "u9", Type: "read", Op: "list_dir", Params: json.RawMessage(`{}`)}

	start := time.Now()
	result := k.Execute(context.Background(), req)
	if result.OK {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected prompt timeout, took %s", elapsed)
	}
}

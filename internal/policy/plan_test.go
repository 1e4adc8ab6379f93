package policy

import (
	"encoding/json"
	"testing"
)

func TestBuildPlanReadFileRequiresPath(t *testing.T) {
	if _, err := BuildPlan("read", "read_file", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing path")
	}
	plan, err := BuildPlan("read", "read_file", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Signature != "read:read_file" {
		t.Errorf("unexpected signature: %q", plan.Signature)
	}
	if len(plan.Args) != 2 || plan.Args[1] != "a.txt" {
		t.Errorf("unexpected args: %v", plan.Args)
	}
}

func TestBuildPlanListDirDefaultsToCurrentDirectory(t *testing.T) {
	plan, err := BuildPlan("read", "list_dir", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Args[len(plan.Args)-1] != "." {
		t.Errorf("expected default path '.', got %v", plan.Args)
	}
}

func TestBuildPlanWriteFileCarriesContentOnStdin(t *testing.T) {
	plan, err := BuildPlan("write", "write_file", json.RawMessage(`{"path":"out.txt","content":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plan.Stdin) != "hello" {
		t.Errorf("expected content passed via stdin, got %q", plan.Stdin)
	}
}

func TestBuildPlanUnknownOperationTypeFails(t *testing.T) {
	if _, err := BuildPlan("delete-everything", "read_file", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown operation type")
	}
}

func TestBuildPlanUnknownOperationNameFails(t *testing.T) {
	if _, err := BuildPlan("read", "teleport", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown operation name")
	}
}

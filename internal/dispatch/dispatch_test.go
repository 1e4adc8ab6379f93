package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/mount"
	"github.com/nevindra/conduit/internal/queue"
	"github.com/nevindra/conduit/internal/runner"
	"github.com/nevindra/conduit/internal/store/sqlite"
)

func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

type fakeBridge struct {
	sent []string
}

func (f *fakeBridge) Send(ctx context.Context, chatID, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "1", nil
}
func (f *fakeBridge) Edit(ctx context.Context, chatID, messageID, text string) error { return nil }

type fakeRunner struct {
	out model.ContainerOutput
	err error
}

func (r *fakeRunner) Run(ctx context.Context, in model.ContainerInput, idle, hard time.Duration, onEvent func(model.StreamEvent)) (model.ContainerOutput, error) {
	return r.out, r.err
}

func newTestDispatcher(t *testing.T, st *sqlite.Store, br *fakeBridge, rf func(model.RegisteredGroup, bool) (runner.Runner, error)) *Dispatcher {
	t.Helper()
	q := queue.New(context.Background(), 4)
	mountCfg := mount.Config{ProjectRoot: t.TempDir()}
	d := New(st, q, br, mountCfg, nil, AgentConfig{
		IdleTimeout: time.Second, HardTimeout: 5 * time.Second, MainFolder: "main",
	}, WithRunnerFactory(rf))
	return d
}

func TestDispatchSubmitsFreshJobAndDeliversResult(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	group := model.RegisteredGroup{ChatID: "chat-1", FolderName: "main"}
	if err := st.UpsertRegisteredGroup(ctx, group); err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	br := &fakeBridge{}
	fr := &fakeRunner{out: model.ContainerOutput{Status: "success", Result: "done"}}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return fr, nil })

	msgs := []model.Message{{ID: "m1", ChatID: "chat-1", Body: "hi", Timestamp: 1}}
	outcome, err := d.Dispatch(ctx, "chat-1", "main", true, msgs)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Delivered {
		t.Fatal("expected a fresh submission, not a follow-up delivery")
	}
	produced, err := outcome.Await(ctx)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !produced {
		t.Error("expected produced output to be true")
	}
	if len(br.sent) != 1 || br.sent[0] != "done" {
		t.Fatalf("expected the final result delivered to the bridge, got %v", br.sent)
	}
}

func TestDispatchRejectsUnregisteredChat(t *testing.T) {
	st := testStore(t)
	br := &fakeBridge{}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) {
		t.Fatal("runner should not be built for an unregistered chat")
		return nil, nil
	})

	_, err := d.Dispatch(context.Background(), "unknown-chat", "main", true, []model.Message{
		{ID: "m1", ChatID: "unknown-chat", Body: "hi", Timestamp: 1},
	})
	if err == nil {
		t.Fatal("expected an error for an unregistered chat")
	}
}

func TestDispatchPersistsNewSessionID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	group := model.RegisteredGroup{ChatID: "chat-1", FolderName: "main"}
	if err := st.UpsertRegisteredGroup(ctx, group); err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	br := &fakeBridge{}
	fr := &fakeRunner{out: model.ContainerOutput{Status: "success", Result: "ok", NewSessionID: "sess-123"}}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return fr, nil })

	outcome, err := d.Dispatch(ctx, "chat-1", "main", true, []model.Message{
		{ID: "m1", ChatID: "chat-1", Body: "hi", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := outcome.Await(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}

	sid, ok, err := st.GetSessionID(ctx, "chat-1")
	if err != nil || !ok || sid != "sess-123" {
		t.Fatalf("expected session id sess-123 to be persisted, got %q ok=%v err=%v", sid, ok, err)
	}
}

func TestDispatchTaskReturnsAgentResult(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	group := model.RegisteredGroup{ChatID: "chat-1", FolderName: "main"}
	if err := st.UpsertRegisteredGroup(ctx, group); err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	br := &fakeBridge{}
	fr := &fakeRunner{out: model.ContainerOutput{Status: "success", Result: "task done"}}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return fr, nil })

	task := model.ScheduledTask{ID: "t1", ChatID: "chat-1", Prompt: "do the thing", ContextMode: model.ContextIsolated}
	result, err := d.DispatchTask(ctx, task)
	if err != nil {
		t.Fatalf("dispatch task: %v", err)
	}
	if result != "task done" {
		t.Errorf("expected task result %q, got %q", "task done", result)
	}
}

func TestDispatchSurfacesAgentErrorAndNotifiesChat(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	group := model.RegisteredGroup{ChatID: "chat-1", FolderName: "main"}
	if err := st.UpsertRegisteredGroup(ctx, group); err != nil {
		t.Fatalf("upsert group: %v", err)
	}

	br := &fakeBridge{}
	fr := &fakeRunner{out: model.ContainerOutput{Status: "error", Error: "boom"}}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return fr, nil })

	outcome, err := d.Dispatch(ctx, "chat-1", "main", true, []model.Message{
		{ID: "m1", ChatID: "chat-1", Body: "hi", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	produced, err := outcome.Await(ctx)
	if err == nil {
		t.Fatal("expected the await to surface the agent error")
	}
	if produced {
		t.Error("expected produced=false on an error outcome")
	}
	if len(br.sent) != 1 {
		t.Fatalf("expected one error notification sent to the chat, got %v", br.sent)
	}
}

func TestHandleTaskRoutesCreateAndDelete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	br := &fakeBridge{}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return nil, nil })

	createPayload := []byte(`{"op":"create","task":{"id":"t1","chat_id":"chat-1","group_folder":"main","prompt":"x","schedule_kind":"once","status":"active"}}`)
	if err := d.HandleTask(ctx, "main", createPayload); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, found, err := st.GetScheduledTask(ctx, "t1"); err != nil || !found {
		t.Fatalf("expected task t1 to be created, found=%v err=%v", found, err)
	}

	deletePayload := []byte(`{"op":"delete","id":"t1"}`)
	if err := d.HandleTask(ctx, "main", deletePayload); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := st.GetScheduledTask(ctx, "t1"); found {
		t.Fatal("expected task t1 to be deleted")
	}
}

func TestScheduleRetryBacksOffThenDropsAfterMaxRetries(t *testing.T) {
	st := testStore(t)
	br := &fakeBridge{}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return nil, nil })

	for i := 1; i <= maxRetries; i++ {
		d.scheduleRetry("chat-1", "main", true, nil, true)
		d.retryMu.Lock()
		count := d.retryCounts["chat-1"]
		d.retryMu.Unlock()
		if count != i {
			t.Fatalf("after %d failures expected retry count %d, got %d", i, i, count)
		}
	}

	// One more failure past maxRetries drops the counter instead of
	// incrementing past it.
	d.scheduleRetry("chat-1", "main", true, nil, true)
	d.retryMu.Lock()
	_, stillTracked := d.retryCounts["chat-1"]
	d.retryMu.Unlock()
	if stillTracked {
		t.Fatal("expected retry count to be dropped once max retries is exceeded")
	}
}

func TestScheduleRetryResetsOnSuccess(t *testing.T) {
	st := testStore(t)
	br := &fakeBridge{}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return nil, nil })

	d.scheduleRetry("chat-1", "main", true, nil, true)
	d.scheduleRetry("chat-1", "main", true, nil, false)

	d.retryMu.Lock()
	_, tracked := d.retryCounts["chat-1"]
	d.retryMu.Unlock()
	if tracked {
		t.Fatal("expected a successful run to clear the retry count")
	}
}

func TestHandleTaskRejectsUnknownOp(t *testing.T) {
	st := testStore(t)
	br := &fakeBridge{}
	d := newTestDispatcher(t, st, br, func(model.RegisteredGroup, bool) (runner.Runner, error) { return nil, nil })

	if err := d.HandleTask(context.Background(), "main", []byte(`{"op":"bogus"}`)); err == nil {
		t.Fatal("expected an error for an unknown task op")
	}
}

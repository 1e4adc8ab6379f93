package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conduit/internal/model"
)

func skipIfNoDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CONDUIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDUIT_TEST_POSTGRES_DSN not set, skipping integration test")
	}
	return dsn
}

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := skipIfNoDSN(t)
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestIntegration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	t.Run("RegisteredGroupRoundtrip", func(t *testing.T) {
		g := model.RegisteredGroup{
			ChatID: "chat-pg-1", DisplayName: "Team", FolderName: "team",
			Trigger: "!bot", RequiresTrigger: true, Runtime: "subprocess", Model: "sonnet",
		}
		if err := s.UpsertRegisteredGroup(ctx, g); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, found, err := s.GetRegisteredGroup(ctx, "chat-pg-1")
		if err != nil || !found {
			t.Fatalf("get: found=%v err=%v", found, err)
		}
		if got.ChatID != g.ChatID || got.DisplayName != g.DisplayName || got.FolderName != g.FolderName ||
			got.Trigger != g.Trigger || got.RequiresTrigger != g.RequiresTrigger ||
			got.Runtime != g.Runtime || got.Model != g.Model {
			t.Errorf("roundtrip mismatch: got %+v, want %+v", got, g)
		}
	})

	t.Run("MessagesSinceOrdersByTimestamp", func(t *testing.T) {
		for i, m := range []model.Message{
			{ID: "m1", ChatID: "chat-pg-2", Body: "first", Timestamp: 10},
			{ID: "m2", ChatID: "chat-pg-2", Body: "second", Timestamp: 20},
		} {
			if err := s.AppendMessage(ctx, m); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		msgs, err := s.MessagesSince(ctx, "chat-pg-2", 0, 10)
		if err != nil {
			t.Fatalf("messages since: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Body != "first" || msgs[1].Body != "second" {
			t.Fatalf("unexpected order: %+v", msgs)
		}
	})

	t.Run("SessionIDRoundtrip", func(t *testing.T) {
		if err := s.SetSessionID(ctx, "chat-pg-3", "sess-abc"); err != nil {
			t.Fatalf("set: %v", err)
		}
		id, ok, err := s.GetSessionID(ctx, "chat-pg-3")
		if err != nil || !ok || id != "sess-abc" {
			t.Fatalf("get: id=%q ok=%v err=%v", id, ok, err)
		}
		if err := s.ClearSessionID(ctx, "chat-pg-3"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if _, ok, _ := s.GetSessionID(ctx, "chat-pg-3"); ok {
			t.Fatal("expected session to be cleared")
		}
	})

	t.Run("ScheduledTaskLifecycle", func(t *testing.T) {
		task := model.ScheduledTask{
			ID: "task-pg-1", GroupFolder: "team", ChatID: "chat-pg-1", Prompt: "daily digest",
			ScheduleKind: model.ScheduleCron, ScheduleValue: "0 9 * * *", ContextMode: model.ContextIsolated,
			Status: model.TaskActive, CreatedAt: 1000,
		}
		if err := s.CreateScheduledTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.SetScheduledTaskStatus(ctx, task.ID, model.TaskPaused); err != nil {
			t.Fatalf("pause: %v", err)
		}
		got, found, err := s.GetScheduledTask(ctx, task.ID)
		if err != nil || !found || got.Status != model.TaskPaused {
			t.Fatalf("expected paused task, got %+v found=%v err=%v", got, found, err)
		}
		if err := s.DeleteScheduledTask(ctx, task.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, found, _ := s.GetScheduledTask(ctx, task.ID); found {
			t.Fatal("expected task to be deleted")
		}
	})
}

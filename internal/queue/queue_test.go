package queue

import (
	"context"
	"testing"
	"time"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	q := New(context.Background(), 4)
	h := q.Submit("job-1", "chat-1", 0, work(Result{Output: "ok"}, nil, 0))

	result, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Output != "ok" {
		t.Errorf("Output = %q, want ok", result.Output)
	}
}

func TestSameChatSerializes(t *testing.T) {
	q := New(context.Background(), 4)

	var order []int
	done := make(chan struct{}, 2)
	slow := func(n int, d time.Duration) Work {
		return func(ctx context.Context) (Result, error) {
			time.Sleep(d)
			order = append(order, n)
			done <- struct{}{}
			return Result{}, nil
		}
	}

	h1 := q.Submit("job-1", "chat-1", 0, slow(1, 30*time.Millisecond))
	h2 := q.Submit("job-2", "chat-1", 0, slow(2, 0))

	<-done
	<-done
	h1.Await(context.Background())
	h2.Await(context.Background())

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected job-1 then job-2 for the same chat, got %v", order)
	}
}

func TestDifferentChatsRunConcurrently(t *testing.T) {
	q := New(context.Background(), 4)

	start := time.Now()
	h1 := q.Submit("job-1", "chat-1", 0, work(Result{}, nil, 40*time.Millisecond))
	h2 := q.Submit("job-2", "chat-2", 0, work(Result{}, nil, 40*time.Millisecond))

	h1.Await(context.Background())
	h2.Await(context.Background())
	elapsed := time.Since(start)

	if elapsed > 70*time.Millisecond {
		t.Errorf("expected concurrent chats to overlap, took %s", elapsed)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	q := New(context.Background(), 1)

	h1 := q.Submit("job-1", "chat-1", 0, work(Result{}, nil, 30*time.Millisecond))
	h2 := q.Submit("job-2", "chat-2", 0, work(Result{}, nil, 0))

	time.Sleep(5 * time.Millisecond)
	if h2.State() == StateRunning || h2.State() == StateCompleted {
		t.Error("second chat's job should not start while the cap is saturated")
	}

	h1.Await(context.Background())
	h2.Await(context.Background())
	if h2.State() != StateCompleted {
		t.Errorf("expected job-2 to eventually complete, got %v", h2.State())
	}
}

func TestBusyJobIsNotPreempted(t *testing.T) {
	q := New(context.Background(), 4)

	yielded := make(chan struct{})
	busy := func(ctx context.Context) (Result, error) {
		select {
		case <-Preempted(ctx):
			close(yielded)
			return Result{}, context.Canceled
		case <-time.After(80 * time.Millisecond):
			return Result{Output: "ran to completion"}, nil
		}
	}

	h1 := q.Submit("job-busy", "chat-1", 0, busy)
	time.Sleep(10 * time.Millisecond)
	q.Submit("job-high", "chat-1", 10, work(Result{Output: "high"}, nil, 0))

	select {
	case <-yielded:
		t.Fatal("a job that never called NotifyIdle must not be preempted")
	case <-time.After(150 * time.Millisecond):
	}

	result, err := h1.Await(context.Background())
	if err != nil || result.Output != "ran to completion" {
		t.Fatalf("expected job-busy to finish normally, got result=%+v err=%v", result, err)
	}
}

func TestIdleWaitingJobIsPreemptedByHigherPriority(t *testing.T) {
	q := New(context.Background(), 4)

	yielded := make(chan struct{})
	idleThenWait := func(ctx context.Context) (Result, error) {
		NotifyIdle(ctx)
		select {
		case <-Preempted(ctx):
			close(yielded)
			return Result{}, context.Canceled
		case <-time.After(time.Second):
			return Result{Output: "never preempted"}, nil
		}
	}

	h1 := q.Submit("job-idle", "chat-1", 0, idleThenWait)
	time.Sleep(10 * time.Millisecond)
	q.Submit("job-high", "chat-1", 10, work(Result{Output: "high"}, nil, 0))

	select {
	case <-yielded:
	case <-time.After(time.Second):
		t.Fatal("expected the idle-waiting job to observe preemption once a higher-priority submission arrived")
	}
	h1.Await(context.Background())
}

func TestNotifyIdleClosesPreemptForAlreadyPendingHigherPriority(t *testing.T) {
	q := New(context.Background(), 4)

	yielded := make(chan struct{})
	idleThenWait := func(ctx context.Context) (Result, error) {
		time.Sleep(10 * time.Millisecond) // let job-high enqueue first
		NotifyIdle(ctx)
		select {
		case <-Preempted(ctx):
			close(yielded)
			return Result{}, context.Canceled
		case <-time.After(time.Second):
			return Result{Output: "never preempted"}, nil
		}
	}

	h1 := q.Submit("job-idle", "chat-1", 0, idleThenWait)
	q.Submit("job-high", "chat-1", 10, work(Result{Output: "high"}, nil, 0))

	select {
	case <-yielded:
	case <-time.After(time.Second):
		t.Fatal("expected NotifyIdle to close preempt immediately given an already-pending higher-priority submission")
	}
	h1.Await(context.Background())
}

func TestOnChatIdleCallback(t *testing.T) {
	q := New(context.Background(), 4)

	idleCh := make(chan string, 1)
	q.OnChatIdle(func(chatID string) { idleCh <- chatID })

	h := q.Submit("job-1", "chat-1", 0, work(Result{}, nil, 0))
	h.Await(context.Background())

	select {
	case chatID := <-idleCh:
		if chatID != "chat-1" {
			t.Errorf("expected chat-1, got %s", chatID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnChatIdle to fire after the backlog drained")
	}
}

package queue

import (
	"container/heap"
	"context"
	"sync"
)

// preemptKey is the context key under which a job's preemption signal is
// stashed. Work functions may read it via Preempted(ctx) to wind down
// gracefully when a higher-priority submission for the same chat arrives,
// distinct from ctx.Done() which remains the hard stop for cancellation
// and timeout.
type preemptKey struct{}

// Preempted returns a channel that is closed when the queue wants this
// job to yield the chat to a higher-priority submission. A nil channel
// (never closed) is returned if ctx carries no preemption signal.
func Preempted(ctx context.Context) <-chan struct{} {
	if ch, ok := ctx.Value(preemptKey{}).(chan struct{}); ok {
		return ch
	}
	return nil
}

// idleKey is the context key under which a job's idle-notification
// callback is stashed.
type idleKey struct{}

// NotifyIdle tells the queue that the active job for this chat has
// produced its output and is now only waiting on more input. Preemption
// of a running job is gated on this call: a higher-priority submission
// arriving (or already pending) never interrupts a job mid-run, only one
// that has already announced it is idle-waiting. Calling NotifyIdle on a
// ctx with no installed callback is a no-op.
func NotifyIdle(ctx context.Context) {
	if fn, ok := ctx.Value(idleKey{}).(func()); ok {
		fn()
	}
}

// submission is one pending unit of work waiting for its chat to free up.
type submission struct {
	priority int
	seq      int64 // FIFO tiebreak within equal priority
	work     Work
	opts     []RunOption
	handle   *Handle
}

// chatState is the serialization unit: at most one active job per chat,
// plus a priority-ordered backlog of pending submissions.
type chatState struct {
	active  *Handle
	preempt chan struct{} // closed to signal the active job to yield
	idle    bool          // active job has called NotifyIdle and not yet finished
	pending submissionHeap
}

// Queue is the group queue: per-chat serialization, a global concurrency
// cap, and priority-ordered dispatch within each chat's backlog.
type Queue struct {
	baseCtx context.Context
	mu      sync.Mutex
	chats   map[string]*chatState
	sem     chan struct{} // global concurrency cap
	seq     int64
	onIdle  func(chatID string) // optional callback installed at startup
}

// New creates a Queue that runs at most maxConcurrent jobs at once across
// all chats combined. Every job's context is a child of baseCtx, so
// cancelling baseCtx (daemon shutdown) cancels every running job.
func New(baseCtx context.Context, maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		baseCtx: baseCtx,
		chats:   make(map[string]*chatState),
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// OnChatIdle installs a callback invoked (from an internal goroutine,
// never under the queue's lock) whenever a chat's backlog drains and no
// job is active for it. This is the one "up" pointer a caller wires in
// after construction, avoiding a direct bidirectional reference between
// the queue and its owner.
func (q *Queue) OnChatIdle(fn func(chatID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onIdle = fn
}

// Submit enqueues work for chatID at the given priority (higher runs
// first) and returns a Handle immediately, whether or not the job has
// started yet — the caller tracks it the same way either way via State()
// and Await(). If a lower-priority job is already active for the chat and
// has announced it is idle-waiting (see NotifyIdle), its preemption
// channel is closed so it can yield cooperatively; a job that is still
// actively working is never force-cancelled or interrupted by Submit.
func (q *Queue) Submit(id, chatID string, priority int, work Work, opts ...RunOption) *Handle {
	h := newHandle(id, chatID, priority)

	q.mu.Lock()
	cs, ok := q.chats[chatID]
	if !ok {
		cs = &chatState{}
		q.chats[chatID] = cs
	}
	q.seq++
	sub := &submission{priority: priority, seq: q.seq, work: work, opts: opts, handle: h}
	heap.Push(&cs.pending, sub)

	if cs.active != nil && cs.preempt != nil && cs.idle && priority > cs.active.Priority() {
		// A strictly higher-priority submission arrived while the active
		// job is idle-waiting (it already called NotifyIdle): ask it to
		// yield. A job that is still actively working is never
		// interrupted just because something higher-priority showed up;
		// it is only asked to yield once it has announced it has nothing
		// left to do but wait. It remains the job's own work function's
		// responsibility to observe Preempted and return promptly; the
		// queue does not cancel it directly.
		select {
		case <-cs.preempt:
			// already closed
		default:
			close(cs.preempt)
		}
	}
	q.mu.Unlock()

	q.pump(chatID)
	return h
}

// pump tries to start the next pending submission for chatID, subject to
// the global concurrency semaphore and one-active-job-per-chat.
func (q *Queue) pump(chatID string) {
	q.mu.Lock()
	cs := q.chats[chatID]
	if cs == nil || cs.active != nil || len(cs.pending) == 0 {
		q.mu.Unlock()
		return
	}
	select {
	case q.sem <- struct{}{}:
	default:
		q.mu.Unlock()
		return
	}

	sub := heap.Pop(&cs.pending).(*submission)
	preempt := make(chan struct{})
	cs.preempt = preempt
	cs.idle = false
	h := sub.handle
	cs.active = h
	q.mu.Unlock()

	notifyIdle := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		cur := q.chats[chatID]
		if cur == nil || cur.active != h {
			// A stale callback from a job instance that has already
			// finished and been superseded; nothing to do.
			return
		}
		cur.idle = true
		if len(cur.pending) > 0 && cur.pending[0].priority > h.Priority() {
			select {
			case <-cur.preempt:
			default:
				close(cur.preempt)
			}
		}
	}

	runCtx := context.WithValue(q.baseCtx, preemptKey{}, preempt)
	runCtx = context.WithValue(runCtx, idleKey{}, notifyIdle)
	h.start(runCtx, sub.work, sub.opts...)

	go func() {
		<-h.Done()
		<-q.sem // release global slot
		q.mu.Lock()
		cs := q.chats[chatID]
		cs.active = nil
		cs.preempt = nil
		more := len(cs.pending) > 0
		onIdle := q.onIdle
		q.mu.Unlock()

		if more {
			q.pump(chatID)
		} else if onIdle != nil {
			onIdle(chatID)
		}
		// A global slot just freed: some other chat's backlog may have
		// been waiting on it, not just this one's.
		q.pumpAllPending()
	}()
}

// pumpAllPending retries every chat that currently has a non-empty
// backlog and no active job, so a freed global concurrency slot is not
// left idle just because it happened to free up on a different chat.
func (q *Queue) pumpAllPending() {
	q.mu.Lock()
	waiting := make([]string, 0, len(q.chats))
	for chatID, cs := range q.chats {
		if cs.active == nil && len(cs.pending) > 0 {
			waiting = append(waiting, chatID)
		}
	}
	q.mu.Unlock()

	for _, chatID := range waiting {
		q.pump(chatID)
	}
}

// ActiveCount reports how many chats currently have a running job.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, cs := range q.chats {
		if cs.active != nil {
			n++
		}
	}
	return n
}

// IsActive reports whether chatID currently has a running job.
func (q *Queue) IsActive(chatID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cs := q.chats[chatID]
	return cs != nil && cs.active != nil
}

// PendingCount reports the backlog size for chatID.
func (q *Queue) PendingCount(chatID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cs := q.chats[chatID]
	if cs == nil {
		return 0
	}
	return len(cs.pending)
}

// submissionHeap orders pending submissions by priority (descending),
// then by arrival order (ascending) within equal priority.
type submissionHeap []*submission

func (h submissionHeap) Len() int { return len(h) }
func (h submissionHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h submissionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *submissionHeap) Push(x any)   { *h = append(*h, x.(*submission)) }
func (h *submissionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

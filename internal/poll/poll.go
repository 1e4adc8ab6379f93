// Package poll implements the dual-cursor message poll loop: it watches
// the storage adapter for unseen inbound messages, decides which
// registered chats should be handed to the group queue, and keeps the
// global and per-chat cursors correct across restarts and dispatch
// failures.
package poll

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/store"
)

// backlogLimit bounds how many rows a single cursor query returns. SQLite
// treats "LIMIT 0" as "return nothing", so callers that want "as many as
// exist" must pass an explicit large cap rather than 0.
const backlogLimit = 10000

// DispatchOutcome reports how Dispatcher handled one chat's backlog.
type DispatchOutcome struct {
	// Delivered is true when the backlog was dropped as a followup to an
	// already-running agent for this chat (no new job started).
	Delivered bool
	// Await, set only when Delivered is false, resolves once the newly
	// enqueued job finishes. producedOutput distinguishes "agent ran and
	// said nothing before failing" (cursor rolls back) from "agent
	// produced at least one frame before failing" (cursor stays put,
	// partial delivery beats duplicated output).
	Await func(ctx context.Context) (producedOutput bool, err error)
}

// Dispatcher is the poll loop's one collaborator: given a chat's backlog,
// either nudge a running agent or hand the chat to the group queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, chatID, groupFolder string, isMain bool, msgs []model.Message) (DispatchOutcome, error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger installs a structured logger. Defaults to a no-op discard
// logger if never set.
func WithLogger(l *slog.Logger) Option {
	return func(p *Loop) { p.log = l }
}

// Loop is the dual-cursor message poll loop.
type Loop struct {
	store         store.Store
	dispatcher    Dispatcher
	assistantName string
	mainFolder    string
	interval      time.Duration
	log           *slog.Logger

	triggerMu    sync.Mutex
	triggerCache map[string]*regexp.Regexp
}

// New creates a Loop. assistantName and mainFolder come from the daemon
// config; interval is the poll tick period. Each registered group may
// additionally carry its own custom trigger string (model.RegisteredGroup.
// Trigger), matched alongside "@AssistantName".
func New(st store.Store, dispatcher Dispatcher, assistantName, mainFolder string, interval time.Duration, opts ...Option) (*Loop, error) {
	p := &Loop{
		store: st, dispatcher: dispatcher,
		assistantName: assistantName, mainFolder: mainFolder,
		interval: interval, log: slog.New(discardHandler{}),
		triggerCache: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := triggerRegex(p.assistantName, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// triggerFor returns (compiling and caching on first use) the trigger
// regex for a group's custom trigger string.
func (p *Loop) triggerFor(customTrigger string) (*regexp.Regexp, error) {
	p.triggerMu.Lock()
	defer p.triggerMu.Unlock()
	if re, ok := p.triggerCache[customTrigger]; ok {
		return re, nil
	}
	re, err := triggerRegex(p.assistantName, customTrigger)
	if err != nil {
		return nil, err
	}
	p.triggerCache[customTrigger] = re
	return re, nil
}

// Run performs the crash-recovery sweep once, then polls every interval
// until ctx is cancelled.
func (p *Loop) Run(ctx context.Context) {
	p.log.Info("poll loop started", "interval", p.interval)
	p.recoverCrashed(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poll loop stopped")
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Error("poll tick failed", "error", err)
			}
		}
	}
}

// recoverCrashed closes the window where last_seen_timestamp was
// persisted but a chat's agent cursor was not: for every registered chat,
// re-evaluate its backlog since last_dispatched_timestamp as if it had
// just arrived.
func (p *Loop) recoverCrashed(ctx context.Context) {
	groups, err := p.store.ListRegisteredGroups(ctx)
	if err != nil {
		p.log.Error("crash recovery: list registered groups failed", "error", err)
		return
	}
	for _, g := range groups {
		backlog, err := p.backlogFor(ctx, g)
		if err != nil {
			p.log.Error("crash recovery: backlog read failed", "chat_id", g.ChatID, "error", err)
			continue
		}
		if len(backlog) == 0 || !p.shouldDispatch(g, backlog) {
			continue
		}
		p.log.Info("crash recovery: re-dispatching chat", "chat_id", g.ChatID, "messages", len(backlog))
		p.dispatchChat(ctx, g, backlog)
	}
}

// tick runs one poll cycle: steps 1-5 of the dual-cursor algorithm.
func (p *Loop) tick(ctx context.Context) error {
	seen, err := p.store.GetGlobalCursor(ctx)
	if err != nil {
		return err
	}

	msgs, err := p.store.MessagesAcrossChatsSince(ctx, seen, backlogLimit)
	if err != nil {
		return err
	}

	groups, err := p.store.ListRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	registered := make(map[string]model.RegisteredGroup, len(groups))
	for _, g := range groups {
		registered[g.ChatID] = g
	}

	byChat := make(map[string][]model.Message)
	var maxTS int64
	for _, m := range msgs {
		if _, ok := registered[m.ChatID]; !ok {
			continue
		}
		if isBotOriginated(m, p.assistantName) || m.Body == "" {
			continue
		}
		byChat[m.ChatID] = append(byChat[m.ChatID], m)
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
	}
	if len(byChat) == 0 {
		return nil
	}

	// Persist the seen cursor before attempting any per-chat dispatch, so
	// a crash mid-dispatch cannot cause this batch to be re-fetched.
	if err := p.store.SetGlobalCursor(ctx, maxTS); err != nil {
		return err
	}

	for chatID, recent := range byChat {
		g := registered[chatID]
		if !p.shouldDispatch(g, recent) {
			continue
		}
		// Read the full backlog since this chat's own cursor: prior
		// silent (non-triggering) polls may have accumulated context
		// beyond this tick's window.
		backlog, err := p.backlogFor(ctx, g)
		if err != nil {
			p.log.Error("backlog read failed", "chat_id", chatID, "error", err)
			continue
		}
		if len(backlog) == 0 {
			continue
		}
		p.dispatchChat(ctx, g, backlog)
	}
	return nil
}

func (p *Loop) backlogFor(ctx context.Context, g model.RegisteredGroup) ([]model.Message, error) {
	cursor, err := p.store.GetChatCursor(ctx, g.ChatID)
	if err != nil {
		return nil, err
	}
	return p.store.MessagesSince(ctx, g.ChatID, cursor, backlogLimit)
}

// shouldDispatch applies the main-folder / trigger-required gate.
func (p *Loop) shouldDispatch(g model.RegisteredGroup, recent []model.Message) bool {
	if g.FolderName == p.mainFolder || !g.RequiresTrigger {
		return true
	}
	re, err := p.triggerFor(g.Trigger)
	if err != nil {
		p.log.Error("invalid trigger for group, withholding dispatch", "chat_id", g.ChatID, "trigger", g.Trigger, "error", err)
		return false
	}
	return anyTriggered(re, recent)
}

// dispatchChat hands backlog to the Dispatcher and keeps the chat's cursor
// consistent with the outcome.
func (p *Loop) dispatchChat(ctx context.Context, g model.RegisteredGroup, backlog []model.Message) {
	prevCursor, err := p.store.GetChatCursor(ctx, g.ChatID)
	if err != nil {
		p.log.Error("read chat cursor failed", "chat_id", g.ChatID, "error", err)
		return
	}
	lastTS := backlog[len(backlog)-1].Timestamp
	isMain := g.FolderName == p.mainFolder

	outcome, err := p.dispatcher.Dispatch(ctx, g.ChatID, g.FolderName, isMain, backlog)
	if err != nil {
		// Transient: no cursor mutation, retried next cycle.
		p.log.Error("dispatch failed", "chat_id", g.ChatID, "error", err)
		return
	}

	if err := p.store.SetChatCursor(ctx, g.ChatID, lastTS); err != nil {
		p.log.Error("advance chat cursor failed", "chat_id", g.ChatID, "error", err)
		return
	}
	if outcome.Delivered || outcome.Await == nil {
		return
	}

	go func() {
		produced, err := outcome.Await(context.Background())
		if produced {
			return
		}
		if rollbackErr := p.store.SetChatCursor(context.Background(), g.ChatID, prevCursor); rollbackErr != nil {
			p.log.Error("cursor rollback failed", "chat_id", g.ChatID, "error", rollbackErr)
		}
	}()
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler  { return discardHandler{} }
func (discardHandler) WithGroup(name string) slog.Handler        { return discardHandler{} }

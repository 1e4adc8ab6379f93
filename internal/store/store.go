// Package store defines the storage adapter the rest of the daemon talks
// to: messages, cursors, registered groups, sessions, and scheduled tasks.
// Concrete backends live in store/sqlite and store/postgres.
package store

import (
	"context"

	"github.com/nevindra/conduit/internal/model"
)

// Store is the storage adapter every component depends on. Implementations
// must serialize their own writes (sqlite: single connection; postgres:
// each call is a single statement) — callers make no assumption beyond
// "each call is atomic".
type Store interface {
	// Groups
	GetRegisteredGroup(ctx context.Context, chatID string) (model.RegisteredGroup, bool, error)
	ListRegisteredGroups(ctx context.Context) ([]model.RegisteredGroup, error)
	UpsertRegisteredGroup(ctx context.Context, g model.RegisteredGroup) error

	// Messages
	AppendMessage(ctx context.Context, m model.Message) error
	MessagesSince(ctx context.Context, chatID string, afterTimestamp int64, limit int) ([]model.Message, error)
	MessagesAcrossChatsSince(ctx context.Context, afterTimestamp int64, limit int) ([]model.Message, error)

	// Cursors
	GetGlobalCursor(ctx context.Context) (int64, error)
	SetGlobalCursor(ctx context.Context, ts int64) error
	GetChatCursor(ctx context.Context, chatID string) (int64, error)
	SetChatCursor(ctx context.Context, chatID string, ts int64) error

	// Sessions
	GetSessionID(ctx context.Context, chatID string) (string, bool, error)
	SetSessionID(ctx context.Context, chatID, sessionID string) error
	ClearSessionID(ctx context.Context, chatID string) error

	// Scheduled tasks
	CreateScheduledTask(ctx context.Context, t model.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (model.ScheduledTask, bool, error)
	ListScheduledTasks(ctx context.Context, groupFolder string) ([]model.ScheduledTask, error)
	DueScheduledTasks(ctx context.Context, now int64) ([]model.ScheduledTask, error)
	UpdateScheduledTaskRun(ctx context.Context, id string, nextRun *int64, lastRun int64, lastResult string, status model.TaskStatus) error
	SetScheduledTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	DeleteScheduledTask(ctx context.Context, id string) error

	// Task run log
	AppendTaskRunLog(ctx context.Context, l model.TaskRunLog) error

	Init(ctx context.Context) error
	Close() error
}

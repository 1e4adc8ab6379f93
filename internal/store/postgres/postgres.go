// Package postgres implements store.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool. The pool outlives
// any single Store and may be shared with other consumers (migrations,
// admin tooling).
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conduit/internal/model"
	"github.com/nevindra/conduit/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// logs Init's completion with timing; other operations are not logged.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var nopLogger = slog.New(discardHandler{})

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an already-connected pool. The pool is not
// closed by Close; the caller owns its lifetime.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS registered_groups (
			chat_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			folder_name TEXT NOT NULL,
			trigger TEXT,
			requires_trigger BOOLEAN NOT NULL DEFAULT FALSE,
			runtime TEXT,
			model TEXT,
			container_config TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			sender_id TEXT,
			sender_display TEXT,
			body TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			chat_id TEXT PRIMARY KEY,
			last_dispatched_timestamp BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS router_state (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			chat_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL,
			next_run BIGINT,
			last_run BIGINT,
			last_result TEXT,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_run_logs (
			task_id TEXT NOT NULL,
			run_at BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(next_run)`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs(task_id)`,
	}
	for _, ddl := range indexes {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close is a no-op: the pool is owned by the caller, not this Store.
func (s *Store) Close() error { return nil }

func (s *Store) GetRegisteredGroup(ctx context.Context, chatID string) (model.RegisteredGroup, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT chat_id, display_name, folder_name, trigger, requires_trigger, runtime, model, container_config
		 FROM registered_groups WHERE chat_id = $1`, chatID)

	var g model.RegisteredGroup
	var trig, runtime, mdl, cc *string
	if err := row.Scan(&g.ChatID, &g.DisplayName, &g.FolderName, &trig, &g.RequiresTrigger, &runtime, &mdl, &cc); err != nil {
		if err == pgx.ErrNoRows {
			return model.RegisteredGroup{}, false, nil
		}
		return model.RegisteredGroup{}, false, fmt.Errorf("get registered group: %w", err)
	}
	g.Trigger = deref(trig)
	g.Runtime = deref(runtime)
	g.Model = deref(mdl)
	if cc != nil {
		g.ContainerConfig = []byte(*cc)
	}
	return g, true, nil
}

func (s *Store) ListRegisteredGroups(ctx context.Context) ([]model.RegisteredGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, display_name, folder_name, trigger, requires_trigger, runtime, model, container_config
		 FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("list registered groups: %w", err)
	}
	defer rows.Close()

	var groups []model.RegisteredGroup
	for rows.Next() {
		var g model.RegisteredGroup
		var trig, runtime, mdl, cc *string
		if err := rows.Scan(&g.ChatID, &g.DisplayName, &g.FolderName, &trig, &g.RequiresTrigger, &runtime, &mdl, &cc); err != nil {
			return nil, fmt.Errorf("scan registered group: %w", err)
		}
		g.Trigger = deref(trig)
		g.Runtime = deref(runtime)
		g.Model = deref(mdl)
		if cc != nil {
			g.ContainerConfig = []byte(*cc)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) UpsertRegisteredGroup(ctx context.Context, g model.RegisteredGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registered_groups (chat_id, display_name, folder_name, trigger, requires_trigger, runtime, model, container_config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (chat_id) DO UPDATE SET
			display_name=excluded.display_name, folder_name=excluded.folder_name, trigger=excluded.trigger,
			requires_trigger=excluded.requires_trigger, runtime=excluded.runtime, model=excluded.model,
			container_config=excluded.container_config`,
		g.ChatID, g.DisplayName, g.FolderName, nullIfEmpty(g.Trigger), g.RequiresTrigger, nullIfEmpty(g.Runtime), nullIfEmpty(g.Model), string(g.ContainerConfig),
	)
	if err != nil {
		return fmt.Errorf("upsert registered group: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m model.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_display, body, timestamp, is_bot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id, chat_id) DO UPDATE SET
			sender_id=excluded.sender_id, sender_display=excluded.sender_display,
			body=excluded.body, timestamp=excluded.timestamp, is_bot=excluded.is_bot`,
		m.ID, m.ChatID, nullIfEmpty(m.SenderID), nullIfEmpty(m.SenderDisplay), m.Body, m.Timestamp, m.IsBot,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) MessagesSince(ctx context.Context, chatID string, afterTimestamp int64, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, sender_id, sender_display, body, timestamp, is_bot
		 FROM messages WHERE chat_id = $1 AND timestamp > $2
		 ORDER BY timestamp ASC, id ASC LIMIT $3`,
		chatID, afterTimestamp, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) MessagesAcrossChatsSince(ctx context.Context, afterTimestamp int64, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, sender_id, sender_display, body, timestamp, is_bot
		 FROM messages WHERE timestamp > $1
		 ORDER BY timestamp ASC, id ASC LIMIT $2`,
		afterTimestamp, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages across chats since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var senderID, senderDisplay *string
		if err := rows.Scan(&m.ID, &m.ChatID, &senderID, &senderDisplay, &m.Body, &m.Timestamp, &m.IsBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderID = deref(senderID)
		m.SenderDisplay = deref(senderDisplay)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetGlobalCursor(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM router_state WHERE key = 'global_cursor'`).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get global cursor: %w", err)
	}
	return v, nil
}

func (s *Store) SetGlobalCursor(ctx context.Context, ts int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO router_state (key, value) VALUES ('global_cursor', $1)
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value`, ts)
	if err != nil {
		return fmt.Errorf("set global cursor: %w", err)
	}
	return nil
}

func (s *Store) GetChatCursor(ctx context.Context, chatID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT last_dispatched_timestamp FROM cursors WHERE chat_id = $1`, chatID).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get chat cursor: %w", err)
	}
	return v, nil
}

func (s *Store) SetChatCursor(ctx context.Context, chatID string, ts int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cursors (chat_id, last_dispatched_timestamp) VALUES ($1, $2)
		 ON CONFLICT (chat_id) DO UPDATE SET last_dispatched_timestamp=excluded.last_dispatched_timestamp`,
		chatID, ts)
	if err != nil {
		return fmt.Errorf("set chat cursor: %w", err)
	}
	return nil
}

func (s *Store) GetSessionID(ctx context.Context, chatID string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT session_id FROM sessions WHERE chat_id = $1`, chatID).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session id: %w", err)
	}
	return id, true, nil
}

func (s *Store) SetSessionID(ctx context.Context, chatID, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (chat_id, session_id) VALUES ($1, $2)
		 ON CONFLICT (chat_id) DO UPDATE SET session_id=excluded.session_id`, chatID, sessionID)
	if err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

func (s *Store) ClearSessionID(ctx context.Context, chatID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	return nil
}

func (s *Store) CreateScheduledTask(ctx context.Context, t model.ScheduledTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_tasks (id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.GroupFolder, t.ChatID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
		t.NextRun, t.LastRun, nullIfEmpty(t.LastResult), string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledTask(ctx context.Context, id string) (model.ScheduledTask, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		 FROM scheduled_tasks WHERE id = $1`, id)
	t, err := scanScheduledTask(row)
	if err == pgx.ErrNoRows {
		return model.ScheduledTask{}, false, nil
	}
	if err != nil {
		return model.ScheduledTask{}, false, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, true, nil
}

func (s *Store) ListScheduledTasks(ctx context.Context, groupFolder string) ([]model.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		 FROM scheduled_tasks WHERE group_folder = $1 ORDER BY created_at ASC`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

// DueScheduledTasks returns every active task whose next_run has already
// passed. Callers must re-read a row with GetScheduledTask immediately
// before executing it, to close the race against a concurrent edit.
func (s *Store) DueScheduledTasks(ctx context.Context, now int64) ([]model.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, group_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		 FROM scheduled_tasks WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= $1
		 ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("due scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanScheduledTasks(rows)
}

func (s *Store) UpdateScheduledTaskRun(ctx context.Context, id string, nextRun *int64, lastRun int64, lastResult string, status model.TaskStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_tasks SET next_run = $1, last_run = $2, last_result = $3, status = $4 WHERE id = $5`,
		nextRun, lastRun, nullIfEmpty(lastResult), string(status), id)
	if err != nil {
		return fmt.Errorf("update scheduled task run: %w", err)
	}
	return nil
}

func (s *Store) SetScheduledTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_tasks SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set scheduled task status: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

func (s *Store) AppendTaskRunLog(ctx context.Context, l model.TaskRunLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		l.TaskID, l.RunAt, l.DurationMs, l.Status, nullIfEmpty(l.Result), nullIfEmpty(l.Error),
	)
	if err != nil {
		return fmt.Errorf("append task run log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledTask(row rowScanner) (model.ScheduledTask, error) {
	var t model.ScheduledTask
	var lastResult *string
	var kind, mode, status string
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatID, &t.Prompt, &kind, &t.ScheduleValue, &mode,
		&t.NextRun, &t.LastRun, &lastResult, &status, &t.CreatedAt); err != nil {
		return model.ScheduledTask{}, err
	}
	t.ScheduleKind = model.ScheduleKind(kind)
	t.ContextMode = model.ContextMode(mode)
	t.Status = model.TaskStatus(status)
	t.LastResult = deref(lastResult)
	return t, nil
}

func scanScheduledTasks(rows pgx.Rows) ([]model.ScheduledTask, error) {
	var out []model.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package model holds the domain types shared by every component of the
// conductor: registered groups, messages, scheduled tasks and their run
// log, and the agent's stdin/stdout frame types. Types are flat structs with JSON tags,
// matching the shape of the teacher's own domain records.
package model

import "encoding/json"

// RegisteredGroup is a chat that may run agents.
type RegisteredGroup struct {
	ChatID          string          `json:"chat_id"`
	DisplayName     string          `json:"display_name"`
	FolderName      string          `json:"folder_name"`
	Trigger         string          `json:"trigger"`
	RequiresTrigger bool            `json:"requires_trigger"`
	Runtime         string          `json:"runtime,omitempty"`
	Model           string          `json:"model,omitempty"`
	ContainerConfig json.RawMessage `json:"container_config,omitempty"`
}

// Message is an inbound or bot-generated chat event. Keyed by (ID, ChatID).
type Message struct {
	ID              string `json:"id"`
	ChatID          string `json:"chat_id"`
	SenderID        string `json:"sender_id"`
	SenderDisplay   string `json:"sender_display"`
	Body            string `json:"body"`
	Timestamp       int64  `json:"timestamp"`
	IsBot           bool   `json:"is_bot"`
}

// ScheduleKind enumerates how a ScheduledTask computes its next run.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ContextMode controls whether a scheduled task resumes the group's session.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a recurring or one-shot prompt bound to a group/chat.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatID        string       `json:"chat_id"`
	Prompt        string       `json:"prompt"`
	ScheduleKind  ScheduleKind `json:"schedule_kind"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *int64       `json:"next_run,omitempty"`
	LastRun       *int64       `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     int64        `json:"created_at"`
}

// Due reports whether the task should fire: active and its next run has
// already passed (or is exactly now).
func (t ScheduledTask) Due(now int64) bool {
	return t.Status == TaskActive && t.NextRun != nil && *t.NextRun <= now
}

// TaskRunLog is one append-only row recording a single task execution.
type TaskRunLog struct {
	TaskID     string `json:"task_id"`
	RunAt      int64  `json:"run_at"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"` // "success" | "error"
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ContainerInput is the single JSON frame written to an agent's stdin.
type ContainerInput struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"session_id,omitempty"`
	GroupFolder     string            `json:"group_folder"`
	ChatID          string            `json:"chat_id"`
	IsMain          bool              `json:"is_main"`
	IsScheduledTask bool              `json:"is_scheduled_task,omitempty"`
	AssistantName   string            `json:"assistant_name,omitempty"`
	Model           string            `json:"model,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// ZeroSecrets overwrites every secret value before the struct is discarded, so
// plaintext credentials do not linger in memory longer than necessary.
func (in *ContainerInput) ZeroSecrets() {
	for k := range in.Secrets {
		in.Secrets[k] = ""
	}
}

// StreamEvent is an incremental event ("tool-start", "text-delta", ...)
// carried inside an output frame while an agent is still running.
type StreamEvent struct {
	Kind    string          `json:"kind"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ContainerOutput is one parsed frame from an agent's stdout stream.
type ContainerOutput struct {
	Status       string       `json:"status"` // "success" | "error"
	Result       string       `json:"result,omitempty"`
	NewSessionID string       `json:"new_session_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	Event        *StreamEvent `json:"event,omitempty"`
}

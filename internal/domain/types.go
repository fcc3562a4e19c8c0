package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskActive   TaskStatus = "active"
	TaskInactive TaskStatus = "inactive"
	TaskDeleted  TaskStatus = "deleted"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskActive, TaskInactive, TaskDeleted:
		return true
	}
	return false
}

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

func (s LogStatus) Valid() bool { return s == LogSuccess || s == LogFailed }

// DefaultMaxRetry is the attempt budget applied when a task is created without one.
const DefaultMaxRetry = 3

type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"` // five-field cron expression
	WebhookURL string          `json:"webhook_url"`
	Payload    json.RawMessage `json:"payload"` // nil when the task has no payload
	MaxRetry   int             `json:"max_retry"`
	Status     TaskStatus      `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (t Task) Active() bool { return t.Status == TaskActive }

// TaskLog records one delivery attempt. RetryCount is the attempt ordinal
// within a firing, starting at 1.
type TaskLog struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	ExecutionTime time.Time `json:"execution_time"`
	Status        LogStatus `json:"status"`
	RetryCount    int       `json:"retry_count"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

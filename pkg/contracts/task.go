package contracts

import (
	"encoding/json"
	"time"
)

// TaskStatus is one state of the A2A task machine. Legal transitions form a
// prefix of accepted → running → (succeeded | failed).
type TaskStatus string

const (
	TaskAccepted  TaskStatus = "accepted"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool { return s == TaskSucceeded || s == TaskFailed }

// TaskError describes why a task failed.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task is one accepted peer-agent task.
type Task struct {
	TaskID    string          `json:"taskId"`
	AgentID   string          `json:"agentId"`
	TaskType  string          `json:"taskType"`
	Status    TaskStatus      `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IdempotencyRecord pins an (agentId, key) pair to the first request body it
// was seen with and, once the task terminates, the terminal response that
// every matching replay receives.
type IdempotencyRecord struct {
	AgentID     string          `json:"agentId"`
	TenantID    string          `json:"tenantId,omitempty"`
	Key         string          `json:"key"`
	BodyHash    string          `json:"bodyHash"`
	TaskID      string          `json:"taskId"`
	Terminal    json.RawMessage `json:"terminal,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastTouched time.Time       `json:"lastTouched"`
}

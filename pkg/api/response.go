package api

import (
	"encoding/json"
	"net/http"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

// Response is the uniform pipeline envelope. Every decision-bearing endpoint
// returns one; action-specific payload fields are set only on success.
type Response struct {
	RequestID string                 `json:"requestId,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Decision  contracts.Decision     `json:"decision"`
	Receipt   *contracts.Receipt     `json:"receipt,omitempty"`
	Audit     *contracts.AuditStatus `json:"audit,omitempty"`

	Result   *database.Result      `json:"result,omitempty"`
	Grant    *contracts.Grant      `json:"grant,omitempty"`
	Grants   []contracts.Grant     `json:"grants,omitempty"`
	Draft    *contracts.Draft      `json:"draft,omitempty"`
	Approval *contracts.Approval   `json:"approval,omitempty"`
	Tables   []string              `json:"tables,omitempty"`
	Task     *TaskView             `json:"task,omitempty"`
	Tasks    []TaskView            `json:"tasks,omitempty"`
}

// TaskView is the externally visible task shape.
type TaskView struct {
	TaskID    string               `json:"taskId"`
	AgentID   string               `json:"agentId,omitempty"`
	TaskType  string               `json:"taskType,omitempty"`
	Status    contracts.TaskStatus `json:"status"`
	Result    json.RawMessage      `json:"result,omitempty"`
	Error     *contracts.TaskError `json:"error,omitempty"`
	CreatedAt string               `json:"createdAt,omitempty"`
	UpdatedAt string               `json:"updatedAt,omitempty"`
}

func taskView(t contracts.Task) TaskView {
	view := TaskView{
		TaskID:   t.TaskID,
		AgentID:  t.AgentID,
		TaskType: t.TaskType,
		Status:   t.Status,
		Result:   t.Result,
		Error:    t.Error,
	}
	if !t.CreatedAt.IsZero() {
		view.CreatedAt = t.CreatedAt.Format(timeLayout)
	}
	if !t.UpdatedAt.IsZero() {
		view.UpdatedAt = t.UpdatedAt.Format(timeLayout)
	}
	return view
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

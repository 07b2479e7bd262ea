package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/privatedb/agent/pkg/auth"
	"github.com/privatedb/agent/pkg/canonicalize"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/tasks"
)

// TaskTypeQueryExecute is the one task type the agent executes itself. The
// peer supplies a query envelope as task input; the pipeline runs it with the
// wallet-auth stage replaced by the already-verified peer identity.
const TaskTypeQueryExecute = "query.execute"

const (
	headerAgentID        = "X-Agent-Id"
	headerAgentTimestamp = "X-Agent-Timestamp"
	headerAgentNonce     = "X-Agent-Nonce"
	headerAgentSignature = "X-Agent-Signature"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
)

func a2aRequest(r *http.Request, body []byte) auth.A2ARequest {
	return auth.A2ARequest{
		AgentID:        r.Header.Get(headerAgentID),
		Timestamp:      r.Header.Get(headerAgentTimestamp),
		Nonce:          r.Header.Get(headerAgentNonce),
		Signature:      r.Header.Get(headerAgentSignature),
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		CorrelationID:  r.Header.Get(headerCorrelationID),
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           body,
	}
}

// a2aFacet builds the receipt facet for a peer-agent task submission.
func a2aFacet(agentID string, task *contracts.A2ATaskRequest) contracts.RequestFacet {
	var params map[string]any
	if task != nil && len(task.Input) > 0 {
		_ = json.Unmarshal(task.Input, &params)
	}
	facet := contracts.RequestFacet{
		Requester:  agentID,
		Capability: "a2a:task",
	}
	if task != nil {
		facet.QueryTemplate = task.TaskType
		facet.QueryParams = params
	}
	return facet
}

// HandleA2ASubmit accepts one peer-agent task: authenticate the channel,
// check the task-type allowlist, reserve the idempotency key, then enqueue.
func (p *Pipeline) HandleA2ASubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const route = "POST /v1/a2a/tasks"
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "unreadable request body")
		return
	}

	a2a := a2aRequest(r, body)
	var taskReq contracts.A2ATaskRequest
	if err := json.Unmarshal(body, &taskReq); err != nil || taskReq.TaskType == "" {
		facet := a2aFacet(a2a.AgentID, nil)
		d := deny(contracts.StageValidation, contracts.CodeMissingField, "taskType is required")
		writeJSON(w, http.StatusBadRequest, p.finish(ctx, route, start, facet, d))
		return
	}
	facet := a2aFacet(a2a.AgentID, &taskReq)

	if a2a.IdempotencyKey == "" {
		d := deny(contracts.StageValidation, contracts.CodeA2AMissingHeader, "x-idempotency-key is required")
		writeJSON(w, http.StatusBadRequest, p.finish(ctx, route, start, facet, d))
		return
	}

	res := p.auth.VerifyA2A(a2a)
	if !res.OK {
		d := deny(contracts.StageAuthentication, res.Code, res.Message)
		writeJSON(w, http.StatusUnauthorized, p.finish(ctx, route, start, facet, d))
		return
	}

	if !taskTypeAllowed(taskReq.TaskType, p.auth.AllowedTaskTypes(res.AgentID)) {
		d := deny(contracts.StagePolicy, contracts.CodeA2ATaskNotAllowed,
			"task type is not on the agent's allowlist")
		writeJSON(w, http.StatusForbidden, p.finish(ctx, route, start, facet, d))
		return
	}
	if !p.pool.Handles(taskReq.TaskType) {
		d := deny(contracts.StagePolicy, contracts.CodeUnknownTaskType, "no handler registered for task type")
		writeJSON(w, http.StatusForbidden, p.finish(ctx, route, start, facet, d))
		return
	}

	// The identity of a request is its task type plus input; header noise
	// such as nonces must not split replays.
	bodyHash, err := canonicalize.HashHex(map[string]any{
		"taskType": taskReq.TaskType,
		"input":    json.RawMessage(taskReq.Input),
	})
	if err != nil {
		d := deny(contracts.StageValidation, contracts.CodeInvalidRequest, err.Error())
		writeJSON(w, http.StatusBadRequest, p.finish(ctx, route, start, facet, d))
		return
	}

	// Reserve before accepting, so a replay never spawns a second task.
	taskID := "task_" + uuid.New().String()
	outcome, record, err := p.idem.Reserve(ctx, res.AgentID, a2a.IdempotencyKey, bodyHash, taskID)
	if err != nil {
		// An unpersisted reservation cannot guarantee at-most-once; refuse
		// rather than risk a duplicate task on retry.
		p.logger.Error("idempotency persistence failed", "agentId", res.AgentID, "error", err)
		d := deny(contracts.StageService, contracts.CodeInternalError, "idempotency record could not be persisted")
		writeJSON(w, http.StatusInternalServerError, p.finish(ctx, route, start, facet, d))
		return
	}
	switch outcome {
	case tasks.IdemReplay:
		p.writeReplay(ctx, w, route, start, facet, record)
		return
	case tasks.IdemConflict:
		d := deny(contracts.StageValidation, contracts.CodeIdempotencyKeyReused,
			"idempotency key was already used with a different payload")
		writeJSON(w, http.StatusConflict, p.finish(ctx, route, start, facet, d))
		return
	}

	task, err := p.taskStore.AcceptWithID(ctx, taskID, res.AgentID, taskReq.TaskType, taskReq.Input)
	if err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, err.Error())
		writeJSON(w, http.StatusInternalServerError, p.finish(ctx, route, start, facet, d))
		return
	}

	if err := p.pool.Submit(task.TaskID, a2a.IdempotencyKey); err != nil {
		d := deny(contracts.StageService, contracts.CodeInternalError, "task queue is full")
		writeJSON(w, http.StatusServiceUnavailable, p.finish(ctx, route, start, facet, d))
		return
	}
	p.meter.TaskAccepted()

	decision := contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeA2ATaskAccepted,
		Message: "task accepted for asynchronous execution",
	}
	resp := p.finish(ctx, route, start, facet, decision)
	view := taskView(task)
	resp.Task = &view
	writeJSON(w, http.StatusAccepted, resp)
}

// writeReplay serves a repeated submission: the stored terminal envelope if
// the task already finished, otherwise the current task state.
func (p *Pipeline) writeReplay(ctx context.Context, w http.ResponseWriter, route string, start time.Time, facet contracts.RequestFacet, record contracts.IdempotencyRecord) {
	decision := contracts.Decision{
		Outcome: contracts.OutcomeAllow,
		Stage:   contracts.StageExecution,
		Code:    contracts.CodeA2ATaskReplay,
		Message: "idempotent replay of a previously accepted task",
	}
	resp := p.finish(ctx, route, start, facet, decision)

	if len(record.Terminal) > 0 {
		var view TaskView
		if err := json.Unmarshal(record.Terminal, &view); err == nil {
			resp.Task = &view
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	if task, err := p.taskStore.Get(record.TaskID); err == nil {
		view := taskView(task)
		resp.Task = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func taskTypeAllowed(taskType string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return false
	}
	for _, t := range allowlist {
		if t == "*" || t == taskType {
			return true
		}
	}
	return false
}

// HandleA2AList serves GET /v1/a2a/tasks with optional status and limit
// filters. The listing is read-only and authenticated like a submission.
func (p *Pipeline) HandleA2AList(w http.ResponseWriter, r *http.Request) {
	a2a := a2aRequest(r, nil)
	if res := p.auth.VerifyA2A(a2a); !res.OK {
		WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", res.Message)
		return
	}

	status := contracts.TaskStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	list := p.taskStore.List(status, limit)
	views := make([]TaskView, 0, len(list))
	for _, t := range list {
		views = append(views, taskView(t))
	}
	writeJSON(w, http.StatusOK, &Response{Tasks: views, Decision: allow("tasks listed"), Code: contracts.CodeAllowed})
}

// HandleA2AGet serves GET /v1/a2a/tasks/{taskId}.
func (p *Pipeline) HandleA2AGet(w http.ResponseWriter, r *http.Request) {
	a2a := a2aRequest(r, nil)
	if res := p.auth.VerifyA2A(a2a); !res.OK {
		WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", res.Message)
		return
	}

	task, err := p.taskStore.Get(r.PathValue("taskId"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		WriteNotFound(w, r, "no task with that id")
		return
	}
	view := taskView(task)
	writeJSON(w, http.StatusOK, &Response{Task: &view, Decision: allow("task resolved"), Code: contracts.CodeAllowed})
}

// RegisterTaskHandlers installs the built-in task handlers on the pool.
func (p *Pipeline) RegisterTaskHandlers() {
	p.pool.RegisterHandler(TaskTypeQueryExecute, p.runQueryTask)
}

// runQueryTask executes a query.execute task: the input is a query envelope,
// run through the same pipeline with the peer identity standing in for
// wallet authentication.
func (p *Pipeline) runQueryTask(ctx context.Context, task contracts.Task) (json.RawMessage, *contracts.TaskError) {
	var req contracts.QueryRequest
	if err := json.Unmarshal(task.Input, &req); err != nil {
		return nil, &contracts.TaskError{Code: contracts.CodeInvalidRequest, Message: "input is not a query envelope"}
	}

	preauth := &auth.Result{OK: true, Requester: "agent:" + task.AgentID, AgentID: task.AgentID}
	status, resp := p.Query(ctx, "task "+TaskTypeQueryExecute, &req, preauth)
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, &contracts.TaskError{Code: contracts.CodeInternalError, Message: err.Error()}
	}
	if status >= http.StatusBadRequest {
		return out, &contracts.TaskError{Code: resp.Code, Message: resp.Message}
	}
	return out, nil
}

// OnTaskTerminal is wired into the pool: it pins the terminal envelope to the
// idempotency key and updates the task counters.
func (p *Pipeline) OnTaskTerminal(ctx context.Context, task contracts.Task, idemKey string) {
	p.meter.TaskFinished(task.Status)
	if idemKey == "" {
		return
	}
	view := taskView(task)
	terminal, err := json.Marshal(view)
	if err != nil {
		p.logger.Error("terminal envelope marshal failed", "taskId", task.TaskID, "error", err)
		return
	}
	if err := p.idem.SetTerminal(ctx, task.AgentID, idemKey, terminal); err != nil {
		p.logger.Error("terminal envelope persistence failed", "taskId", task.TaskID, "error", err)
	}
}

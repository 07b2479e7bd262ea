// Package tasks drives the peer-agent task machine: acceptance, idempotency
// pinning, bounded asynchronous execution, and terminal envelope persistence.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("tasks: task not found")
	// ErrAlreadyTerminal is returned for transitions out of a terminal state.
	ErrAlreadyTerminal = errors.New("tasks: task already terminal")
	// ErrIllegalTransition is returned for transitions that skip a state.
	ErrIllegalTransition = errors.New("tasks: illegal status transition")
)

// Store keeps the authoritative task set in memory under a mutex and writes
// every change through to the tasks table.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*contracts.Task
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewStore builds the store over the adapter.
func NewStore(adapter database.Adapter) *Store {
	return &Store{
		byID:    make(map[string]*contracts.Task),
		db:      adapter.DB(),
		dialect: adapter.Dialect(),
		now:     time.Now,
	}
}

// Accept records a new task in the accepted state.
func (s *Store) Accept(ctx context.Context, agentID, taskType string, input json.RawMessage) (contracts.Task, error) {
	return s.AcceptWithID(ctx, "task_"+uuid.New().String(), agentID, taskType, input)
}

// AcceptWithID records a new task under a caller-chosen id, so the id can be
// pinned to an idempotency record before the task exists.
func (s *Store) AcceptWithID(ctx context.Context, taskID, agentID, taskType string, input json.RawMessage) (contracts.Task, error) {
	now := s.now().UTC()
	task := contracts.Task{
		TaskID:    taskID,
		AgentID:   agentID,
		TaskType:  taskType,
		Status:    contracts.TaskAccepted,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.byID[task.TaskID] = &task
	s.mu.Unlock()

	query := database.Rebind(s.dialect, `
		INSERT INTO tasks (task_id, agent_id, task_type, status, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, task.TaskID, task.AgentID, task.TaskType,
		string(task.Status), string(task.Input),
		now.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
		return task, fmt.Errorf("tasks: persist accept: %w", err)
	}
	return task, nil
}

// Get returns a snapshot of a task.
func (s *Store) Get(taskID string) (contracts.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.byID[taskID]
	if !ok {
		return contracts.Task{}, ErrTaskNotFound
	}
	return *task, nil
}

// List returns task snapshots, newest first, optionally filtered by status.
// limit falls back to 25 and is capped at 200.
func (s *Store) List(status contracts.TaskStatus, limit int) []contracts.Task {
	if limit <= 0 {
		limit = 25
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.RLock()
	out := make([]contracts.Task, 0, len(s.byID))
	for _, task := range s.byID {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Transition moves a task to the next state. Result and taskErr apply only to
// terminal transitions.
func (s *Store) Transition(ctx context.Context, taskID string, next contracts.TaskStatus, result json.RawMessage, taskErr *contracts.TaskError) (contracts.Task, error) {
	s.mu.Lock()
	task, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return contracts.Task{}, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return *task, ErrAlreadyTerminal
	}
	if !legalTransition(task.Status, next) {
		s.mu.Unlock()
		return *task, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.Status, next)
	}

	task.Status = next
	task.UpdatedAt = s.now().UTC()
	if next.Terminal() {
		task.Result = result
		task.Error = taskErr
	}
	snapshot := *task
	s.mu.Unlock()

	errCode, errMessage := "", ""
	if snapshot.Error != nil {
		errCode, errMessage = snapshot.Error.Code, snapshot.Error.Message
	}
	query := database.Rebind(s.dialect, `
		UPDATE tasks SET status = ?, result = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE task_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(snapshot.Status), string(snapshot.Result),
		errCode, errMessage, snapshot.UpdatedAt.Format(time.RFC3339), taskID); err != nil {
		return snapshot, fmt.Errorf("tasks: persist transition: %w", err)
	}
	return snapshot, nil
}

func legalTransition(from, to contracts.TaskStatus) bool {
	switch from {
	case contracts.TaskAccepted:
		return to == contracts.TaskRunning
	case contracts.TaskRunning:
		return to == contracts.TaskSucceeded || to == contracts.TaskFailed
	default:
		return false
	}
}

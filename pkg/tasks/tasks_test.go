package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/contracts"
	"github.com/privatedb/agent/pkg/database"
)

func openAdapter(t *testing.T) database.Adapter {
	t.Helper()
	cfg := &config.Config{DBDriver: "sqlite", SQLiteFilePath: ":memory:"}
	adapter, err := database.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func TestStoreStateMachine(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openAdapter(t))

	task, err := s.Accept(ctx, "analytics-agent", "query.execute", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskAccepted, task.Status)

	// accepted may not jump straight to a terminal state.
	_, err = s.Transition(ctx, task.TaskID, contracts.TaskSucceeded, nil, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	running, err := s.Transition(ctx, task.TaskID, contracts.TaskRunning, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskRunning, running.Status)

	done, err := s.Transition(ctx, task.TaskID, contracts.TaskSucceeded, json.RawMessage(`{"rows":[]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskSucceeded, done.Status)

	// Terminal tasks refuse every further transition.
	_, err = s.Transition(ctx, task.TaskID, contracts.TaskFailed, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = s.Get("task_missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	got, err := s.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskSucceeded, got.Status)
}

func TestStorePersistsRows(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)
	s := NewStore(adapter)

	task, err := s.Accept(ctx, "analytics-agent", "query.execute", nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.TaskID, contracts.TaskRunning, nil, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, task.TaskID, contracts.TaskFailed, nil, &contracts.TaskError{
		Code: contracts.CodeDBExecutionFailed, Message: "boom",
	})
	require.NoError(t, err)

	var status, errCode string
	err = adapter.DB().QueryRowContext(ctx,
		`SELECT status, error_code FROM tasks WHERE task_id = ?`, task.TaskID).Scan(&status, &errCode)
	require.NoError(t, err)
	assert.Equal(t, "failed", status)
	assert.Equal(t, contracts.CodeDBExecutionFailed, errCode)
}

func TestIdempotencyReserve(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(openAdapter(t), time.Hour, 100)

	outcome, rec, err := idem.Reserve(ctx, "agent-1", "key-1", "hash-a", "task-1")
	require.NoError(t, err)
	assert.Equal(t, IdemNew, outcome)
	assert.Equal(t, "task-1", rec.TaskID)

	// Same key, same body: replay with the original task id.
	outcome, rec, err = idem.Reserve(ctx, "agent-1", "key-1", "hash-a", "task-2")
	require.NoError(t, err)
	assert.Equal(t, IdemReplay, outcome)
	assert.Equal(t, "task-1", rec.TaskID)

	// Same key, different body: conflict.
	outcome, _, err = idem.Reserve(ctx, "agent-1", "key-1", "hash-b", "task-3")
	require.NoError(t, err)
	assert.Equal(t, IdemConflict, outcome)

	// Keys are scoped per agent.
	outcome, _, err = idem.Reserve(ctx, "agent-2", "key-1", "hash-b", "task-4")
	require.NoError(t, err)
	assert.Equal(t, IdemNew, outcome)
}

func TestIdempotencyTerminalEnvelope(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(openAdapter(t), time.Hour, 100)

	_, _, err := idem.Reserve(ctx, "agent-1", "key-1", "hash-a", "task-1")
	require.NoError(t, err)
	require.NoError(t, idem.SetTerminal(ctx, "agent-1", "key-1", json.RawMessage(`{"status":"succeeded"}`)))

	_, rec, err := idem.Reserve(ctx, "agent-1", "key-1", "hash-a", "ignored")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"succeeded"}`, string(rec.Terminal))
}

func TestIdempotencyExpiryAndEviction(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)
	idem := NewIdempotency(adapter, time.Minute, 2)
	current := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	idem.now = func() time.Time { return current }

	_, _, err := idem.Reserve(ctx, "agent-1", "expiring", "hash-a", "task-1")
	require.NoError(t, err)

	// After the ttl the key is reusable as new; the persisted row went with
	// the cache entry, so re-reserving must not trip the primary key.
	current = current.Add(2 * time.Minute)
	outcome, _, err := idem.Reserve(ctx, "agent-1", "expiring", "hash-b", "task-2")
	require.NoError(t, err)
	assert.Equal(t, IdemNew, outcome)

	// Eviction drops the cache entry only; the persisted row still pins the
	// key, so a differing body is a conflict and the same body replays.
	_, _, err = idem.Reserve(ctx, "agent-1", "k2", "h", "t")
	require.NoError(t, err)
	_, _, err = idem.Reserve(ctx, "agent-1", "k3", "h", "t")
	require.NoError(t, err)
	outcome, _, err = idem.Reserve(ctx, "agent-1", "expiring", "hash-c", "task-3")
	require.NoError(t, err)
	assert.Equal(t, IdemConflict, outcome, "evicted key stays pinned to its first body")

	outcome, rec, err := idem.Reserve(ctx, "agent-1", "expiring", "hash-b", "task-4")
	require.NoError(t, err)
	assert.Equal(t, IdemReplay, outcome)
	assert.Equal(t, "task-2", rec.TaskID)
}

func TestIdempotencySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	idem := NewIdempotency(adapter, time.Hour, 100)
	_, _, err := idem.Reserve(ctx, "agent-1", "key-1", "hash-a", "task-1")
	require.NoError(t, err)
	require.NoError(t, idem.SetTerminal(ctx, "agent-1", "key-1", json.RawMessage(`{"status":"succeeded"}`)))

	// A fresh store over the same database starts with an empty cache and
	// must still honor the reservation.
	restarted := NewIdempotency(adapter, time.Hour, 100)
	outcome, rec, err := restarted.Reserve(ctx, "agent-1", "key-1", "hash-a", "task-2")
	require.NoError(t, err)
	assert.Equal(t, IdemReplay, outcome)
	assert.Equal(t, "task-1", rec.TaskID)
	assert.JSONEq(t, `{"status":"succeeded"}`, string(rec.Terminal))

	outcome, _, err = restarted.Reserve(ctx, "agent-2", "key-1", "hash-a", "task-3")
	require.NoError(t, err)
	assert.Equal(t, IdemNew, outcome)
}

func TestPoolRunsHandlerToSuccess(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)
	store := NewStore(adapter)

	terminal := make(chan contracts.Task, 1)
	pool := NewPool(store, 2, 8, time.Second, func(_ context.Context, task contracts.Task, idemKey string) {
		terminal <- task
	}, nil)
	pool.RegisterHandler("query.execute", func(_ context.Context, task contracts.Task) (json.RawMessage, *contracts.TaskError) {
		return json.RawMessage(`{"rowCount":1}`), nil
	})
	pool.Start()
	t.Cleanup(pool.Stop)

	task, err := store.Accept(ctx, "agent-1", "query.execute", nil)
	require.NoError(t, err)
	require.NoError(t, pool.Submit(task.TaskID, "key-1"))

	select {
	case done := <-terminal:
		assert.Equal(t, contracts.TaskSucceeded, done.Status)
		assert.JSONEq(t, `{"rowCount":1}`, string(done.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state")
	}
}

func TestPoolFailsSlowHandlerWithTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openAdapter(t))

	terminal := make(chan contracts.Task, 1)
	pool := NewPool(store, 1, 8, 50*time.Millisecond, func(_ context.Context, task contracts.Task, _ string) {
		terminal <- task
	}, nil)
	pool.RegisterHandler("slow.task", func(runCtx context.Context, _ contracts.Task) (json.RawMessage, *contracts.TaskError) {
		<-runCtx.Done()
		return nil, &contracts.TaskError{Code: "LATE", Message: "never seen"}
	})
	pool.Start()
	t.Cleanup(pool.Stop)

	task, err := store.Accept(ctx, "agent-1", "slow.task", nil)
	require.NoError(t, err)
	require.NoError(t, pool.Submit(task.TaskID, "key-1"))

	select {
	case done := <-terminal:
		assert.Equal(t, contracts.TaskFailed, done.Status)
		require.NotNil(t, done.Error)
		assert.Equal(t, contracts.CodeTaskExecutionTimeout, done.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state")
	}
}

func TestPoolUnknownTaskTypeFails(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openAdapter(t))

	terminal := make(chan contracts.Task, 1)
	pool := NewPool(store, 1, 8, time.Second, func(_ context.Context, task contracts.Task, _ string) {
		terminal <- task
	}, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	task, err := store.Accept(ctx, "agent-1", "mystery.task", nil)
	require.NoError(t, err)
	require.NoError(t, pool.Submit(task.TaskID, "key-1"))

	select {
	case done := <-terminal:
		assert.Equal(t, contracts.TaskFailed, done.Status)
		require.NotNil(t, done.Error)
		assert.Equal(t, contracts.CodeUnknownTaskType, done.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state")
	}
}

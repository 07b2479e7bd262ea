package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/privatedb/agent/pkg/contracts"
)

// ErrQueueFull is returned when the pool cannot accept more work.
var ErrQueueFull = errors.New("tasks: worker queue full")

// Handler executes one task type. A non-nil TaskError fails the task.
type Handler func(ctx context.Context, task contracts.Task) (json.RawMessage, *contracts.TaskError)

// TerminalFunc observes every terminal task, carrying the idempotency key the
// task was accepted under.
type TerminalFunc func(ctx context.Context, task contracts.Task, idemKey string)

type job struct {
	taskID  string
	idemKey string
}

// Pool runs accepted tasks on a bounded worker set with a per-task deadline.
type Pool struct {
	store      *Store
	handlers   map[string]Handler
	queue      chan job
	timeout    time.Duration
	onTerminal TerminalFunc
	logger     *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	workers   int
}

// NewPool builds the pool. onTerminal may be nil.
func NewPool(store *Store, workers, queueSize int, timeout time.Duration, onTerminal TerminalFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:      store,
		handlers:   make(map[string]Handler),
		queue:      make(chan job, queueSize),
		timeout:    timeout,
		onTerminal: onTerminal,
		logger:     logger,
		workers:    workers,
	}
}

// RegisterHandler binds a task type to its handler. Call before Start.
func (p *Pool) RegisterHandler(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Handles reports whether a handler is registered for the task type.
func (p *Pool) Handles(taskType string) bool {
	_, ok := p.handlers[taskType]
	return ok
}

// Start launches the workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Stop drains the workers. Queued but unstarted jobs are abandoned; their
// tasks stay in the accepted state.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

// Submit queues an accepted task for execution.
func (p *Pool) Submit(taskID, idemKey string) error {
	select {
	case p.queue <- job{taskID: taskID, idemKey: idemKey}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.run(ctx, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	task, err := p.store.Transition(ctx, j.taskID, contracts.TaskRunning, nil, nil)
	if err != nil {
		p.logger.Error("task start failed", slog.String("taskId", j.taskID), slog.Any("error", err))
		return
	}

	handler, ok := p.handlers[task.TaskType]
	if !ok {
		p.finish(ctx, j, contracts.TaskFailed, nil, &contracts.TaskError{
			Code:    contracts.CodeUnknownTaskType,
			Message: "no handler for task type " + task.TaskType,
		})
		return
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	type outcome struct {
		result  json.RawMessage
		taskErr *contracts.TaskError
	}
	done := make(chan outcome, 1)
	go func() {
		result, taskErr := handler(runCtx, task)
		done <- outcome{result: result, taskErr: taskErr}
	}()

	select {
	case <-runCtx.Done():
		p.finish(ctx, j, contracts.TaskFailed, nil, &contracts.TaskError{
			Code:    contracts.CodeTaskExecutionTimeout,
			Message: "task execution exceeded the deadline",
		})
	case out := <-done:
		if out.taskErr != nil {
			p.finish(ctx, j, contracts.TaskFailed, nil, out.taskErr)
			return
		}
		p.finish(ctx, j, contracts.TaskSucceeded, out.result, nil)
	}
}

func (p *Pool) finish(ctx context.Context, j job, status contracts.TaskStatus, result json.RawMessage, taskErr *contracts.TaskError) {
	// Terminal persistence must survive a cancelled run context.
	task, err := p.store.Transition(context.Background(), j.taskID, status, result, taskErr)
	if err != nil {
		p.logger.Error("task finish failed", slog.String("taskId", j.taskID), slog.Any("error", err))
		return
	}
	if p.onTerminal != nil {
		p.onTerminal(ctx, task, j.idemKey)
	}
}

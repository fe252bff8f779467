package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/legalpipe/progress"
	"github.com/mohans/legalpipe/store"
)

// ErrHardTimeout is returned when a handler outlives the hard time limit
// and its slot is reclaimed.
var ErrHardTimeout = errors.New("hard time limit exceeded")

// Engine wraps every handler invocation with lifecycle recording, revoke
// skipping, typed failure mapping and the hard time limit.
type Engine struct {
	results     store.ResultStore
	tracker     *progress.Tracker
	log         *slog.Logger
	hardTimeout time.Duration
	finalHooks  []func(context.Context, *asynq.Task, error)
}

func NewEngine(results store.ResultStore, tracker *progress.Tracker, log *slog.Logger, hardTimeout time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if hardTimeout <= 0 {
		hardTimeout = 600 * time.Second
	}
	return &Engine{results: results, tracker: tracker, log: log, hardTimeout: hardTimeout}
}

// Middleware marks received/started/success on the ResultStore around the
// handler. A revoked task that has not started yet is acknowledged without
// running; a task already running when revoked is not interrupted here.
// Handler errors are categorized, logged with the task id and arguments,
// recorded as a 0% pre-failure snapshot, and returned unchanged so the
// queue's retry policy applies.
func (e *Engine) Middleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return next.ProcessTask(ctx, t)
		}
		if revoked, err := e.results.IsRevoked(ctx, id); err == nil && revoked {
			_ = e.results.MarkRevoked(ctx, id, time.Now().UTC())
			e.log.Info("task skipped (revoked)", "task_id", id, "type", t.Type())
			return nil
		}
		_ = e.results.MarkReceived(ctx, id)
		_ = e.results.MarkStarted(ctx, id, time.Now().UTC())

		err := e.runBounded(ctx, next, t)
		if err != nil {
			cat := categorize(t.Type(), err)
			e.log.Error("task failed",
				"task_id", id, "type", t.Type(), "queue", QueueFor(t.Type()),
				"category", string(cat), "args", string(t.Payload()), "err", err)
			if e.tracker != nil {
				e.tracker.Update(ctx, id, 0, 0, fmt.Sprintf("failed: %v", err))
			}
			return err
		}
		// No-op if the handler already recorded SUCCESS with a result.
		_ = e.results.MarkSuccess(ctx, id, nil, time.Now().UTC())
		return nil
	})
}

// runBounded enforces the hard time limit. The soft limit is the context
// deadline asynq sets from the Timeout option; handlers observe it at their
// next suspension point and clean up. The hard limit reclaims the slot: the
// handler goroutine is cancelled and abandoned, and the slot returns to the
// queue with a failure.
func (e *Engine) runBounded(ctx context.Context, next asynq.Handler, t *asynq.Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- next.ProcessTask(runCtx, t)
	}()
	select {
	case err := <-done:
		cancel()
		return err
	case <-time.After(e.hardTimeout):
		cancel()
		return fmt.Errorf("%w after %s", ErrHardTimeout, e.hardTimeout)
	}
}

// HandleError is the global failure hook wired into asynq.Config. When the
// retry budget is exhausted, or the error skips retries outright, it records
// the 0%-progress "failed" snapshot and the terminal FAILURE before control
// returns to the queue layer.
func (e *Engine) HandleError(ctx context.Context, t *asynq.Task, err error) {
	id, ok := asynq.GetTaskID(ctx)
	if !ok {
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		return
	}
	if e.tracker != nil {
		e.tracker.Update(ctx, id, 0, 0, "failed")
	}
	_ = e.results.MarkFailure(ctx, id, err.Error(), fmt.Sprintf("%+v", err), time.Now().UTC())
	for _, hook := range e.finalHooks {
		hook(ctx, t, err)
	}
}

// OnFinalFailure registers a hook invoked only when a task will not be
// retried again.
func (e *Engine) OnFinalFailure(hook func(context.Context, *asynq.Task, error)) {
	e.finalHooks = append(e.finalHooks, hook)
}

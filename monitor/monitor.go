// Package monitor is the introspection and control surface over the queues
// and the result store: status, active, scheduled, workers, cancel, purge,
// retry-failed and queue length. Every read degrades to a well-formed value
// instead of erroring when the broker is unreachable.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/legalpipe/store"
	"github.com/mohans/legalpipe/tasks"
)

// QueueLengthUnknown is returned when the broker cannot be asked, letting
// callers distinguish "zero" from "unknown".
const QueueLengthUnknown = -1

// StatusPayload is the state-dependent answer to a status query.
type StatusPayload struct {
	TaskID   string          `json:"task_id"`
	State    string          `json:"state"`
	Progress *store.Snapshot `json:"progress,omitempty"`
	Result   *string         `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
	Trace    *string         `json:"traceback,omitempty"`
}

// TaskSummary describes one task seen on the worker fleet.
type TaskSummary struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Queue   string `json:"queue"`
	State   string `json:"state"`
	Payload string `json:"payload,omitempty"`
}

// WorkerInfo describes one live worker process.
type WorkerInfo struct {
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	Concurrency int       `json:"concurrency"`
	Active      int       `json:"active"`
	Started     time.Time `json:"started"`
}

// CancelResult reports what a cancel request did.
type CancelResult struct {
	TaskID     string `json:"task_id"`
	State      string `json:"state"`
	Terminated bool   `json:"terminated"`
}

type Monitor struct {
	inspector *asynq.Inspector
	results   store.ResultStore
	log       *slog.Logger
}

func New(redisOpt asynq.RedisClientOpt, results store.ResultStore, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		inspector: asynq.NewInspector(redisOpt),
		results:   results,
		log:       log,
	}
}

// Status returns the state-dependent payload for a task. Unknown and
// expired ids both answer PENDING: the record may simply not have been
// claimed yet, and the two cases are indistinguishable by design. An
// introspection failure answers a well-formed ERROR payload, never an error.
func (m *Monitor) Status(ctx context.Context, taskID string) StatusPayload {
	rec, err := m.results.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusPayload{TaskID: taskID, State: string(store.StatePending)}
	}
	if err != nil {
		msg := err.Error()
		m.log.Warn("status introspection failed", "task_id", taskID, "err", err)
		return StatusPayload{TaskID: taskID, State: "ERROR", Error: &msg}
	}
	out := StatusPayload{TaskID: taskID, State: string(rec.State)}
	switch rec.State {
	case store.StateProgress:
		out.Progress = rec.Progress
	case store.StateSuccess:
		out.Result = rec.ResultJSON
	case store.StateFailure:
		out.Error = rec.ErrorMsg
		out.Trace = rec.Traceback
	}
	return out
}

// Active lists tasks currently executing on the fleet. No workers, or no
// broker, yields an empty list, never an error.
func (m *Monitor) Active(ctx context.Context) []TaskSummary {
	var out []TaskSummary
	for _, q := range tasks.AllQueues() {
		infos, err := m.inspector.ListActiveTasks(q)
		if err != nil {
			continue
		}
		out = append(out, summarize(infos)...)
	}
	if out == nil {
		out = []TaskSummary{}
	}
	return out
}

// Scheduled lists tasks waiting on a future run time (including retry
// backoff waits). Empty list on any failure.
func (m *Monitor) Scheduled(ctx context.Context) []TaskSummary {
	var out []TaskSummary
	for _, q := range tasks.AllQueues() {
		scheduled, err := m.inspector.ListScheduledTasks(q)
		if err == nil {
			out = append(out, summarize(scheduled)...)
		}
		retry, err := m.inspector.ListRetryTasks(q)
		if err == nil {
			out = append(out, summarize(retry)...)
		}
	}
	if out == nil {
		out = []TaskSummary{}
	}
	return out
}

func summarize(infos []*asynq.TaskInfo) []TaskSummary {
	out := make([]TaskSummary, 0, len(infos))
	for _, ti := range infos {
		out = append(out, TaskSummary{
			ID:      ti.ID,
			Type:    ti.Type,
			Queue:   ti.Queue,
			State:   ti.State.String(),
			Payload: string(ti.Payload),
		})
	}
	return out
}

// Workers describes the live worker fleet. Empty list when nobody responds.
func (m *Monitor) Workers(ctx context.Context) []WorkerInfo {
	servers, err := m.inspector.Servers()
	if err != nil {
		return []WorkerInfo{}
	}
	out := make([]WorkerInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, WorkerInfo{
			Host:        s.Host,
			PID:         s.PID,
			Concurrency: s.Concurrency,
			Active:      len(s.ActiveWorkers),
			Started:     s.Started,
		})
	}
	return out
}

// Cancel revokes a task. terminate=false only flags it so an unstarted
// execution is skipped; a running execution is NOT stopped. terminate=true
// additionally cancels the running handler's context, losing whatever
// in-flight side effects it had. On an already-terminal task this is a
// no-op that reports the stored state unchanged.
func (m *Monitor) Cancel(ctx context.Context, taskID string, terminate bool) CancelResult {
	if rec, err := m.results.Get(ctx, taskID); err == nil && rec.State.Terminal() {
		return CancelResult{TaskID: taskID, State: string(rec.State)}
	}
	if err := m.results.Revoke(ctx, taskID); err != nil {
		m.log.Warn("revoke flag write failed", "task_id", taskID, "err", err)
	}
	if !terminate {
		return CancelResult{TaskID: taskID, State: string(store.StateRevoked)}
	}
	if err := m.inspector.CancelProcessing(taskID); err != nil {
		m.log.Warn("cancel processing failed", "task_id", taskID, "err", err)
	}
	_ = m.results.MarkRevoked(ctx, taskID, time.Now().UTC())
	return CancelResult{TaskID: taskID, State: string(store.StateRevoked), Terminated: true}
}

// Purge irreversibly drops unexecuted messages (pending, scheduled and
// retry-waiting) from the queue, or from every queue when queue is "all".
// Returns how many messages were dropped.
func (m *Monitor) Purge(ctx context.Context, queue string) (int, error) {
	queues := []string{queue}
	if queue == "all" {
		queues = tasks.AllQueues()
	}
	total := 0
	for _, q := range queues {
		n, err := m.inspector.DeleteAllPendingTasks(q)
		if err != nil {
			return total, err
		}
		total += n
		if n, err := m.inspector.DeleteAllScheduledTasks(q); err == nil {
			total += n
		}
		if n, err := m.inspector.DeleteAllRetryTasks(q); err == nil {
			total += n
		}
	}
	return total, nil
}

// RetryFailed re-enqueues every archived (terminally failed) task in the
// queue and returns the count.
func (m *Monitor) RetryFailed(ctx context.Context, queue string) (int, error) {
	return m.inspector.RunAllArchivedTasks(queue)
}

// QueueLength returns the number of pending messages in the queue, or
// QueueLengthUnknown when the broker cannot be asked.
func (m *Monitor) QueueLength(ctx context.Context, queue string) int {
	info, err := m.inspector.GetQueueInfo(queue)
	if err != nil {
		return QueueLengthUnknown
	}
	return info.Pending
}

func (m *Monitor) Close() error { return m.inspector.Close() }

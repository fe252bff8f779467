// Package progress records per-task progress snapshots and fans them out.
package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/store"
)

// Notifier receives progress events for fan-out. Satisfied by *hub.Hub.
type Notifier interface {
	NotifyTask(taskID string, ev hub.Event)
}

const defaultCacheSize = 4096

// Tracker computes and records progress snapshots. The ResultStore write is
// the authoritative one; the local cache write-through and the hub push are
// best-effort side effects that are logged and swallowed. Recording progress
// must never fail or block the task reporting it.
type Tracker struct {
	results  store.ResultStore
	cache    *expirable.LRU[string, store.Snapshot]
	notifier Notifier
	log      *slog.Logger
}

// NewTracker builds a Tracker. notifier may be nil (worker processes with no
// colocated hub).
func NewTracker(results store.ResultStore, notifier Notifier, log *slog.Logger, cacheTTL time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Tracker{
		results:  results,
		cache:    expirable.NewLRU[string, store.Snapshot](defaultCacheSize, nil, cacheTTL),
		notifier: notifier,
		log:      log,
	}
}

// Update records the latest checkpoint for a task. Percentage is
// current/total*100 rounded down, 0 when total is 0.
func (t *Tracker) Update(ctx context.Context, taskID string, current, total int, message string) store.Snapshot {
	snap := store.Snapshot{
		TaskID:     taskID,
		Current:    current,
		Total:      total,
		Percentage: store.Percentage(current, total),
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if err := t.results.SetProgress(ctx, snap); err != nil {
		t.log.Warn("progress store write failed", "task_id", taskID, "err", err)
	}
	t.cache.Add(taskID, snap)
	if t.notifier != nil {
		t.notifier.NotifyTask(taskID, hub.Event{Type: hub.EventTaskProgress, Payload: snap})
	}
	return snap
}

// Get returns the latest snapshot for a task, preferring the local cache and
// falling back to the ResultStore. Only Update populates the cache: the task
// advances in another process, so caching a fallback read would freeze the
// first snapshot this process ever saw. Unknown or expired ids yield a zero
// "no progress" snapshot rather than an error.
func (t *Tracker) Get(ctx context.Context, taskID string) store.Snapshot {
	if snap, ok := t.cache.Get(taskID); ok {
		return snap
	}
	rec, err := t.results.Get(ctx, taskID)
	if err != nil || rec == nil || rec.Progress == nil {
		return store.Snapshot{TaskID: taskID}
	}
	return *rec.Progress
}

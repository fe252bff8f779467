package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/store"
)

const pollInterval = 2 * time.Second

// watchProgress bridges worker-side task state into this process's hub.
// Workers record progress in the shared result store; the hub only fans out
// from local memory, so watched tasks are polled here and pushed as events.
// A terminal state emits one final event and drops the watch.
func watchProgress(ctx context.Context, h *hub.Hub, results store.ResultStore, log *slog.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := make(map[string]string) // task id -> last pushed fingerprint
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, taskID := range h.WatchedTasks() {
			rec, err := results.Get(ctx, taskID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				log.Debug("progress poll failed", "task_id", taskID, "err", err)
				continue
			}
			fp := fingerprint(rec)
			if last[taskID] == fp {
				continue
			}
			last[taskID] = fp
			h.NotifyTask(taskID, hub.Event{Type: hub.EventTaskProgress, Payload: progressPayload(rec)})
			if rec.State.Terminal() {
				h.Unwatch(taskID)
				delete(last, taskID)
			}
		}
	}
}

func fingerprint(rec *store.TaskRecord) string {
	if rec.Progress != nil {
		return string(rec.State) + "/" + rec.Progress.Timestamp.String()
	}
	return string(rec.State)
}

func progressPayload(rec *store.TaskRecord) map[string]any {
	out := map[string]any{"task_id": rec.ID, "state": string(rec.State)}
	if rec.Progress != nil {
		out["progress"] = rec.Progress
	}
	if rec.ResultJSON != nil {
		out["result"] = *rec.ResultJSON
	}
	if rec.ErrorMsg != nil {
		out["error"] = *rec.ErrorMsg
	}
	return out
}

package main

import (
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/mohans/legalpipe/tasks"
)

const archivedRetention = 24 * time.Hour

// startMaintenance schedules queue-depth logging every minute and an hourly
// sweep of archived tasks past retention.
func startMaintenance(redisOpt asynq.RedisClientOpt, log *slog.Logger) *cron.Cron {
	inspector := asynq.NewInspector(redisOpt)
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		for _, q := range tasks.AllQueues() {
			info, err := inspector.GetQueueInfo(q)
			if err != nil {
				continue
			}
			log.Info("queue depth", "queue", q,
				"pending", info.Pending, "active", info.Active,
				"retry", info.Retry, "archived", info.Archived)
		}
	})

	c.AddFunc("@hourly", func() {
		cutoff := time.Now().Add(-archivedRetention)
		for _, q := range tasks.AllQueues() {
			swept := 0
			infos, err := inspector.ListArchivedTasks(q, asynq.PageSize(100))
			if err != nil {
				continue
			}
			for _, ti := range infos {
				if !ti.LastFailedAt.IsZero() && ti.LastFailedAt.Before(cutoff) {
					if inspector.DeleteTask(q, ti.ID) == nil {
						swept++
					}
				}
			}
			if swept > 0 {
				log.Info("swept archived tasks", "queue", q, "count", swept)
			}
		}
	})

	c.Start()
	return c
}

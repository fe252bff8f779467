// The worker binary runs analysis task slots against the shared queues and
// the periodic maintenance schedule.
package main

import (
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/mohans/legalpipe/collab"
	"github.com/mohans/legalpipe/config"
	"github.com/mohans/legalpipe/progress"
	"github.com/mohans/legalpipe/store"
	"github.com/mohans/legalpipe/tasks"
)

func main() {
	cfgPath := flag.String("config", "", "path to TOML config file")
	blobDir := flag.String("blobs", "blobs", "directory holding uploaded documents")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	results := store.NewRedisResultStore(rdb, cfg.ResultTTL)
	pipelines := store.NewRedisPipelineStore(rdb, cfg.ResultTTL)

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		log.Error("open db failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if _, err := db.Exec(store.Schema); err != nil {
		log.Error("apply schema failed", "err", err)
		os.Exit(1)
	}
	docs := store.NewSQLDocumentStore(db)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	tracker := progress.NewTracker(results, nil, log, cfg.ResultTTL)
	submitter := tasks.NewSubmitter(redisOpt, results, tasks.SubmitterOptions{
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		SoftTimeout: cfg.SoftTimeout,
		HardTimeout: cfg.HardTimeout,
	})
	defer submitter.Close()

	handlers := tasks.NewHandlers(tasks.Deps{
		Results:   results,
		Docs:      docs,
		Pipelines: pipelines,
		Tracker:   tracker,
		Enqueuer:  submitter,
		Blobs:     collab.DirBlobStore{Dir: *blobDir},
		Extractor: collab.PlainTextExtractor{},
		Detector:  collab.KeywordDetector{},
		Analyzers: collab.Analyzers(),
		Log:       log,
	})

	engine := tasks.NewEngine(results, tracker, log, cfg.HardTimeout)
	engine.OnFinalFailure(handlers.PipelineFailureHook)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         tasks.WorkerQueues(),
		RetryDelayFunc: submitter.RetryDelayFunc,
		ErrorHandler:   asynq.ErrorHandlerFunc(engine.HandleError),
		Logger:         tasks.AsynqLogger{L: log},
	})

	mux := asynq.NewServeMux()
	mux.Use(engine.Middleware)
	handlers.Register(mux)

	maint := startMaintenance(redisOpt, log)
	defer maint.Stop()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("shutting down")
		srv.Shutdown()
	}()

	log.Info("worker starting", "concurrency", cfg.Concurrency, "redis", cfg.RedisAddr)
	if err := srv.Run(mux); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

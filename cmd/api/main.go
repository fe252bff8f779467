// The api binary serves the REST surface, the WebSocket sessions, and the
// hub-colocated chat task slots.
package main

import (
	"context"
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
	"github.com/mohans/legalpipe/hub"
	"github.com/mohans/legalpipe/monitor"
	"github.com/mohans/legalpipe/progress"
	"github.com/mohans/legalpipe/store"
	"github.com/mohans/legalpipe/tasks"
	"github.com/mohans/legalpipe/ws"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	h := hub.New(log)
	go h.Run(ctx)

	tracker := progress.NewTracker(results, h, log, cfg.ResultTTL)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	submitter := tasks.NewSubmitter(redisOpt, results, tasks.SubmitterOptions{
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		SoftTimeout: cfg.SoftTimeout,
		HardTimeout: cfg.HardTimeout,
	})
	defer submitter.Close()

	mon := monitor.New(redisOpt, results, log)
	defer mon.Close()

	blobs := collab.DirBlobStore{Dir: *blobDir}

	// Chat tasks execute here, in the same process as the hub, so their
	// ai_typing / ai_message / ai_error events reach connected sessions.
	chatHandlers := tasks.NewHandlers(tasks.Deps{
		Results:   results,
		Docs:      docs,
		Pipelines: pipelines,
		Tracker:   tracker,
		Enqueuer:  submitter,
		Blobs:     blobs,
		Extractor: collab.PlainTextExtractor{},
		Detector:  collab.KeywordDetector{},
		Analyzers: collab.Analyzers(),
		Responder: collab.EchoResponder{},
		Sessions:  h,
		Log:       log,
	})
	chatEngine := tasks.NewEngine(results, tracker, log, cfg.HardTimeout)
	chatSrv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:  2,
		Queues:       tasks.APIQueues(),
		ErrorHandler: asynq.ErrorHandlerFunc(chatEngine.HandleError),
		Logger:       tasks.AsynqLogger{L: log},
	})
	chatMux := asynq.NewServeMux()
	chatMux.Use(chatEngine.Middleware)
	chatHandlers.RegisterChat(chatMux)
	if err := chatSrv.Start(chatMux); err != nil {
		log.Error("chat server start failed", "err", err)
		os.Exit(1)
	}
	defer chatSrv.Shutdown()

	go watchProgress(ctx, h, results, log)

	srv := newServer(serverDeps{
		cfg:       cfg,
		log:       log,
		hub:       h,
		wsHandler: ws.NewHandler(h, submitter, log, cfg.HeartbeatIdle),
		submitter: submitter,
		monitor:   mon,
		tracker:   tracker,
		docs:      docs,
		pipelines: pipelines,
		blobs:     blobs,
	})

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
	}()

	log.Info("api listening", "addr", cfg.ListenAddr)
	if err := srv.Run(cfg.ListenAddr); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

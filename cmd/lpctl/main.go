// lpctl is the admin CLI: a thin caller of the monitor package.
//
// Usage:
//
//	lpctl [-config file] status <task_id>
//	lpctl [-config file] active | scheduled | workers
//	lpctl [-config file] cancel [-terminate] <task_id>
//	lpctl [-config file] purge <queue|all>
//	lpctl [-config file] retry-failed <queue>
//	lpctl [-config file] queue-length <queue>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/legalpipe/config"
	"github.com/mohans/legalpipe/monitor"
	"github.com/mohans/legalpipe/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to TOML config file")
	terminate := flag.Bool("terminate", false, "with cancel: kill a running execution")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	results := store.NewRedisResultStore(rdb, cfg.ResultTTL)
	mon := monitor.New(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, results, log)
	defer mon.Close()

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "status":
		requireArg(args, "task_id")
		emit(mon.Status(ctx, args[0]))
	case "active":
		emit(mon.Active(ctx))
	case "scheduled":
		emit(mon.Scheduled(ctx))
	case "workers":
		emit(mon.Workers(ctx))
	case "cancel":
		requireArg(args, "task_id")
		emit(mon.Cancel(ctx, args[0], *terminate))
	case "purge":
		requireArg(args, "queue")
		n, err := mon.Purge(ctx, args[0])
		if err != nil {
			fatal(err)
		}
		emit(map[string]any{"queue": args[0], "purged": n})
	case "retry-failed":
		requireArg(args, "queue")
		n, err := mon.RetryFailed(ctx, args[0])
		if err != nil {
			fatal(err)
		}
		emit(map[string]any{"queue": args[0], "retried": n})
	case "queue-length":
		requireArg(args, "queue")
		emit(map[string]any{"queue": args[0], "length": mon.QueueLength(ctx, args[0])})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func requireArg(args []string, name string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "missing argument: %s\n", name)
		os.Exit(2)
	}
}

func emit(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

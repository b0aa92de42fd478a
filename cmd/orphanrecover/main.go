// Command orphanrecover runs the job manager's startup orphan recovery
// scan once and exits, for deployments that run it as a separate pre-start
// step rather than inline in cmd/analysisd (e.g. a Kubernetes init
// container sharing the same database).
package main

import (
	"context"
	"log/slog"
	"os"

	"basegraph.app/analysisd/common/logger"
	"basegraph.app/analysisd/core/config"
	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/jobmanager"
	"basegraph.app/analysisd/internal/queue"
	"basegraph.app/analysisd/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()
	logger.Setup(cfg)

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Bootstrap(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to bootstrap database schema", "error", err)
		os.Exit(1)
	}

	stores := store.New(database)
	// No Resumer wired here: a recovered job is handed to the queue (or, if
	// no queue is configured, simply reset to pending/failed) and left for
	// the main analysisd process's worker to actually execute — this binary
	// only performs the recovery decision, matching the teacher's
	// separation between a recovery sweep and the long-running worker.
	manager := jobmanager.New(stores.Jobs, nil)
	if cfg.Queue.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream)
		defer producer.Close()
		manager.Queue = queue.JobEnqueuer{Producer: producer}
	}

	slog.InfoContext(ctx, "running orphan recovery scan")
	if err := manager.RecoverOrphans(ctx); err != nil {
		slog.ErrorContext(ctx, "orphan recovery failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "orphan recovery scan complete")
}

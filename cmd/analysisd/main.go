package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/common/logger"
	"basegraph.app/analysisd/common/otel"
	"basegraph.app/analysisd/core/config"
	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/chainrunner"
	"basegraph.app/analysisd/internal/contextbroker"
	"basegraph.app/analysisd/internal/http/handler"
	httprouter "basegraph.app/analysisd/internal/http/router"
	"basegraph.app/analysisd/internal/jobmanager"
	"basegraph.app/analysisd/internal/phaserunner"
	"basegraph.app/analysisd/internal/planner"
	"basegraph.app/analysisd/internal/presentasm"
	"basegraph.app/analysisd/internal/presentbridge"
	"basegraph.app/analysisd/internal/presenter"
	"basegraph.app/analysisd/internal/queue"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/sampler"
	"basegraph.app/analysisd/internal/store"
	"basegraph.app/analysisd/internal/workflowrunner"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg := config.Load()

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "analysisd starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

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
	slog.InfoContext(ctx, "database ready")

	catalogs, err := registry.Load(cfg.CatalogDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load capability catalogs", "error", err)
		os.Exit(1)
	}

	stores := store.New(database)

	engineRunner := llm.NewEngineRunner(cfg.AnthropicAPIKey)
	broker := contextbroker.New()

	chainRunner := &chainrunner.Runner{
		LLM:      engineRunner,
		Broker:   broker,
		Catalogs: catalogs,
		Outputs:  stores.PhaseOutputs,
	}
	phaseRunner := &phaserunner.Runner{
		Chain:              chainRunner,
		Catalogs:           catalogs,
		Documents:          stores.Documents,
		MaxWorkConcurrency: cfg.MaxWorkConcurrency,
	}
	workflowRunner := &workflowrunner.Runner{
		Phases:              phaseRunner,
		Jobs:                stores.Jobs,
		Outputs:             stores.PhaseOutputs,
		MaxPhaseConcurrency: cfg.MaxPhaseConcurrency,
	}
	plan := &planner.Planner{
		LLM:      engineRunner,
		Catalogs: catalogs,
		Sampler:  &sampler.Sampler{LLM: engineRunner, Catalogs: catalogs},
	}

	jobManager := jobmanager.New(stores.Jobs, nil)
	resumer := &handler.Resumer{
		Jobs:      stores.Jobs,
		Documents: stores.Documents,
		Outputs:   stores.PhaseOutputs,
		Broker:    broker,
		Planner:   plan,
		Workflow:  workflowRunner,
		Manager:   jobManager,
	}
	jobManager.Resumer = resumer

	var redisClient *redis.Client
	if cfg.Queue.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

		producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream)
		defer producer.Close()
		jobManager.Queue = queue.JobEnqueuer{Producer: producer}

		consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
			Stream:      cfg.Queue.Stream,
			Group:       cfg.Queue.Group,
			Consumer:    cfg.Queue.Consumer,
			DLQStream:   cfg.Queue.DLQStream,
			BatchSize:   10,
			Block:       5 * time.Second,
			MaxAttempts: 5,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to start resume queue consumer", "error", err)
			os.Exit(1)
		}
		go runResumeWorker(ctx, consumer, stores.Jobs, resumer)
	} else {
		slog.InfoContext(ctx, "no redis url configured, resume handoff runs in-process")
	}

	bridge := &presentbridge.Bridge{
		Catalogs: catalogs,
		Outputs:  stores.PhaseOutputs,
		Cache:    stores.Presentation,
		LLM:      engineRunner,
	}
	assembler := &presentasm.Assembler{
		Catalogs:    catalogs,
		Outputs:     stores.PhaseOutputs,
		Cache:       stores.Presentation,
		Refinements: stores.ViewRefine,
		LLM:         engineRunner,
	}
	polisher := &presenter.Polisher{
		LLM:   engineRunner,
		Cache: stores.Polish,
	}

	handlers := &httprouter.Handlers{
		Jobs: &handler.JobHandler{
			Manager: jobManager,
			Jobs:    stores.Jobs,
			Outputs: stores.PhaseOutputs,
		},
		Documents: &handler.DocumentHandler{Documents: stores.Documents},
		Presenter: &handler.PresenterHandler{
			Jobs:      stores.Jobs,
			Bridge:    bridge,
			Assembler: assembler,
			Polisher:  polisher,
		},
		Orchestrator: &handler.OrchestratorHandler{
			Planner: plan,
			Manager: jobManager,
			Jobs:    stores.Jobs,
		},
	}

	slog.InfoContext(ctx, "recovering orphaned jobs from a prior run")
	if err := jobManager.RecoverOrphans(ctx); err != nil {
		slog.ErrorContext(ctx, "orphan recovery failed", "error", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	httprouter.SetupRoutes(router, handlers)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

// runResumeWorker drains the resume-handoff stream, driving each message's
// job through resumer and then ack'ing it; a message whose job cannot be
// loaded is sent to the DLQ. Messages are never requeued here.
func runResumeWorker(ctx context.Context, consumer *queue.RedisConsumer, jobs *store.JobStore, resumer jobmanager.Resumer) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := consumer.Read(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "resume queue read error", "error", err)
			continue
		}
		for _, msg := range msgs {
			job, err := jobs.Get(ctx, msg.JobID)
			if err != nil {
				slog.ErrorContext(ctx, "resume queue: job lookup failed", "job_id", msg.JobID, "error", err)
				if err := consumer.SendDLQ(ctx, msg, err.Error()); err != nil {
					slog.ErrorContext(ctx, "resume queue: failed to send to dlq", "job_id", msg.JobID, "error", err)
				}
				continue
			}
			resumer.Resume(ctx, job, msg.TaskType == queue.TaskTypeJobResume)
			if err := consumer.Ack(ctx, msg); err != nil {
				slog.ErrorContext(ctx, "resume queue: ack failed", "job_id", msg.JobID, "error", err)
			}
		}
	}
}

const banner = `
 █████╗ ███╗   ██╗ █████╗ ██╗  ██╗   ██╗███████╗██╗███████╗██████╗ ██████╗
██╔══██╗████╗  ██║██╔══██╗██║  ╚██╗ ██╔╝██╔════╝██║██╔════╝██╔══██╗██╔══██╗
███████║██╔██╗ ██║███████║██║   ╚████╔╝ ███████╗██║███████╗██║  ██║██║  ██║
██╔══██║██║╚██╗██║██╔══██║██║    ╚██╔╝  ╚════██║██║╚════██║██║  ██║██║  ██║
██║  ██║██║ ╚████║██║  ██║███████╗██║   ███████║██║███████║██████╔╝██████╔╝
╚═╝  ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝╚══════╝╚═╝   ╚══════╝╚═╝╚══════╝╚═════╝ ╚═════╝
`

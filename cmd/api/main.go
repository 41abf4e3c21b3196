// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/channel"
	"github.com/capitalize-ai/concord/internal/classifier"
	"github.com/capitalize-ai/concord/internal/config"
	"github.com/capitalize-ai/concord/internal/dispatcher"
	"github.com/capitalize-ai/concord/internal/eventlog"
	"github.com/capitalize-ai/concord/internal/handler"
	"github.com/capitalize-ai/concord/internal/idempotency"
	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/middleware"
	natsclient "github.com/capitalize-ai/concord/internal/nats"
	"github.com/capitalize-ai/concord/internal/service"
	"github.com/capitalize-ai/concord/internal/store"
	"github.com/capitalize-ai/concord/internal/workflow"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	defer logger.SetGlobal(log)()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "concord", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// System of record
	db, err := store.Open(ctx, store.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	readiness := map[string]handler.Pinger{"database": db}

	// Idempotency tiers: redis when configured, otherwise process-local.
	var (
		cache  idempotency.Cache
		locker idempotency.Locker
	)
	if cfg.RedisURL != "" {
		rdb, err := idempotency.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		cache = idempotency.NewRedisCache(rdb)
		locker = idempotency.NewRedisLocker(rdb)
		readiness["redis"] = redisPinger{rdb}
	} else {
		log.Warn("REDIS_URL not set, idempotency cache and locks are process-local")
		cache = idempotency.NewMemoryCache()
		locker = idempotency.NewMemoryLocker()
	}
	guard, err := idempotency.NewGuard(db, cache, locker, idempotency.Config{
		CacheTTL: cfg.IdempotencyCacheTTL,
		LockTTL:  cfg.IdempotencyLockTTL,
	}, log)
	if err != nil {
		log.Fatal("failed to create idempotency guard", zap.Error(err))
	}

	// Connect to NATS
	var (
		streamManager *natsclient.StreamManager
		mirror        eventlog.Mirror
		replier       adapter.Replier
		notifier      workflow.Notifier = workflow.NopNotifier{}
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		// Ensure JetStream stream exists
		streamManager = natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		mirror = streamManager
		replier = streamManager
		notifier = workflow.NewStreamNotifier(streamManager)
		readiness["nats"] = natsClient
	}

	// Model access, audited through the interceptor
	providers := map[llm.Provider]llm.Client{}
	if cfg.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic client", zap.Error(err))
		} else {
			providers[llm.ProviderAnthropic] = c
		}
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI client", zap.Error(err))
		} else {
			providers[llm.ProviderOpenAI] = c
		}
	}
	var modelClient llm.Client
	if router := llm.NewRouter(llm.Provider(cfg.DefaultLLM), providers); !router.Empty() {
		modelClient = router
	} else {
		log.Warn("no model provider configured, classification falls back to manual review")
	}
	interceptor := llm.NewInterceptor(modelClient, db, llm.InterceptorConfig{
		DefaultModel:  llm.DefaultModel(llm.Provider(cfg.DefaultLLM)),
		Timeout:       cfg.ModelTimeout,
		RecordTimeout: cfg.ModelRecordTimeout,
	}, log)

	routes := dispatcher.NewRouter(cfg.IntentRoutes, cfg.IntentConfidenceThreshold, workflow.TypeManualReview)
	var intents classifier.Classifier = classifier.Static{Err: llm.ErrNoClient}
	if modelClient != nil {
		labels := make([]string, 0, len(cfg.IntentRoutes))
		for label := range cfg.IntentRoutes {
			labels = append(labels, label)
		}
		intents = classifier.New(interceptor, cfg.ClassifierModel, labels, log)
	}

	// Channels and workflows
	adapters := adapter.Default(adapter.Options{Replier: replier, Logger: log})
	events := eventlog.New(db, mirror, log)

	pool := workflow.NewPool(cfg.WorkflowWorkers)
	orchestrator := workflow.New(db, workflow.NewRegistry(workflow.Builtins(workflow.Deps{
		Model:             interceptor,
		ExtractionModel:   cfg.ExtractionModel,
		PriceList:         cfg.PriceList,
		Currency:          cfg.Currency,
		ApprovalThreshold: cfg.ApprovalThreshold,
		ApprovalTimeout:   cfg.ApprovalTimeout,
		Notifier:          notifier,
		Responder:         adapters,
	})...), workflow.Config{
		MaxAttempts:    cfg.StepMaxAttempts,
		BackoffInitial: cfg.StepBackoffInitial,
		BackoffMax:     cfg.StepBackoffMax,
		SignalTimeout:  cfg.ApprovalTimeout,
		TimeoutPolicy:  workflow.ParsePolicy(cfg.TimeoutPolicy),
		RearmAfter:     cfg.TimeoutRearmAfter,
		MaxRearms:      cfg.MaxRearms,
	}, workflow.Options{
		Scheduler: pool,
		Notifier:  notifier,
		Outcomes:  db,
		Responder: adapters,
		Logger:    log,
	})
	if n, err := orchestrator.Recover(ctx); err != nil {
		log.Error("failed to recover workflows", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered interrupted workflows", zap.Int("count", n))
	}

	deps := dispatcher.Deps{
		Adapters:   adapters,
		Guard:      guard,
		Log:        events,
		Outcomes:   db,
		Classifier: intents,
		Router:     routes,
		Workflows:  orchestrator,
		Logger:     log,
	}
	if modelClient != nil {
		deps.Chat = service.NewChatService(interceptor, db, cfg.ChatModel, log)
	}
	dispatch, err := dispatcher.New(deps)
	if err != nil {
		log.Fatal("failed to create dispatcher", zap.Error(err))
	}

	// Long-running channel tasks
	jobs := append(channel.ScheduleJobs(cfg.Schedules, dispatch.Ingest, log),
		channel.DeadlineJob(cfg.DeadlineScanSchedule, orchestrator, log))
	tasks := []channel.Task{channel.NewCronTask("cron", log, jobs...)}
	if streamManager != nil {
		tasks = append(tasks, channel.NewIngestTask(streamManager, dispatch.Ingest, cfg.IngestConcurrency, log))
	}
	supervisor := channel.NewSupervisor(log, tasks...)

	taskCtx, stopTasks := context.WithCancel(ctx)
	tasksDone := make(chan struct{})
	go func() {
		defer close(tasksDone)
		if err := supervisor.Run(taskCtx); err != nil {
			log.Error("channel tasks stopped", zap.Error(err))
		}
	}()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(readiness, supervisor)
	eventHandler := handler.NewEventHandler(dispatch, db, log)
	approvalHandler := handler.NewApprovalHandler(dispatch, log)
	workflowHandler := handler.NewWorkflowHandler(orchestrator, log)
	usageHandler := handler.NewUsageHandler(db)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeEventsWrite))
			r.Use(middleware.MaxBody(cfg.MaxBodyBytes))
			r.Post("/events", eventHandler.Submit)
			r.Post("/channels/{channel}/events", eventHandler.SubmitChannel)
		})

		r.With(middleware.RequireScope(middleware.ScopeApprovalsWrite), middleware.MaxBody(cfg.MaxBodyBytes)).
			Post("/approvals", approvalHandler.Submit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeWorkflowsRead))
			r.Get("/events/{id}/outcome", eventHandler.Outcome)
			r.Get("/workflows/{id}", workflowHandler.Get)
			if streamManager != nil {
				r.Get("/events/stream", handler.NewStreamHandler(streamManager, log).Stream)
			}
		})

		r.With(middleware.RequireScope(middleware.ScopeWorkflowsAdmin)).
			Post("/workflows/{id}/cancel", workflowHandler.Cancel)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeUsageRead))
			r.Get("/usage", usageHandler.Counters)
			r.Get("/usage/calls", usageHandler.Calls)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	stopTasks()
	<-tasksDone
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("workflow executions interrupted", zap.Error(err))
	}

	log.Info("server stopped")
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

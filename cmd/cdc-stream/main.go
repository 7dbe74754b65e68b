// CDC stream processor binary.
//
// Watches MongoDB change streams for every enabled job in the job
// registry and writes each flushed batch to a sink, checkpointing resume
// tokens and evolving the destination schema as source documents drift.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.lakestream.dev/cdc/internal/adminapi"
	"go.lakestream.dev/cdc/internal/cdcstream"
	"go.lakestream.dev/cdc/internal/checkpoint"
	"go.lakestream.dev/cdc/internal/common/health"
	cdcmongo "go.lakestream.dev/cdc/internal/common/mongo"
	"go.lakestream.dev/cdc/internal/common/secrets"
	"go.lakestream.dev/cdc/internal/config"
	"go.lakestream.dev/cdc/internal/jobregistry"
	"go.lakestream.dev/cdc/internal/notifier"
	"go.lakestream.dev/cdc/internal/queue"
	natsqueue "go.lakestream.dev/cdc/internal/queue/nats"
	"go.lakestream.dev/cdc/internal/queue/sqs"
	"go.lakestream.dev/cdc/internal/schemaeval"
	"go.lakestream.dev/cdc/internal/schemaregistry"
	"go.lakestream.dev/cdc/internal/supervisor"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("CDC_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting cdc stream processor", "version", version, "build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	secretsProvider, err := secrets.NewProvider(nil)
	if err != nil {
		slog.Error("failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	cfg.MongoDB.URI = resolveSecret(ctx, secretsProvider, "mongodb-uri", cfg.MongoDB.URI)
	cfg.Postgres.DSN = resolveSecret(ctx, secretsProvider, "postgres-dsn", cfg.Postgres.DSN)

	healthChecker := health.NewChecker()

	slog.Info("connecting to mongodb", "uri", maskURI(cfg.MongoDB.URI))
	mongoClient, err := cdcmongo.Connect(ctx, cfg.MongoDB)
	if err != nil {
		slog.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			slog.Error("error disconnecting from mongodb", "error", err)
		}
	}()
	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoClient.Ping(ctx)
	}))

	slog.Info("connecting to postgres")
	pg, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		slog.Error("failed to open postgres connection", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	if err := pg.PingContext(ctx); err != nil {
		slog.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(func() health.Check {
		if err := pg.PingContext(ctx); err != nil {
			return health.Check{Name: "Postgres", Status: health.StatusDown, Data: map[string]interface{}{"error": err.Error()}}
		}
		return health.Check{Name: "Postgres", Status: health.StatusUp}
	})

	checkpointStore, err := checkpoint.NewPostgresStore(ctx, pg)
	if err != nil {
		slog.Error("failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}
	defer checkpointStore.Close()

	schemaRegistry, err := schemaregistry.NewPostgresRegistry(ctx, pg)
	if err != nil {
		slog.Error("failed to initialize schema registry", "error", err)
		os.Exit(1)
	}
	defer schemaRegistry.Close()

	jobRegistry, err := jobregistry.NewPostgresRegistry(ctx, pg)
	if err != nil {
		slog.Error("failed to initialize job registry", "error", err)
		os.Exit(1)
	}
	defer jobRegistry.Close()

	evaluator := schemaeval.NewEvaluator()

	var jobNotifier cdcstream.Notifier
	if publisher, err := newQueuePublisher(cfg); err != nil {
		slog.Warn("breaking-schema-change alerts disabled: failed to set up queue publisher", "error", err)
	} else if publisher != nil {
		jobNotifier = notifier.New(publisher, cfg.Queue.Type)
	}

	sinkFactory := func(jobCfg jobregistry.JobConfig) cdcstream.Sink {
		return func(_ context.Context, batch []cdcstream.ChangeEvent) error {
			slog.Debug("sink received batch", "job_id", jobCfg.JobID, "table", jobCfg.SinkTable, "size", len(batch))
			return nil
		}
	}

	supervisorCfg := supervisor.DefaultConfig()
	supervisorCfg.CleanupInterval = cfg.Supervisor.CleanupInterval
	supervisorCfg.LeaderElection = supervisor.LeaderElectionConfig{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	leaderDB := mongoClient.Database()
	sup := supervisor.New(mongoClient.Raw(), leaderDB, jobRegistry, checkpointStore, schemaRegistry, evaluator, jobNotifier, sinkFactory, supervisorCfg)

	startEnabledJobs(ctx, sup, jobRegistry)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	router.Get("/healthz", healthChecker.HandleLive)
	router.Get("/readyz", healthChecker.HandleReady)
	router.Handle("/metrics", promhttp.Handler())

	adminapi.Mount(router, adminapi.Deps{
		Jobs:        jobRegistry,
		Checkpoints: checkpointStore,
		Supervisor:  sup,
		JWTIssuer:   cfg.JWT.Issuer,
		JWTSecret:   []byte(os.Getenv("JWT_SIGNING_KEY")),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("admin http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server failed", "error", err)
		}
	}()

	if err := sup.Run(); err != nil {
		slog.Error("supervisor exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http server forced to shutdown", "error", err)
	}

	slog.Info("cdc stream processor stopped")
}

// startEnabledJobs starts every enabled job at boot, mirroring a
// supervisor process that resumes whatever was running before restart.
func startEnabledJobs(ctx context.Context, sup *supervisor.Supervisor, jobs jobregistry.Registry) {
	configs, err := jobs.ListJobs(ctx, "")
	if err != nil {
		slog.Error("failed to list jobs at startup", "error", err)
		return
	}
	for _, jobCfg := range configs {
		if !jobCfg.Enabled {
			continue
		}
		if _, err := sup.StartStreamJob(ctx, jobCfg.JobID, "startup"); err != nil {
			slog.Error("failed to start job at startup", "job_id", jobCfg.JobID, "error", err)
		}
	}
}

// newQueuePublisher builds the queue.Publisher backing alert notifications,
// chosen by cfg.Queue.Type. A nil, nil return means alerting stays disabled
// (the "embedded" dev default has no external subscriber to notify).
func newQueuePublisher(cfg *config.Config) (queue.Publisher, error) {
	switch cfg.Queue.Type {
	case "nats":
		client, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   "CDC_ALERTS",
			ConsumerName: "cdc-stream",
			Subjects:     []string{"cdc.alerts.>"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return client.Publisher(), nil
	case "sqs":
		client, err := sqs.NewClient(context.Background(), &queue.SQSConfig{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to sqs: %w", err)
		}
		return client.Publisher(), nil
	default:
		return nil, nil
	}
}

// resolveSecret overrides a config value from the secrets provider when key
// is present there, leaving fallback (the value loaded from TOML/env) in
// place otherwise. Lets an operator keep connection strings out of the
// config file entirely without changing how config.Load works.
func resolveSecret(ctx context.Context, provider secrets.Provider, key, fallback string) string {
	value, err := provider.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, secrets.ErrSecretNotFound) {
			slog.Warn("secrets provider lookup failed, using configured value", "key", key, "error", err)
		}
		return fallback
	}
	return value
}

func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}

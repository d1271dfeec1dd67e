package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/datasentry/internal/api"
	"github.com/ahrav/datasentry/internal/app/aggregation"
	"github.com/ahrav/datasentry/internal/app/autoscaling"
	"github.com/ahrav/datasentry/internal/app/orchestration"
	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/config/fileloader"
	k8sdriver "github.com/ahrav/datasentry/internal/infra/cluster/kubernetes"
	"github.com/ahrav/datasentry/internal/infra/eventbus/kafka"
	"github.com/ahrav/datasentry/internal/infra/objstore/s3"
	queuestore "github.com/ahrav/datasentry/internal/infra/queue/postgres"
	scanningStore "github.com/ahrav/datasentry/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/datasentry/pkg/common"
	"github.com/ahrav/datasentry/pkg/common/logger"
	"github.com/ahrav/datasentry/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/datasentry/config.yaml"
	}
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err, "path", configPath)
		os.Exit(1)
	}

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		prob = 1
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/healthz": {},
			"/readyz":  {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	pool, err := openPool(ctx, cfg.Postgres)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = svcName
	}
	publisher, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:           cfg.Kafka.Brokers,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		ItemFailureTopic:  cfg.Kafka.ItemFailureTopic,
		ClientID:          cfg.Kafka.ClientID,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	var limiter *common.RateLimiter
	if cfg.S3.FetchRateLimit > 0 {
		limiter = common.NewRateLimiter(cfg.S3.FetchRateLimit, int(cfg.S3.FetchRateLimit))
	}
	objStore, err := s3.NewStore(ctx, cfg.S3.Region, limiter, tracer)
	if err != nil {
		log.Error(ctx, "failed to create object store client", "error", err)
		os.Exit(1)
	}

	jobRepo := scanningStore.NewJobStore(pool, tracer)
	itemRepo := scanningStore.NewWorkItemStore(pool, tracer)
	findingRepo := scanningStore.NewFindingStore(pool, tracer)
	cacheRepo := scanningStore.NewStatusCacheStore(pool, tracer)
	workQueue := queuestore.NewWorkQueue(pool, queuestore.Config{
		VisibilityTimeout:   cfg.Queue.VisibilityTimeout,
		MaxDeliveryAttempts: cfg.Queue.MaxDeliveryAttempts,
		PollInterval:        cfg.Queue.PollInterval,
	}, log, tracer)

	orchestrator := orchestration.NewOrchestrator(
		jobRepo, itemRepo, workQueue, objStore, publisher, cfg.Orchestrator, log, tracer)
	statusService := aggregation.NewStatusService(jobRepo, itemRepo, cacheRepo, log, tracer)

	// Pick up listing runs a previous process left stranded mid-collection.
	go func() {
		if err := orchestrator.ResumeListing(ctx); err != nil && ctx.Err() == nil {
			log.Error(ctx, "failed to resume interrupted listings", "error", err)
		}
	}()

	refresher := aggregation.NewRefresher(
		jobRepo, cacheRepo, publisher, cfg.Aggregator.RefreshSchedule, log, tracer)
	if err := refresher.Start(ctx); err != nil {
		log.Error(ctx, "failed to start status refresher", "error", err)
		os.Exit(1)
	}
	defer refresher.Stop()

	// The autoscaler only runs when a worker deployment is configured, so
	// local setups without a cluster still work.
	if cfg.Autoscaler.Deployment != "" {
		scaler, err := k8sdriver.NewScaler(&k8sdriver.Config{
			Namespace:  cfg.Autoscaler.Namespace,
			Deployment: cfg.Autoscaler.Deployment,
		})
		if err != nil {
			log.Error(ctx, "failed to create worker scaler", "error", err)
			os.Exit(1)
		}
		supervisor := autoscaling.NewSupervisor(workQueue, scaler, cfg.Autoscaler, log, tracer)
		go func() {
			if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error(ctx, "autoscaler stopped", "error", err)
			}
		}()
	}

	apiServer := api.NewServer(orchestrator, statusService, findingRepo, workQueue, log)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, apiPort(cfg.API))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "API server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ready.Store(true)
	log.Info(ctx, "Orchestrator initialized")

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownTimeout := cfg.API.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Failed to shut down API server", "error", err)
		}
	case err := <-errCh:
		log.Error(ctx, "API server error", "error", err)
		os.Exit(1)
	}
}

func apiPort(cfg config.APIConfig) int {
	if cfg.Port > 0 {
		return cfg.Port
	}
	return 8080
}

func openPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// runMigrations uses golang-migrate to apply all up migrations from "db/migrations".
// It acquires a single pgx connection from the pool, runs migrations, and then
// releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file:///app/db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

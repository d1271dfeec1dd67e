package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	appscanning "github.com/ahrav/datasentry/internal/app/scanning"
	"github.com/ahrav/datasentry/internal/config"
	"github.com/ahrav/datasentry/internal/config/fileloader"
	"github.com/ahrav/datasentry/internal/detection"
	"github.com/ahrav/datasentry/internal/infra/eventbus/kafka"
	"github.com/ahrav/datasentry/internal/infra/objstore/s3"
	queuestore "github.com/ahrav/datasentry/internal/infra/queue/postgres"
	scanningStore "github.com/ahrav/datasentry/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/datasentry/pkg/common"
	"github.com/ahrav/datasentry/pkg/common/logger"
	"github.com/ahrav/datasentry/pkg/common/otel"
)

const serviceType = "worker"

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

	svcName := fmt.Sprintf("WORKER-%s", hostname)
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
		Probability:      prob,
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

	engine, err := detection.NewDefaultEngine(cfg.Worker.DetectCredentials)
	if err != nil {
		log.Error(ctx, "failed to build detection engine", "error", err)
		os.Exit(1)
	}

	itemRepo := scanningStore.NewWorkItemStore(pool, tracer)
	findingRepo := scanningStore.NewFindingStore(pool, tracer)
	workQueue := queuestore.NewWorkQueue(pool, queuestore.Config{
		VisibilityTimeout:   cfg.Queue.VisibilityTimeout,
		MaxDeliveryAttempts: cfg.Queue.MaxDeliveryAttempts,
		PollInterval:        cfg.Queue.PollInterval,
	}, log, tracer)

	worker := appscanning.NewWorker(
		workQueue, itemRepo, findingRepo, objStore, engine, publisher, cfg.Worker, log, tracer)

	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()
		// In-flight items finish via visibility timeout redelivery if the
		// process exits before they ack.
		time.Sleep(time.Second)
	case err := <-errCh:
		log.Error(ctx, "Worker error", "error", err)
		os.Exit(1)
	}
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
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

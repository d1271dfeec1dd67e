// Package config defines the typed configuration for the orchestrator and
// worker processes.
package config

import "time"

// PostgresConfig holds connection settings for the metadata database, which
// also backs the work queue.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// KafkaConfig holds settings for the lifecycle event publisher.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	JobLifecycleTopic string   `yaml:"job_lifecycle_topic"`
	ItemFailureTopic  string   `yaml:"item_failure_topic"`
	ClientID          string   `yaml:"client_id,omitempty"`
}

// QueueConfig tunes the work queue's delivery behavior.
type QueueConfig struct {
	// VisibilityTimeout is how long a received message stays invisible
	// before it becomes eligible for redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`

	// MaxDeliveryAttempts is the delivery count after which a message is
	// moved to the dead-letter table instead of being redelivered.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts,omitempty"`

	// PollInterval is how often Receive re-checks for ready messages while
	// long-polling.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// S3Config identifies the object store to enumerate and fetch from.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`

	// FetchRateLimit caps object fetches per second. Zero disables limiting.
	FetchRateLimit float64 `yaml:"fetch_rate_limit,omitempty"`
}

// OrchestratorConfig tunes the listing loop.
type OrchestratorConfig struct {
	// PageSize is the maximum number of objects requested per listing step.
	PageSize int `yaml:"page_size,omitempty"`

	// PublishConcurrency is the fan-out width for enqueueing a listed page.
	PublishConcurrency int `yaml:"publish_concurrency,omitempty"`

	// MaxStepRetries bounds retries of a single listing step before the job
	// is failed.
	MaxStepRetries int `yaml:"max_step_retries,omitempty"`
}

// WorkerConfig tunes the item processing loop.
type WorkerConfig struct {
	// BatchSize is the maximum number of messages pulled per receive.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Concurrency is the number of items processed in parallel per batch.
	Concurrency int `yaml:"concurrency,omitempty"`

	// ReceiveWait bounds how long a receive blocks waiting for messages.
	ReceiveWait time.Duration `yaml:"receive_wait,omitempty"`

	// Filter restricts which listed objects are actually scanned.
	Filter FilterConfig `yaml:"filter,omitempty"`

	// DetectCredentials enables the credential ruleset in addition to the
	// built-in PII detectors.
	DetectCredentials bool `yaml:"detect_credentials,omitempty"`
}

// FilterConfig restricts which objects are scanned. Objects rejected by the
// filter are acknowledged without fetching.
type FilterConfig struct {
	// Extensions is an allow-list of lowercase file extensions including the
	// dot, e.g. ".txt". Empty means all extensions are scanned.
	Extensions []string `yaml:"extensions,omitempty"`

	// MaxSizeBytes skips objects larger than this. Zero means no limit.
	MaxSizeBytes int64 `yaml:"max_size_bytes,omitempty"`
}

// AutoscalerConfig tunes the worker fleet supervisor.
type AutoscalerConfig struct {
	Namespace  string `yaml:"namespace"`
	Deployment string `yaml:"deployment"`

	MinReplicas int `yaml:"min_replicas,omitempty"`
	MaxReplicas int `yaml:"max_replicas,omitempty"`

	// TargetPerWorker is the queue depth one worker is expected to absorb.
	TargetPerWorker int `yaml:"target_per_worker,omitempty"`

	// Interval is how often queue depth is evaluated.
	Interval time.Duration `yaml:"interval,omitempty"`

	// ScaleInCooldown is the minimum time between scale-in operations.
	// Scale-out is never delayed.
	ScaleInCooldown time.Duration `yaml:"scale_in_cooldown,omitempty"`
}

// AggregatorConfig tunes the status cache refresher.
type AggregatorConfig struct {
	// RefreshSchedule is a cron expression controlling cache refresh runs.
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`
}

// APIConfig holds the HTTP listen settings.
type APIConfig struct {
	Host            string        `yaml:"host,omitempty"`
	Port            int           `yaml:"port,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// Config is the top-level configuration shared by all processes. Each
// process reads only the sections it needs.
type Config struct {
	Postgres     PostgresConfig     `yaml:"postgres"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Queue        QueueConfig        `yaml:"queue,omitempty"`
	S3           S3Config           `yaml:"s3"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Worker       WorkerConfig       `yaml:"worker,omitempty"`
	Autoscaler   AutoscalerConfig   `yaml:"autoscaler,omitempty"`
	Aggregator   AggregatorConfig   `yaml:"aggregator,omitempty"`
	API          APIConfig          `yaml:"api,omitempty"`
}

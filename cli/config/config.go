package config

import (
	"fmt"
	"time"
)

// Config represents a pipeline.yaml configuration file. All values act as
// defaults for worker/CLI flags; CLI flags always override config values.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Cache     CacheConfig     `yaml:"cache"`
	ObjStore  ObjStoreConfig  `yaml:"objstore"`
	AI        AIConfig        `yaml:"ai"`
	Admission AdmissionConfig `yaml:"admission"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// StoreConfig holds Postgres connection defaults.
type StoreConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxConns        int      `yaml:"max_conns"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
	MigrationsDir   string   `yaml:"migrations_dir"`
}

// QueueConfig holds Redis Streams defaults for the durable job queue.
type QueueConfig struct {
	Addr              string   `yaml:"addr"`
	DB                int      `yaml:"db"`
	ConsumerGroup     string   `yaml:"consumer_group"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	ClaimInterval     Duration `yaml:"claim_interval"`
	StreamMaxLen      int64    `yaml:"stream_max_len"`
}

// CacheConfig holds Redis blob cache defaults.
type CacheConfig struct {
	Addr string   `yaml:"addr"`
	DB   int      `yaml:"db"`
	TTL  Duration `yaml:"ttl"`
}

// ObjStoreConfig holds the backing store for uploads/outputs.
type ObjStoreConfig struct {
	Backend     string `yaml:"backend"` // "fs" or "s3"
	Path        string `yaml:"path"`    // fs root, or s3 bucket/prefix
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AIConfig holds defaults for the AI vision/language client.
type AIConfig struct {
	BaseURL             string   `yaml:"base_url"`
	DefaultCredential    string   `yaml:"default_credential"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	BreakerMaxRequests  uint32   `yaml:"breaker_max_requests"`
	BreakerInterval     Duration `yaml:"breaker_interval"`
	BreakerTimeout      Duration `yaml:"breaker_timeout"`
	BreakerFailureRatio float64  `yaml:"breaker_failure_ratio"`
}

// AdmissionConfig holds defaults for the admission controller.
type AdmissionConfig struct {
	MaxFilesPerRun     int `yaml:"max_files_per_run"`
	BatchSplitSize     int `yaml:"batch_split_size"`
	DefaultTenantQuota int `yaml:"default_tenant_quota"`
}

// WorkerConfig holds defaults for the stage runner worker loop.
type WorkerConfig struct {
	Concurrency   int      `yaml:"concurrency"`
	PollInterval  Duration `yaml:"poll_interval"`
	CoordinatorPollInterval Duration `yaml:"coordinator_poll_interval"`
}

// EngineConfig holds paths to the external subprocess binaries the extract
// and similarity stages shell out to. Neither binary is implemented by this
// repository (spec.md's PDF rasterizer/cropper and ML similarity engine are
// both out of scope); these are only the paths used to invoke them.
type EngineConfig struct {
	PDFEngineBinaryPath  string   `yaml:"pdf_engine_binary_path"`
	SimilarityBinaryPath string   `yaml:"similarity_binary_path"`
	SimilarityTimeout    Duration `yaml:"similarity_timeout"`
}

// NotifyConfig configures the optional run-completion notification adapter.
// Backend is "" (disabled), "redis", or "webhook"; at most one is active.
type NotifyConfig struct {
	Backend string            `yaml:"backend"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
	Retries int               `yaml:"retries"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

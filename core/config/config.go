package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration, loaded from environment
// variables with sane development defaults.
type Config struct {
	// Env is the environment name (development, staging, production).
	Env string

	// Port is the HTTP server port.
	Port string

	// DB holds persistence-layer configuration (backend selection + pool sizing).
	DB DBConfig

	// AnthropicAPIKey gates every LLM-consuming component (spec: "Environment
	// inputs"). When empty, LLM-consuming endpoints must return service-unavailable.
	AnthropicAPIKey string

	// OpenAIAPIKey is read from OPENAI_API_KEY but not consumed: the
	// presentation bridge and the sampler both call through the Anthropic
	// engine runner.
	OpenAIAPIKey string

	// CatalogDir is the on-disk root the registries load from at startup.
	CatalogDir string

	// MaxPhaseConcurrency bounds concurrent phases within a dependency group (default 2).
	MaxPhaseConcurrency int

	// MaxWorkConcurrency bounds concurrent per-work units within a phase (default 3).
	MaxWorkConcurrency int

	// JobMaxRuntimeSeconds is read from JOB_MAX_RUNTIME_SECONDS (default 3h)
	// but not consumed: the job manager's stale-job detection uses its own
	// StaleRunCap constant.
	JobMaxRuntimeSeconds int

	// OrphanGracePeriodSeconds is read from ORPHAN_GRACE_PERIOD_SECONDS
	// (default 5m) but not consumed: orphan recovery uses the job manager's
	// own OrphanGracePeriod constant.
	OrphanGracePeriodSeconds int

	OTel  OTelConfig
	Queue QueueConfig
}

// QueueConfig points at the Redis stream used for the resume/recovery
// handoff. RedisURL empty means the handoff runs in-process instead.
type QueueConfig struct {
	RedisURL  string
	Stream    string
	Group     string
	Consumer  string
	DLQStream string
}

// OTelConfig controls optional OTLP export. Telemetry is a no-op unless an
// endpoint is configured, so local development never needs a collector running.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
	Insecure       bool
}

// Enabled reports whether an OTLP endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// DBConfig selects and sizes the persistence backend. A DSN prefix of
// "postgres://" or "postgresql://" selects the shared backend; anything else
// (including "sqlite://" or a bare file path) selects the embedded backend.
type DBConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Backend identifies which persistence driver a DSN resolves to.
type Backend int

const (
	BackendEmbedded Backend = iota
	BackendShared
)

func (c DBConfig) Backend() Backend {
	if strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://") {
		return BackendShared
	}
	return BackendEmbedded
}

// Load loads configuration from environment variables.
func Load() Config {
	return Config{
		Env:  getEnv("ANALYSISD_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		DB: DBConfig{
			DSN:      getEnv("DATABASE_URL", "sqlite://./analysisd.db"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 5)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 1)),
		},
		AnthropicAPIKey:          os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:             os.Getenv("OPENAI_API_KEY"),
		CatalogDir:               getEnv("CATALOG_DIR", "./catalog"),
		MaxPhaseConcurrency:      getEnvInt("MAX_PHASE_CONCURRENCY", 2),
		MaxWorkConcurrency:       getEnvInt("MAX_WORK_CONCURRENCY", 3),
		JobMaxRuntimeSeconds:     getEnvInt("JOB_MAX_RUNTIME_SECONDS", 3*60*60),
		OrphanGracePeriodSeconds: getEnvInt("ORPHAN_GRACE_PERIOD_SECONDS", 5*60),
		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "analysisd"),
			ServiceVersion: getEnv("ANALYSISD_VERSION", "dev"),
			Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Headers:        os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
			Insecure:       getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
		Queue: QueueConfig{
			RedisURL:  os.Getenv("REDIS_URL"),
			Stream:    getEnv("QUEUE_STREAM", "analysisd:resume"),
			Group:     getEnv("QUEUE_GROUP", "analysisd-workers"),
			Consumer:  getEnv("QUEUE_CONSUMER", "analysisd-1"),
			DLQStream: getEnv("QUEUE_DLQ_STREAM", "analysisd:resume:dlq"),
		},
	}
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

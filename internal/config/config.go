package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Publisher backends
const (
	PublisherR2   = "r2"
	PublisherNATS = "nats"
	PublisherNone = "none"
)

// Config holds all configuration for the music generation service
type Config struct {
	// Server configuration
	Port        string `envconfig:"PORT" default:"8080"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"musicgen"`

	// Inference sidecar hosting the model weights on the GPU
	InferenceURL  string `envconfig:"INFERENCE_URL" default:"http://localhost:8000"`
	ModelCacheDir string `envconfig:"MODEL_CACHE_DIR" default:"/models/musicgen"`

	// Timeouts are in seconds. MaxResidentModels bounds how many variants
	// stay loaded; GenerationConcurrency bounds parallel calls per model.
	ModelLoadTimeout      int `envconfig:"MODEL_LOAD_TIMEOUT" default:"600"`
	MaxResidentModels     int `envconfig:"MAX_RESIDENT_MODELS" default:"3"`
	GenerationTimeout     int `envconfig:"GENERATION_TIMEOUT" default:"600"`
	GenerationConcurrency int `envconfig:"GENERATION_CONCURRENCY" default:"1"`

	// Request limits
	MaxPromptLength  int     `envconfig:"MAX_PROMPT_LENGTH" default:"500"`
	MaxDuration      float64 `envconfig:"MAX_DURATION_SECONDS" default:"30"`
	DefaultModelSize string  `envconfig:"DEFAULT_MODEL_SIZE" default:"small"`
	MaxRequestBytes  int64   `envconfig:"MAX_REQUEST_BYTES" default:"65536"`

	// Artifact publishing
	PublisherBackend string `envconfig:"PUBLISHER_BACKEND" default:"r2"` // r2, nats, none
	TempDir          string `envconfig:"TEMP_DIR" default:""`

	// Cloudflare R2 (S3 compatible) credentials
	R2AccountID       string `envconfig:"CLOUDFLARE_ACCOUNT_ID" default:""`
	R2AccessKeyID     string `envconfig:"R2_ACCESS_KEY_ID" default:""`
	R2SecretAccessKey string `envconfig:"R2_SECRET_ACCESS_KEY" default:""`
	R2BucketName      string `envconfig:"R2_BUCKET_NAME" default:""`
	R2StorageHost     string `envconfig:"R2_STORAGE_HOST" default:"r2.cloudflarestorage.com"`

	// NATS JetStream object store
	NATSURL          string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NATSObjectBucket string `envconfig:"NATS_OBJECT_BUCKET" default:"musicgen-audio"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum attempts for loads and uploads
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	switch {
	case c.ModelLoadTimeout <= 0:
		return fmt.Errorf("MODEL_LOAD_TIMEOUT must be positive")
	case c.GenerationTimeout <= 0:
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	case c.GenerationConcurrency <= 0:
		return fmt.Errorf("GENERATION_CONCURRENCY must be positive")
	case c.MaxResidentModels <= 0:
		return fmt.Errorf("MAX_RESIDENT_MODELS must be positive")
	case c.MaxPromptLength <= 0:
		return fmt.Errorf("MAX_PROMPT_LENGTH must be positive")
	case c.MaxDuration <= 0:
		return fmt.Errorf("MAX_DURATION_SECONDS must be positive")
	case c.MaxRequestBytes <= 0:
		return fmt.Errorf("MAX_REQUEST_BYTES must be positive")
	}

	switch c.DefaultModelSize {
	case "small", "medium", "large":
	default:
		return fmt.Errorf("DEFAULT_MODEL_SIZE must be small, medium or large, got %q", c.DefaultModelSize)
	}

	switch c.PublisherBackend {
	case PublisherR2, PublisherNATS, PublisherNone:
	default:
		return fmt.Errorf("PUBLISHER_BACKEND must be r2, nats or none, got %q", c.PublisherBackend)
	}

	return nil
}

// ModelLoadTimeoutDuration returns the model load budget
func (c *Config) ModelLoadTimeoutDuration() time.Duration {
	return time.Duration(c.ModelLoadTimeout) * time.Second
}

// GenerationTimeoutDuration returns the default generation budget
func (c *Config) GenerationTimeoutDuration() time.Duration {
	return time.Duration(c.GenerationTimeout) * time.Second
}

// RetryInitialBackoffDuration returns the first retry wait
func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// CircuitBreakerResetDuration returns how long the breaker stays open
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

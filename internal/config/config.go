// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.episcope/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model, embedder model
//   - Storage: PostgreSQL connection (see storage.go), Redis for the bulk lane
//   - Pipeline: chunking, embedding batch policy, retrieval tuning
//   - Update: snapshot directory, backup retention
//   - Observability: OTLP tracing
//
// Security: sensitive values (passwords) are never logged; the config
// directory uses 0750 permissions.
//
// Error handling uses sentinel errors so callers can check with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidChunking indicates the chunk size or overlap is out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidBatchThreshold indicates the embedding batch threshold is out of range.
	ErrInvalidBatchThreshold = errors.New("invalid batch threshold")

	// ErrInvalidTopK indicates the retrieval top-k value is out of range.
	ErrInvalidTopK = errors.New("invalid top k")

	// ErrInvalidHybridAlpha indicates the hybrid fusion weight is out of range.
	ErrInvalidHybridAlpha = errors.New("invalid hybrid alpha")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRetention indicates the backup retention window is out of range.
	ErrInvalidRetention = errors.New("invalid backup retention")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default, but supports
	// truncation to 768 via OutputDimensionality. The pgvector schema uses
	// 768 dimensions; see index.VectorDimension.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultChunkSize is the token budget per chunk.
	DefaultChunkSize = 512

	// DefaultChunkOverlap is the token overlap between consecutive chunks.
	DefaultChunkOverlap = 100

	// DefaultBatchThreshold is the miss count at which embedding requests
	// are routed to the deferred bulk lane instead of synchronous calls.
	DefaultBatchThreshold = 500
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string  `mapstructure:"model_name" json:"model_name"`
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`

	// Chunking configuration
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Embedding batch policy
	BatchThreshold int    `mapstructure:"batch_threshold" json:"batch_threshold"`
	EmbedCachePath string `mapstructure:"embed_cache_path" json:"embed_cache_path"`
	EmbedRPM       int    `mapstructure:"embed_rpm" json:"embed_rpm"`

	// Retrieval configuration
	TopK             int     `mapstructure:"top_k" json:"top_k"`
	HybridAlpha      float64 `mapstructure:"hybrid_alpha" json:"hybrid_alpha"`
	OversampleFactor int     `mapstructure:"oversample_factor" json:"oversample_factor"`
	RerankEnabled    bool    `mapstructure:"rerank_enabled" json:"rerank_enabled"`
	RerankURL        string  `mapstructure:"rerank_url" json:"rerank_url"`

	// Update manager configuration
	DataDir          string `mapstructure:"data_dir" json:"data_dir"`
	BackupRetentionH int    `mapstructure:"backup_retention_hours" json:"backup_retention_hours"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Redis configuration (bulk embedding lane)
	RedisAddr         string `mapstructure:"redis_addr" json:"redis_addr"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency" json:"worker_concurrency"`

	// Observability configuration
	OTLP OTLPConfig `mapstructure:"otlp" json:"otlp"`
}

// OTLPConfig holds OTLP trace exporter settings.
type OTLPConfig struct {
	AgentHost   string `mapstructure:"agent_host" json:"agent_host"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".episcope")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(configDir string) {
	// AI defaults
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.1)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	// Chunking defaults
	viper.SetDefault("chunk_size", DefaultChunkSize)
	viper.SetDefault("chunk_overlap", DefaultChunkOverlap)

	// Embedding defaults
	viper.SetDefault("batch_threshold", DefaultBatchThreshold)
	viper.SetDefault("embed_cache_path", filepath.Join(configDir, "embedding_cache.json"))
	viper.SetDefault("embed_rpm", 300)

	// Retrieval defaults
	viper.SetDefault("top_k", 10)
	viper.SetDefault("hybrid_alpha", 0.7)
	viper.SetDefault("oversample_factor", 10)
	viper.SetDefault("rerank_enabled", false)
	viper.SetDefault("rerank_url", "")

	// Update defaults
	viper.SetDefault("data_dir", filepath.Join(configDir, "data"))
	viper.SetDefault("backup_retention_hours", 48)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "episcope")
	viper.SetDefault("postgres_password", "episcope_dev_password")
	viper.SetDefault("postgres_db_name", "episcope")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Redis defaults
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("worker_concurrency", 4)

	// OTLP defaults
	viper.SetDefault("otlp.agent_host", "localhost:4318")
	viper.SetDefault("otlp.environment", "dev")
	viper.SetDefault("otlp.service_name", "episcope")
}

// bindEnvVariables binds environment variable overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; its presence is
// checked in Validate().
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "EPISCOPE_MODEL_NAME")
	mustBind("embedder_model", "EPISCOPE_EMBEDDER_MODEL")
	mustBind("batch_threshold", "EPISCOPE_BATCH_THRESHOLD")
	mustBind("rerank_enabled", "EPISCOPE_RERANK_ENABLED")
	mustBind("rerank_url", "EPISCOPE_RERANK_URL")
	mustBind("data_dir", "EPISCOPE_DATA_DIR")
	mustBind("redis_addr", "EPISCOPE_REDIS_ADDR")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or fewer are fully masked to prevent substring
// matching; longer secrets keep the first and last 2 characters for debug
// utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

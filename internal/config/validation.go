package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for all embedding and generation calls.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// Chunking: overlap must leave room for forward progress.
	if c.ChunkSize < 32 || c.ChunkSize > 8192 {
		return fmt.Errorf("%w: chunk_size must be between 32 and 8192, got %d",
			ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d",
			ErrInvalidChunking, c.ChunkOverlap)
	}

	if c.BatchThreshold < 1 {
		return fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidBatchThreshold, c.BatchThreshold)
	}

	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidTopK, c.TopK)
	}

	if c.HybridAlpha < 0.0 || c.HybridAlpha > 1.0 {
		return fmt.Errorf("%w: must be between 0.0 and 1.0, got %.2f", ErrInvalidHybridAlpha, c.HybridAlpha)
	}

	if c.OversampleFactor < 1 {
		return fmt.Errorf("%w: oversample_factor must be at least 1, got %d",
			ErrInvalidTopK, c.OversampleFactor)
	}

	if c.BackupRetentionH < 1 {
		return fmt.Errorf("%w: must be at least 1 hour, got %d", ErrInvalidRetention, c.BackupRetentionH)
	}

	// PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}

	// Warn on the default dev password but don't block local development.
	if c.PostgresPassword == "episcope_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated and MITM vulnerable.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: must be one of %v, got %q",
			ErrInvalidPostgresSSLMode, validSSLModes, c.PostgresSSLMode)
	}

	return nil
}

// Package testutil provides shared testing utilities: an isolated pgvector
// PostgreSQL container and deterministic fakes for the embedding and
// reranking boundaries.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDBContainer wraps a PostgreSQL test container with a connection pool.
// The database has the pgvector extension and the full schema applied.
type TestDBContainer struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB creates a PostgreSQL container with pgvector, runs the schema
// migrations, and returns a ready pool. The returned cleanup function must
// be called to terminate the container.
func SetupTestDB(t *testing.T) (*TestDBContainer, func()) {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("episcope_test"),
		postgres.WithUsername("episcope_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to create connection pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	container := &TestDBContainer{
		Container: pgContainer,
		Pool:      pool,
		ConnStr:   connStr,
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(context.Background())
	}

	return container, cleanup
}

// findProjectRoot walks up from this file until it finds go.mod, so tests
// can locate migration files from any package directory.
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get current file path")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// runMigrations executes the schema migrations in order, each in its own
// transaction.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("failed to find project root: %w", err)
	}

	migrationFiles := []string{
		filepath.Join(projectRoot, "db/migrations/000001_create_chunks.up.sql"),
		filepath.Join(projectRoot, "db/migrations/000002_create_index_versions.up.sql"),
	}

	for _, migrationPath := range migrationFiles {
		// #nosec G304 -- migration paths are hardcoded constants, not user input
		migrationSQL, err := os.ReadFile(migrationPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", migrationPath, err)
		}
		if len(migrationSQL) == 0 {
			continue
		}

		err = func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to begin transaction for migration %s: %w", migrationPath, err)
			}

			committed := false
			defer func() {
				if !committed {
					if err := tx.Rollback(ctx); err != nil {
						slog.Default().Debug("migration transaction rollback",
							"migration", migrationPath, "error", err)
					}
				}
			}()

			if _, err := tx.Exec(ctx, string(migrationSQL)); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", migrationPath, err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit migration %s: %w", migrationPath, err)
			}
			committed = true
			return nil
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

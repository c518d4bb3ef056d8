// Package app wires configuration, database, Genkit, and the retrieval
// pipeline into a single container with managed lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/config"
	"github.com/episcope/episcope/internal/embed"
	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/meta"
	"github.com/episcope/episcope/internal/rag"
	"github.com/episcope/episcope/internal/retrieval"
	"github.com/episcope/episcope/internal/update"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Chunker    *chunker.Chunker
	Embeddings *embed.Service
	BulkLane   *embed.AsynqLane
	Index      *index.Store
	Versions   *meta.Store
	Retriever  *retrieval.Retriever
	Manager    *update.Manager
	System     *rag.System

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Info("shutting down")

	if a.cancel != nil {
		a.cancel()
	}
	if a.BulkLane != nil {
		if err := a.BulkLane.Close(); err != nil {
			a.Logger.Warn("closing bulk lane", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}
	return nil
}

var (
	instanceMu sync.Mutex
	instance   *App
)

// GetOrInit returns the process-wide App, initializing it on first call.
// Later calls return the same instance regardless of arguments.
func GetOrInit(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance, nil
	}

	a, err := Setup(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	instance = a
	return instance, nil
}

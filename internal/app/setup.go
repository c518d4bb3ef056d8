package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/episcope/episcope/db"
	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/config"
	"github.com/episcope/episcope/internal/embed"
	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/meta"
	"github.com/episcope/episcope/internal/observability"
	"github.com/episcope/episcope/internal/query"
	"github.com/episcope/episcope/internal/rag"
	"github.com/episcope/episcope/internal/retrieval"
	"github.com/episcope/episcope/internal/update"
)

// statsProvider binds version history to live index counts.
type statsProvider struct {
	versions *meta.Store
	idx      *index.Store
}

func (s statsProvider) Statistics(ctx context.Context) (*meta.Statistics, error) {
	return s.versions.Statistics(ctx, s.idx)
}

// Setup builds the application. Call Close() to release; on error everything
// already initialized is torn down.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be registered before Genkit initializes.
	shutdown, err := observability.Setup(ctx, observability.Config{
		AgentHost:   cfg.OTLP.AgentHost,
		Environment: cfg.OTLP.Environment,
		ServiceName: cfg.OTLP.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = shutdown

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	a.Chunker, err = chunker.New(cfg.ChunkSize, cfg.ChunkOverlap, logger)
	if err != nil {
		return nil, fmt.Errorf("creating chunker: %w", err)
	}

	a.Embeddings, a.BulkLane, err = provideEmbeddings(a, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Index = index.NewStore(pool, logger)
	a.Versions = meta.NewStore(pool, logger)

	var scorer retrieval.Scorer
	if cfg.RerankEnabled && cfg.RerankURL != "" {
		scorer = retrieval.NewHTTPScorer(cfg.RerankURL, logger)
	}
	a.Retriever = retrieval.New(a.Index, a.Embeddings, query.New(logger), scorer, retrieval.Options{
		TopK:       cfg.TopK,
		Oversample: cfg.OversampleFactor,
		Alpha:      cfg.HybridAlpha,
	}, logger)

	a.Manager = update.NewManager(a.Chunker, a.Embeddings, a.Index, a.Versions, update.Options{
		DataDir:        cfg.DataDir,
		EmbeddingModel: cfg.EmbedderModel,
		Retention:      time.Duration(cfg.BackupRetentionH) * time.Hour,
	}, logger)

	generator := rag.NewGenkitGenerator(g, cfg.ModelName, cfg.Temperature, logger)
	a.System = rag.NewSystem(a.Retriever, generator, a.Manager,
		statsProvider{versions: a.Versions, idx: a.Index}, logger)

	_, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	return a, nil
}

func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	return g, nil
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

func provideEmbeddings(a *App, cfg *config.Config, logger log.Logger) (*embed.Service, *embed.AsynqLane, error) {
	cache, err := embed.NewCache(cfg.EmbedCachePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening embedding cache: %w", err)
	}

	var bulk embed.BulkSubmitter
	var lane *embed.AsynqLane
	if cfg.RedisAddr != "" {
		lane, err = embed.NewAsynqLane(cfg.RedisAddr, filepath.Join(cfg.DataDir, "manifests"), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting bulk lane: %w", err)
		}
		bulk = lane
	}

	embedder := embed.NewGenkitEmbedder(a.Embedder, cfg.EmbedRPM, logger)
	service := embed.NewService(embedder, cache, a.Chunker, bulk, cfg.BatchThreshold, logger)
	return service, lane, nil
}

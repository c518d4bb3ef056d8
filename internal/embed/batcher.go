package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/episcope/episcope/internal/log"
)

const (
	// TokenCeiling is the maximum total tokens sent in one synchronous
	// embedding request before the batch is split.
	TokenCeiling = 250_000

	// directBatchSize is the per-call text count when a batch exceeds the
	// token ceiling.
	directBatchSize = 100
)

// ErrJobPending reports that a bulk embedding job has not finished within
// the caller's wait window.
var ErrJobPending = errors.New("bulk embedding job still pending")

// BulkStatus is the terminal (or observed) state of a deferred bulk job.
type BulkStatus string

const (
	StatusPending   BulkStatus = "pending"
	StatusCompleted BulkStatus = "completed"
	StatusFailed    BulkStatus = "failed"
	StatusCancelled BulkStatus = "cancelled"
	StatusExpired   BulkStatus = "expired"
)

// TokenCounter counts tokens the same way the chunker does.
type TokenCounter interface {
	CountTokens(text string) int
}

// BulkSubmitter hands large embedding batches to a background lane.
type BulkSubmitter interface {
	// Submit enqueues texts for deferred embedding and returns a job ID.
	Submit(ctx context.Context, texts []string) (string, error)
	// Wait blocks until the job reaches a terminal state or timeout elapses.
	Wait(ctx context.Context, jobID string, timeout time.Duration) (BulkStatus, error)
}

// Result is the outcome of an EmbedMany call. When Pending is true no
// vectors are returned: the batch went to the bulk lane and JobID tracks it.
type Result struct {
	Vectors [][]float32
	Pending bool
	JobID   string
}

// Service resolves texts to vectors: cache first, then either a synchronous
// API call or the deferred bulk lane depending on the miss count.
type Service struct {
	embedder  Embedder
	cache     *Cache
	counter   TokenCounter
	bulk      BulkSubmitter
	threshold int
	logger    log.Logger
}

// NewService builds an embedding service. bulk may be nil, in which case
// every batch is embedded synchronously regardless of size.
func NewService(embedder Embedder, cache *Cache, counter TokenCounter, bulk BulkSubmitter, threshold int, logger log.Logger) *Service {
	if threshold <= 0 {
		threshold = 500
	}
	return &Service{
		embedder:  embedder,
		cache:     cache,
		counter:   counter,
		bulk:      bulk,
		threshold: threshold,
		logger:    logger,
	}
}

// EmbedSingle embeds one text through the cache.
func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.Get(text); ok {
		return vec, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 vector, got %d", len(vectors))
	}

	s.cache.Put(text, vectors[0])
	s.saveCache()
	return vectors[0], nil
}

// EmbedMany resolves a batch of texts. Cache hits never hit the API. When
// the miss count reaches the bulk threshold and a bulk lane is configured,
// the misses are deferred and the result comes back pending; if submission
// fails the batch falls through to the synchronous lane.
func (s *Service) EmbedMany(ctx context.Context, texts []string) (*Result, error) {
	vectors := make([][]float32, len(texts))
	var misses []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := s.cache.Get(text); ok {
			vectors[i] = vec
			continue
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}

	s.logger.Info("resolving embeddings",
		"texts", len(texts), "cached", len(texts)-len(misses), "misses", len(misses))

	if len(misses) == 0 {
		return &Result{Vectors: vectors}, nil
	}

	if s.bulk != nil && len(misses) >= s.threshold {
		jobID, err := s.bulk.Submit(ctx, misses)
		if err == nil {
			s.logger.Info("batch deferred to bulk lane", "job_id", jobID, "misses", len(misses))
			return &Result{Pending: true, JobID: jobID}, nil
		}
		s.logger.Warn("bulk submission failed, falling back to synchronous lane",
			"misses", len(misses), "error", err)
	}

	embedded, err := s.embedDirect(ctx, misses)
	if err != nil {
		return nil, err
	}
	for i, vec := range embedded {
		vectors[missIdx[i]] = vec
		s.cache.Put(misses[i], vec)
	}
	s.saveCache()

	return &Result{Vectors: vectors}, nil
}

// EmbedAndCache embeds texts synchronously and persists them to the cache.
// The bulk worker uses it to materialize deferred jobs.
func (s *Service) EmbedAndCache(ctx context.Context, texts []string) error {
	vectors, err := s.embedDirect(ctx, texts)
	if err != nil {
		return err
	}
	for i, vec := range vectors {
		s.cache.Put(texts[i], vec)
	}
	s.saveCache()
	return nil
}

// WaitForJob blocks until a bulk job completes or timeout elapses. A job
// that is still running when the window closes returns ErrJobPending.
func (s *Service) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (BulkStatus, error) {
	if s.bulk == nil {
		return StatusFailed, errors.New("no bulk lane configured")
	}
	return s.bulk.Wait(ctx, jobID, timeout)
}

// embedDirect sends texts to the API, splitting into fixed-size sub-batches
// when the total token count exceeds the ceiling.
func (s *Service) embedDirect(ctx context.Context, texts []string) ([][]float32, error) {
	total := 0
	for _, text := range texts {
		total += s.counter.CountTokens(text)
	}

	if total <= TokenCeiling {
		return s.embedder.Embed(ctx, texts)
	}

	s.logger.Info("batch exceeds token ceiling, splitting",
		"texts", len(texts), "tokens", total, "sub_batch_size", directBatchSize)

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += directBatchSize {
		end := min(start+directBatchSize, len(texts))
		batch, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding sub-batch %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (s *Service) saveCache() {
	if err := s.cache.Save(); err != nil {
		s.logger.Warn("persisting embedding cache failed", "error", err)
	}
}

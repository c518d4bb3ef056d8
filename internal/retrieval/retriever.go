// Package retrieval runs the query pipeline: interpret the question, embed
// it, oversample a hybrid candidate pool, and optionally rerank with a
// cross-encoder before truncating to the final result set.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/query"
)

// maxPool caps the oversampled candidate pool regardless of the configured
// oversample factor.
const maxPool = 100

// Searcher is the index surface retrieval needs.
type Searcher interface {
	HybridSearch(ctx context.Context, query string, vector []float32, k int, alpha float64, f index.Filter) ([]index.Result, error)
}

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Options tune a Retriever.
type Options struct {
	TopK       int
	Oversample int
	Alpha      float64
}

// Retriever composes interpretation, embedding, hybrid search, and
// reranking. A nil scorer disables reranking entirely.
type Retriever struct {
	searcher Searcher
	embedder QueryEmbedder
	interp   *query.Interpreter
	scorer   Scorer
	opts     Options
	logger   log.Logger
}

func New(searcher Searcher, embedder QueryEmbedder, interp *query.Interpreter, scorer Scorer, opts Options, logger log.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 10
	}
	if opts.Alpha < 0 || opts.Alpha > 1 {
		opts.Alpha = 0.7
	}
	return &Retriever{
		searcher: searcher,
		embedder: embedder,
		interp:   interp,
		scorer:   scorer,
		opts:     opts,
		logger:   logger,
	}
}

// Retrieve returns the top chunks for a question along with the parsed
// interpretation that produced the filters.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]index.Result, *query.Parsed, error) {
	parsed := r.interp.Parse(question)
	filter := toIndexFilter(parsed.Filters)

	vector, err := r.embedder.EmbedSingle(ctx, parsed.Enhanced)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding query: %w", err)
	}

	pool := r.opts.TopK * r.opts.Oversample
	if pool > maxPool {
		pool = maxPool
	}

	results, err := r.searcher.HybridSearch(ctx, parsed.Enhanced, vector, pool, r.opts.Alpha, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("hybrid search: %w", err)
	}

	r.logger.Debug("candidate pool retrieved",
		"question", question, "pool", len(results),
		"hazard", parsed.Filters.Hazard, "location", parsed.Filters.Location)

	results = r.rerank(ctx, question, results)
	if len(results) > r.opts.TopK {
		results = results[:r.opts.TopK]
	}
	return results, &parsed, nil
}

// rerank replaces retrieval scores with cross-encoder scores and reorders.
// Scorer failure is observable degradation, not an error: the retrieval
// ranking stands and the failure is logged.
func (r *Retriever) rerank(ctx context.Context, question string, results []index.Result) []index.Result {
	if r.scorer == nil || len(results) == 0 {
		return results
	}

	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Content
	}

	scores, err := r.scorer.Score(ctx, question, passages)
	if err != nil {
		r.logger.Warn("reranker unavailable, keeping retrieval ranking",
			"candidates", len(results), "error", err)
		return results
	}

	for i := range results {
		results[i].Score = scores[i]
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

func toIndexFilter(f query.Filters) index.Filter {
	out := index.Filter{
		Location: f.Location,
	}
	if f.Hazard != "" {
		out.Hazard = chunker.NormalizeHazard(f.Hazard)
	}
	if !f.DateFrom.IsZero() {
		out.DateFrom = f.DateFrom.Unix()
	}
	if !f.DateTo.IsZero() {
		out.DateTo = f.DateTo.Unix()
	}
	return out
}

package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
)

// EmbedTimeout bounds a single embedding API call.
const EmbedTimeout = 60 * time.Second

// Embedder turns texts into vectors. Implementations must return one vector
// per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// GenkitEmbedder calls a Genkit embedder with rate limiting and a circuit
// breaker around the upstream API.
type GenkitEmbedder struct {
	embedder ai.Embedder
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   log.Logger
}

// NewGenkitEmbedder wraps embedder with an rpm-requests-per-minute limiter.
func NewGenkitEmbedder(embedder ai.Embedder, rpm int, logger log.Logger) *GenkitEmbedder {
	if rpm <= 0 {
		rpm = 60
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedder circuit state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})

	return &GenkitEmbedder{
		embedder: embedder,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 10),
		breaker:  breaker,
		logger:   logger,
	}
}

// Embed returns one vector per text, truncated to VectorDimension by the API.
func (g *GenkitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embed rate limit: %w", err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	docs := make([]*ai.Document, len(texts))
	for i, text := range texts {
		docs[i] = ai.DocumentFromText(text, nil)
	}

	dim := int32(index.VectorDimension)
	result, err := g.breaker.Execute(func() (any, error) {
		resp, err := g.embedder.Embed(embedCtx, &ai.EmbedRequest{
			Input:   docs,
			Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
		}
		vectors := make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			vectors[i] = e.Embedding
		}
		return vectors, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}

	return result.([][]float32), nil
}

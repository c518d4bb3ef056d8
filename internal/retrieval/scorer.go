package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/episcope/episcope/internal/log"
)

// Scorer assigns a relevance score to each passage for a query. Higher is
// more relevant. Implementations must return one score per passage, in order.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// HTTPScorer calls an external cross-encoder reranking service. Failures
// trip a circuit breaker so a dead service stops eating request latency.
type HTTPScorer struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

type scoreRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// NewHTTPScorer builds a scorer against the reranker endpoint at url.
func NewHTTPScorer(url string, logger log.Logger) *HTTPScorer {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reranker",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("reranker circuit state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPScorer{
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

func (h *HTTPScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(scoreRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("marshaling score request: %w", err)
	}

	result, err := h.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, payload)
		}

		var decoded scoreResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decoding score response: %w", err)
		}
		if len(decoded.Scores) != len(passages) {
			return nil, fmt.Errorf("expected %d scores, got %d", len(passages), len(decoded.Scores))
		}
		return decoded.Scores, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]float64), nil
}

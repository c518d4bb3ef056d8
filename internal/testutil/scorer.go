package testutil

import (
	"context"
	"strings"
)

// FakeScorer is a deterministic relevance scorer for reranker tests. It
// scores each passage by query-term overlap, which makes "the reranker
// reordered the candidates" assertions straightforward.
type FakeScorer struct {
	// Err, when set, is returned from every call.
	Err error
	// Calls counts Score invocations.
	Calls int
}

// Score returns one relevance score per passage: the fraction of query terms
// present in the passage.
func (f *FakeScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(passages))
	for i, p := range passages {
		if len(terms) == 0 {
			continue
		}
		lower := strings.ToLower(p)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(terms))
	}
	return scores, nil
}

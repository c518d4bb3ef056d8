// Package rag ties retrieval, generation, updates, and statistics into the
// consumer-facing surveillance assistant.
package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/meta"
	"github.com/episcope/episcope/internal/query"
	"github.com/episcope/episcope/internal/update"
)

const systemPrompt = `You are an epidemic intelligence analyst answering questions
about global health surveillance events. Ground every statement in the provided
documents and cite events by their ID (for example "Event #00042"). When the
documents do not cover the question, say so instead of speculating. Dates,
locations, and case counts must come from the documents verbatim.`

// DocumentRetriever runs the retrieval pipeline for a question.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, question string) ([]index.Result, *query.Parsed, error)
}

// Message is one prior conversation turn.
type Message struct {
	Role string // RoleUser or RoleModel
	Text string
}

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Generator produces the final answer text from a prompt and the prior turns.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, history []Message) (string, error)
}

// UpdateApplier rebuilds the index from a snapshot.
type UpdateApplier interface {
	Apply(ctx context.Context, snapshotPath, actor string) (*update.Outcome, error)
}

// StatsProvider assembles consumer-facing statistics.
type StatsProvider interface {
	Statistics(ctx context.Context) (*meta.Statistics, error)
}

// Answer is a grounded response with the documents that informed it.
type Answer struct {
	Text    string
	Sources []index.Result
	Parsed  *query.Parsed
	Latency time.Duration
}

// System is the complete retrieval-augmented pipeline.
type System struct {
	retriever DocumentRetriever
	generator Generator
	updates   UpdateApplier
	stats     StatsProvider
	logger    log.Logger
}

func NewSystem(retriever DocumentRetriever, generator Generator, updates UpdateApplier, stats StatsProvider, logger log.Logger) *System {
	return &System{
		retriever: retriever,
		generator: generator,
		updates:   updates,
		stats:     stats,
		logger:    logger,
	}
}

// Answer retrieves context for the question and generates a grounded
// response. An empty index yields an empty context, not an error; the model
// is told nothing matched. When generation fails the retrieved sources still
// come back alongside the error so the caller can show what was found.
func (s *System) Answer(ctx context.Context, question string, history []Message) (*Answer, error) {
	start := time.Now()

	results, parsed, err := s.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	s.logger.Info("answering question", "question", question, "documents", len(results))

	text, err := s.generator.Generate(ctx, systemPrompt, buildPrompt(question, results), history)
	if err != nil {
		return &Answer{Sources: results, Parsed: parsed, Latency: time.Since(start)},
			fmt.Errorf("generating answer: %w", err)
	}

	return &Answer{Text: text, Sources: results, Parsed: parsed, Latency: time.Since(start)}, nil
}

// ApplyUpdate rebuilds the index from the snapshot at path.
func (s *System) ApplyUpdate(ctx context.Context, snapshotPath, actor string) (*update.Outcome, error) {
	return s.updates.Apply(ctx, snapshotPath, actor)
}

// Statistics reports index contents and update history.
func (s *System) Statistics(ctx context.Context) (*meta.Statistics, error) {
	return s.stats.Statistics(ctx)
}

// FormatContext renders retrieved documents for the prompt.
func FormatContext(results []index.Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "=== Document %d (Event #%s) ===\n%s\n\n", i+1, r.EventID, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildPrompt(question string, results []index.Result) string {
	docs := FormatContext(results)
	if docs == "" {
		docs = "(no matching surveillance documents)"
	}
	return fmt.Sprintf("Documents:\n%s\n\nQuestion: %s", docs, question)
}

//go:build integration

// Package index_test provides integration tests for the pgvector chunk store.
package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/testutil"
)

// axisVector returns a 768-dim unit vector along one axis, which gives exact
// cosine similarities: identical axes score 1, orthogonal axes score 0.
func axisVector(axis int) []float32 {
	v := make([]float32, index.VectorDimension)
	v[axis%index.VectorDimension] = 1
	return v
}

func seedChunk(eventID string, idx int, text, hazard, location, section string, date time.Time) chunker.Chunk {
	return chunker.Chunk{
		Text:       text,
		EventID:    eventID,
		ChunkIndex: idx,
		TokenCount: 10,
		Meta: chunker.Metadata{
			EventID:          eventID,
			Date:             date.Format("2006-01-02"),
			DateUnix:         date.Unix(),
			Hazard:           hazard,
			HazardNormalized: chunker.NormalizeHazard(hazard),
			Location:         location,
			Section:          section,
			ChunkIndex:       idx,
			TotalChunks:      1,
			Keywords:         chunker.NormalizeHazard(hazard),
		},
	}
}

func seedStore(t *testing.T) (*index.Store, func()) {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)
	store := index.NewStore(db.Pool, log.NewNop())

	ctx := context.Background()
	chunks := []chunker.Chunk{
		seedChunk("00001", 0, "Cholera outbreak reported in coastal Kenya with rising cases.",
			"Cholera", "Kenya", "Infectious Diseases", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)),
		seedChunk("00002", 0, "Measles cluster confirmed among school children in France.",
			"Measles", "France", "Vaccine Preventable", time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)),
		seedChunk("00003", 0, "Dengue transmission intensifies across Brazil municipalities.",
			"Dengue", "Brazil", "Vector-borne", time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)),
	}
	vectors := [][]float32{axisVector(0), axisVector(1), axisVector(2)}

	if err := store.Add(ctx, chunks, vectors); err != nil {
		cleanup()
		t.Fatalf("Add() error = %v", err)
	}

	return store, cleanup
}

func TestAddAndCount(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	events, err := store.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if events != 3 {
		t.Errorf("CountEvents() = %d, want 3", events)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	// Re-adding the same chunk upserts by id instead of duplicating.
	ch := seedChunk("00001", 0, "Cholera outbreak reported in coastal Kenya with rising cases.",
		"Cholera", "Kenya", "Infectious Diseases", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	if err := store.Add(ctx, []chunker.Chunk{ch}, [][]float32{axisVector(0)}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() after re-add = %d, want 3 (no duplicates)", n)
	}
}

func TestSemanticSearchOrdering(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	results, err := store.SemanticSearch(ctx, axisVector(1), 3, index.Filter{})
	if err != nil {
		t.Fatalf("SemanticSearch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("SemanticSearch() returned %d results, want 3", len(results))
	}

	if results[0].EventID != "00002" {
		t.Errorf("top result = %s, want 00002 (matching axis)", results[0].EventID)
	}
	if results[0].Score < 0.999 {
		t.Errorf("top score = %f, want ~1.0", results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending score order at %d", i)
		}
	}
}

func TestSemanticSearchFilters(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name       string
		filter     index.Filter
		wantEvents []string
	}{
		{
			name:       "hazard filter is normalized match",
			filter:     index.Filter{Hazard: "measles"},
			wantEvents: []string{"00002"},
		},
		{
			name:       "location filter is case-insensitive",
			filter:     index.Filter{Location: "brazil"},
			wantEvents: []string{"00003"},
		},
		{
			name: "date range keeps only 2024 events",
			filter: index.Filter{
				DateFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
				DateTo:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC).Unix(),
			},
			wantEvents: []string{"00001", "00002"},
		},
		{
			name:       "conjoined filters can exclude everything",
			filter:     index.Filter{Hazard: "cholera", Location: "Brazil"},
			wantEvents: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.SemanticSearch(ctx, axisVector(0), 10, tt.filter)
			if err != nil {
				t.Fatalf("SemanticSearch() error = %v", err)
			}

			got := map[string]bool{}
			for _, r := range results {
				got[r.EventID] = true
			}
			if len(got) != len(tt.wantEvents) {
				t.Errorf("got %d events %v, want %v", len(got), got, tt.wantEvents)
			}
			for _, want := range tt.wantEvents {
				if !got[want] {
					t.Errorf("results missing event %s", want)
				}
			}
		})
	}
}

func TestKeywordSearch(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	results, err := store.KeywordSearch(ctx, "measles school children", 10, index.Filter{})
	if err != nil {
		t.Fatalf("KeywordSearch() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("KeywordSearch() returned no results")
	}
	if results[0].EventID != "00002" {
		t.Errorf("top keyword result = %s, want 00002", results[0].EventID)
	}

	// No lexical overlap at all returns empty, not an error.
	none, err := store.KeywordSearch(ctx, "zzzzqqqq", 10, index.Filter{})
	if err != nil {
		t.Fatalf("KeywordSearch() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("KeywordSearch() with no matches returned %d results", len(none))
	}
}

func TestHybridSearchAlphaExtremes(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	// Semantic signal points at dengue; lexical signal points at measles.
	vector := axisVector(2)
	query := "measles school children"

	pure, err := store.SemanticSearch(ctx, vector, 3, index.Filter{})
	if err != nil {
		t.Fatalf("SemanticSearch() error = %v", err)
	}
	alphaOne, err := store.HybridSearch(ctx, query, vector, 3, 1.0, index.Filter{})
	if err != nil {
		t.Fatalf("HybridSearch(alpha=1) error = %v", err)
	}
	if alphaOne[0].EventID != pure[0].EventID {
		t.Errorf("alpha=1 top = %s, want semantic top %s", alphaOne[0].EventID, pure[0].EventID)
	}

	kw, err := store.KeywordSearch(ctx, query, 3, index.Filter{})
	if err != nil {
		t.Fatalf("KeywordSearch() error = %v", err)
	}
	alphaZero, err := store.HybridSearch(ctx, query, vector, 3, 0.0, index.Filter{})
	if err != nil {
		t.Fatalf("HybridSearch(alpha=0) error = %v", err)
	}
	if alphaZero[0].EventID != kw[0].EventID {
		t.Errorf("alpha=0 top = %s, want keyword top %s", alphaZero[0].EventID, kw[0].EventID)
	}
}

func TestReplaceAllSwapsAtomically(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	replacement := []chunker.Chunk{
		seedChunk("00004", 0, "Mpox cases detected in travelers returning from abroad.",
			"Mpox", "Spain", "Infectious Diseases", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	}
	if err := store.ReplaceAll(ctx, replacement, [][]float32{axisVector(3)}); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() after swap = %d, want 1", n)
	}

	results, err := store.SemanticSearch(ctx, axisVector(0), 10, index.Filter{})
	if err != nil {
		t.Fatalf("SemanticSearch() error = %v", err)
	}
	for _, r := range results {
		if r.EventID == "00001" {
			t.Error("pre-swap event 00001 still visible after ReplaceAll")
		}
	}
}

func TestBackupAndRestore(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	const suffix = "20240601_120000"
	if err := store.BackupTo(ctx, suffix); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	// Wreck the live table, then restore.
	if err := store.ReplaceAll(ctx, nil, nil); err != nil {
		t.Fatalf("ReplaceAll(empty) error = %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("Count() after clear = %d, want 0", n)
	}

	if err := store.RestoreFrom(ctx, suffix); err != nil {
		t.Fatalf("RestoreFrom() error = %v", err)
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() after restore = %d, want 3", n)
	}

	suffixes, err := store.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(suffixes) != 1 || suffixes[0] != suffix {
		t.Errorf("ListBackups() = %v, want [%s]", suffixes, suffix)
	}

	if err := store.DropBackup(ctx, suffix); err != nil {
		t.Fatalf("DropBackup() error = %v", err)
	}
	suffixes, err = store.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(suffixes) != 0 {
		t.Errorf("ListBackups() after drop = %v, want empty", suffixes)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	store, cleanup := seedStore(t)
	defer cleanup()
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if stats.TotalChunks != 3 || stats.TotalEvents != 3 {
		t.Errorf("Stats totals = %d chunks / %d events, want 3/3", stats.TotalChunks, stats.TotalEvents)
	}
	if got := stats.DateMin.Format("2006-01-02"); got != "2023-11-05" {
		t.Errorf("DateMin = %s, want 2023-11-05", got)
	}
	if got := stats.DateMax.Format("2006-01-02"); got != "2024-03-20" {
		t.Errorf("DateMax = %s, want 2024-03-20", got)
	}
	if len(stats.TopHazards) != 3 {
		t.Errorf("TopHazards = %v, want 3 entries", stats.TopHazards)
	}
}

// Package index stores chunk embeddings in PostgreSQL with pgvector and
// serves semantic, keyword, and hybrid search over them.
package index

import "time"

// VectorDimension is the embedding dimension of the chunks table schema.
// gemini-embedding-001 vectors are truncated to this size via
// OutputDimensionality.
const VectorDimension = 768

// rrfK is the rank-smoothing constant of Reciprocal Rank Fusion.
const rrfK = 60

// Filter narrows search results by exact metadata match and date range.
// Zero values mean "no constraint"; set predicates conjoin.
type Filter struct {
	// Hazard matches the normalized (lower-cased, trimmed) hazard name.
	Hazard string
	// Location matches the reported location exactly.
	Location string
	// Section matches the taxonomy section exactly.
	Section string
	// DateFrom and DateTo bound date_unix inclusively; 0 means unbounded.
	DateFrom int64
	DateTo   int64
}

// IsZero reports whether the filter constrains anything.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Result is one search hit.
type Result struct {
	ID          string
	EventID     string
	Content     string
	Score       float64
	Date        string
	DateUnix    int64
	Hazard      string
	Location    string
	Section     string
	ChunkIndex  int
	TotalChunks int
	Keywords    string
}

// NameCount is a value/frequency pair used in statistics.
type NameCount struct {
	Name  string
	Count int
}

// Stats summarizes the indexed corpus.
type Stats struct {
	TotalChunks  int
	TotalEvents  int
	DateMin      time.Time
	DateMax      time.Time
	TopHazards   []NameCount
	TopLocations []NameCount
}

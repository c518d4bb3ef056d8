package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/episcope/episcope/internal/log"
)

const (
	// DefaultChunkSize is the token budget per chunk.
	DefaultChunkSize = 512

	// DefaultChunkOverlap is the token overlap between consecutive chunks
	// of the same event.
	DefaultChunkOverlap = 100

	// encodingName is the BPE encoding used for token counting.
	encodingName = "cl100k_base"
)

// Metadata travels with each chunk into the vector index. Keywords is
// comma-joined and capped at 15 entries.
type Metadata struct {
	EventID          string `json:"event_id"`
	Date             string `json:"date"`
	DateUnix         int64  `json:"date_unix"`
	Hazard           string `json:"hazard"`
	HazardNormalized string `json:"hazard_normalized"`
	Location         string `json:"location"`
	Section          string `json:"section"`
	ChunkIndex       int    `json:"chunk_index"`
	TotalChunks      int    `json:"total_chunks"`
	Keywords         string `json:"keywords"`
}

// Chunk is one embeddable unit of event text.
type Chunk struct {
	Text       string
	EventID    string
	ChunkIndex int
	TokenCount int
	Meta       Metadata
}

// Chunker splits serialized events into token-bounded chunks. Events are
// kept intact when they fit; oversized events are split with a sliding
// window so no context is lost at chunk boundaries.
type Chunker struct {
	enc     *tiktoken.Tiktoken
	size    int
	overlap int
	logger  log.Logger
}

// New creates a Chunker. size is the token budget per chunk and overlap the
// number of tokens shared between consecutive chunks; overlap must be
// smaller than size or the window cannot advance.
func New(size, overlap int, logger log.Logger) (*Chunker, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", encodingName, err)
	}

	return &Chunker{enc: enc, size: size, overlap: overlap, logger: logger}, nil
}

// CountTokens returns the token count of a text under the chunker encoding.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ChunkEvents converts events into chunks with metadata.
func (c *Chunker) ChunkEvents(events []Event) []Chunk {
	chunks := make([]Chunk, 0, len(events))

	for _, ev := range events {
		chunks = append(chunks, c.chunkEvent(ev)...)
	}

	c.logger.Info("chunking complete", "events", len(events), "chunks", len(chunks))
	return chunks
}

// chunkEvent produces one chunk for events within the token budget, or a
// sequence of overlapping chunks otherwise. The last chunk of a split may be
// shorter than the budget; TotalChunks is only known after the split
// finishes, so it is patched in at the end.
func (c *Chunker) chunkEvent(ev Event) []Chunk {
	text := ev.Text()
	tokens := c.enc.Encode(text, nil, nil)

	if len(tokens) <= c.size {
		return []Chunk{{
			Text:       text,
			EventID:    ev.EntryID,
			ChunkIndex: 0,
			TokenCount: len(tokens),
			Meta:       c.metadata(ev, 0, 1),
		}}
	}

	var chunks []Chunk
	start := 0
	for start < len(tokens) {
		end := min(start+c.size, len(tokens))
		window := tokens[start:end]

		chunks = append(chunks, Chunk{
			Text:       c.enc.Decode(window),
			EventID:    ev.EntryID,
			ChunkIndex: len(chunks),
			TokenCount: len(window),
			Meta:       c.metadata(ev, len(chunks), -1),
		})

		if end >= len(tokens) {
			break
		}
		start = end - c.overlap
	}

	for i := range chunks {
		chunks[i].Meta.TotalChunks = len(chunks)
	}
	return chunks
}

func (c *Chunker) metadata(ev Event, chunkIndex, totalChunks int) Metadata {
	keywords := ev.Keywords
	if len(keywords) > 10 {
		keywords = keywords[:10]
	}
	return Metadata{
		EventID:          ev.EntryID,
		Date:             ev.Date.Format("2006-01-02"),
		DateUnix:         ev.Date.Unix(),
		Hazard:           ev.Hazard,
		HazardNormalized: ev.NormalizedHazard,
		Location:         ev.ReportedLocation,
		Section:          ev.Section,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		Keywords:         strings.Join(keywords, ", "),
	}
}

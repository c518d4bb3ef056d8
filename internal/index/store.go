package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/log"
)

var (
	// ErrLengthMismatch indicates chunks and vectors differ in length.
	ErrLengthMismatch = errors.New("chunks and vectors length mismatch")

	// ErrBadBackupName indicates a backup suffix outside the expected
	// timestamp format.
	ErrBadBackupName = errors.New("invalid backup name")
)

// writerLockKey serializes index writers via an advisory lock. Readers are
// unaffected.
const writerLockKey = "episcope_chunks_writer"

// backupSuffixRe validates backup table suffixes. Table names cannot be
// parameterized, so only this fixed timestamp shape is interpolated.
var backupSuffixRe = regexp.MustCompile(`^\d{8}_\d{6}$`)

// querier is the subset of pgx operations the store needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so every method works inside or
// outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists chunks and their embeddings in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// resultColumns is the projection shared by every search query.
const resultColumns = `id, event_id, content,
	to_char(event_date, 'YYYY-MM-DD'), date_unix,
	hazard, location, section, chunk_index, total_chunks, keywords`

// Add upserts chunks with their embeddings. chunks[i] pairs with vectors[i];
// a length mismatch is a validation error and nothing is written.
func (s *Store) Add(ctx context.Context, chunks []chunker.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", ErrLengthMismatch, len(chunks), len(vectors))
	}
	return s.add(ctx, s.pool, chunks, vectors)
}

func (s *Store) add(ctx context.Context, q querier, chunks []chunker.Chunk, vectors [][]float32) error {
	const insertSQL = `
		INSERT INTO chunks (
			id, event_id, chunk_index, total_chunks, content, content_hash,
			token_count, event_date, date_unix, hazard, hazard_normalized,
			location, section, keywords, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			total_chunks = EXCLUDED.total_chunks,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			token_count = EXCLUDED.token_count,
			event_date = EXCLUDED.event_date,
			date_unix = EXCLUDED.date_unix,
			hazard = EXCLUDED.hazard,
			hazard_normalized = EXCLUDED.hazard_normalized,
			location = EXCLUDED.location,
			section = EXCLUDED.section,
			keywords = EXCLUDED.keywords,
			embedding = EXCLUDED.embedding`

	for i, ch := range chunks {
		if len(vectors[i]) != VectorDimension {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(vectors[i]), VectorDimension)
		}

		hash := sha256.Sum256([]byte(ch.Text))
		_, err := q.Exec(ctx, insertSQL,
			ChunkID(ch.EventID, ch.ChunkIndex),
			ch.EventID,
			ch.ChunkIndex,
			ch.Meta.TotalChunks,
			ch.Text,
			hex.EncodeToString(hash[:]),
			ch.TokenCount,
			ch.Meta.Date,
			ch.Meta.DateUnix,
			ch.Meta.Hazard,
			ch.Meta.HazardNormalized,
			ch.Meta.Location,
			ch.Meta.Section,
			ch.Meta.Keywords,
			pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", ChunkID(ch.EventID, ch.ChunkIndex), err)
		}
	}
	return nil
}

// ChunkID is the canonical row identifier for a chunk.
func ChunkID(eventID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", eventID, chunkIndex)
}

// Count returns the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// CountEvents returns the number of distinct indexed events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT event_id) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// filterClause appends WHERE conditions for the filter, continuing the
// placeholder numbering after the given args. Returns the SQL fragment and
// the extended args.
func filterClause(f Filter, args []any) (string, []any) {
	var conds []string
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.Hazard != "" {
		add("hazard_normalized = $%d", f.Hazard)
	}
	if f.Location != "" {
		// Locations are free text ("Nairobi, Kenya"); match loosely.
		add("location ILIKE $%d", "%"+f.Location+"%")
	}
	if f.Section != "" {
		add("section = $%d", f.Section)
	}
	if f.DateFrom != 0 {
		add("date_unix >= $%d", f.DateFrom)
	}
	if f.DateTo != 0 {
		add("date_unix <= $%d", f.DateTo)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// SemanticSearch returns the k nearest chunks by cosine similarity, most
// similar first. Score is 1 - cosine distance.
func (s *Store) SemanticSearch(ctx context.Context, vector []float32, k int, f Filter) ([]Result, error) {
	if len(vector) != VectorDimension {
		return nil, fmt.Errorf("query vector has dimension %d, want %d", len(vector), VectorDimension)
	}

	args := []any{pgvector.NewVector(vector), k}
	where, args := filterClause(f, args)

	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE TRUE%s
		ORDER BY embedding <=> $1
		LIMIT $2`, resultColumns, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// KeywordSearch returns the k best full-text matches for the query, ranked
// by ts_rank_cd. An empty result set is not an error.
func (s *Store) KeywordSearch(ctx context.Context, query string, k int, f Filter) ([]Result, error) {
	args := []any{query, k}
	where, args := filterClause(f, args)

	sql := fmt.Sprintf(`
		SELECT %s, ts_rank_cd(search_text, plainto_tsquery('english', $1), 1) AS rank
		FROM chunks
		WHERE search_text @@ plainto_tsquery('english', $1)%s
		ORDER BY rank DESC
		LIMIT $2`, resultColumns, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// HybridSearch fuses semantic and keyword rankings with Reciprocal Rank
// Fusion. alpha weights the semantic list; alpha=1 reduces to pure semantic
// order, alpha=0 to pure keyword order. Both source searches are oversampled
// beyond k so fusion has material to promote from.
func (s *Store) HybridSearch(ctx context.Context, query string, vector []float32, k int, alpha float64, f Filter) ([]Result, error) {
	pool := k * 2
	if pool < 10 {
		pool = 10
	}

	sem, err := s.SemanticSearch(ctx, vector, pool, f)
	if err != nil {
		return nil, err
	}
	kw, err := s.KeywordSearch(ctx, query, pool, f)
	if err != nil {
		return nil, err
	}

	fused := fuseRRF(sem, kw, alpha)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// ReplaceAll swaps the entire index contents in one transaction. Concurrent
// readers keep seeing the previous contents until commit; they never observe
// the empty intermediate state. A second writer blocks on the advisory lock.
func (s *Store) ReplaceAll(ctx context.Context, chunks []chunker.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", ErrLengthMismatch, len(chunks), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning swap transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("swap rollback failed", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, writerLockKey); err != nil {
		return fmt.Errorf("acquiring writer lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	if err := s.add(ctx, tx, chunks, vectors); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing swap: %w", err)
	}

	s.logger.Info("index contents replaced", "chunks", len(chunks))
	return nil
}

// backupTable returns the validated backup table name for a suffix.
func backupTable(suffix string) (string, error) {
	if !backupSuffixRe.MatchString(suffix) {
		return "", fmt.Errorf("%w: %q", ErrBadBackupName, suffix)
	}
	return "chunks_backup_" + suffix, nil
}

// BackupTo snapshots the chunks table into chunks_backup_<suffix>.
func (s *Store) BackupTo(ctx context.Context, suffix string) error {
	table, err := backupTable(suffix)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s AS TABLE chunks`, table)); err != nil {
		return fmt.Errorf("creating backup %s: %w", table, err)
	}

	s.logger.Info("index backup created", "table", table)
	return nil
}

// RestoreFrom replaces the chunks table contents with a backup, in one
// transaction under the writer lock.
func (s *Store) RestoreFrom(ctx context.Context, suffix string) error {
	table, err := backupTable(suffix)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning restore transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("restore rollback failed", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, writerLockKey); err != nil {
		return fmt.Errorf("acquiring writer lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	copySQL := fmt.Sprintf(`
		INSERT INTO chunks (
			id, event_id, chunk_index, total_chunks, content, content_hash,
			token_count, event_date, date_unix, hazard, hazard_normalized,
			location, section, keywords, embedding, created_at
		)
		SELECT id, event_id, chunk_index, total_chunks, content, content_hash,
			token_count, event_date, date_unix, hazard, hazard_normalized,
			location, section, keywords, embedding, created_at
		FROM %s`, table)
	if _, err := tx.Exec(ctx, copySQL); err != nil {
		return fmt.Errorf("restoring from %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}

	s.logger.Info("index restored from backup", "table", table)
	return nil
}

// DropBackup removes a backup table. Missing tables are not an error.
func (s *Store) DropBackup(ctx context.Context, suffix string) error {
	table, err := backupTable(suffix)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("dropping backup %s: %w", table, err)
	}
	return nil
}

// ListBackups returns the suffixes of existing backup tables.
func (s *Store) ListBackups(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE 'chunks_backup_%'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var suffixes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning backup name: %w", err)
		}
		suffixes = append(suffixes, strings.TrimPrefix(name, "chunks_backup_"))
	}
	return suffixes, rows.Err()
}

// Stats aggregates corpus-level statistics from the chunks table.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT event_id),
			COALESCE(MIN(event_date), 'epoch'::date),
			COALESCE(MAX(event_date), 'epoch'::date)
		FROM chunks`).Scan(&st.TotalChunks, &st.TotalEvents, &st.DateMin, &st.DateMax)
	if err != nil {
		return nil, fmt.Errorf("aggregating chunk stats: %w", err)
	}

	st.TopHazards, err = s.topCounts(ctx, "hazard")
	if err != nil {
		return nil, err
	}
	st.TopLocations, err = s.topCounts(ctx, "location")
	if err != nil {
		return nil, err
	}

	return st, nil
}

// topCounts returns the five most frequent values of a column, counted by
// distinct event. column is one of the fixed identifiers above, never user
// input.
func (s *Store) topCounts(ctx context.Context, column string) ([]NameCount, error) {
	query := fmt.Sprintf(`
		SELECT %s, COUNT(DISTINCT event_id) AS n
		FROM chunks
		GROUP BY %s
		ORDER BY n DESC, %s
		LIMIT 5`, column, column, column)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("aggregating top %s: %w", column, err)
	}
	defer rows.Close()

	var out []NameCount
	for rows.Next() {
		var nc NameCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, fmt.Errorf("scanning top %s: %w", column, err)
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}

// scanResults reads search rows into Results. The trailing column is the
// query-specific score.
func scanResults(rows pgx.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		err := rows.Scan(
			&r.ID, &r.EventID, &r.Content, &r.Date, &r.DateUnix,
			&r.Hazard, &r.Location, &r.Section, &r.ChunkIndex, &r.TotalChunks,
			&r.Keywords, &r.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}
	return results, nil
}

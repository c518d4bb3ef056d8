// Package meta maintains the append-only update history and derived
// statistics for the index.
package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/episcope/episcope/internal/index"
	"github.com/episcope/episcope/internal/log"
)

// Version statuses as recorded in history. Pending updates were deferred to
// the bulk embedding lane and have not touched the index; they become
// superseded when a later rerun applies the same snapshot.
const (
	StatusRecorded   = "recorded"
	StatusPending    = "pending"
	StatusRolledBack = "rolled_back"
	StatusResynced   = "resynced"
	StatusSuperseded = "superseded"
)

// Version is one entry in the update history.
type Version struct {
	ID             string
	RecordedAt     time.Time
	SourceFile     string
	TotalEvents    int
	TotalChunks    int
	NewEvents      int
	ModifiedEvents int
	DeletedEvents  int
	EmbeddingModel string
	Status         string
	Actor          string
	DateMin        time.Time
	DateMax        time.Time
}

// Statistics combines the current version with live index counts.
type Statistics struct {
	Current      *Version
	TotalEvents  int
	TotalChunks  int
	DateMin      time.Time
	DateMax      time.Time
	TopHazards   []index.NameCount
	TopLocations []index.NameCount
	UpdateCount  int
}

// Store persists versions in the index_versions table, with current_version
// pointing at the one serving queries.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

const versionColumns = `id, recorded_at, source_file, total_events, total_chunks,
	new_events, modified_events, deleted_events, embedding_model, status, actor,
	COALESCE(date_min, 'epoch'::date), COALESCE(date_max, 'epoch'::date)`

// RecordUpdate appends a version to history. Versions whose status marks
// them as serving queries also move the current pointer.
func (s *Store) RecordUpdate(ctx context.Context, v Version) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning version transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("version transaction rollback failed", "error", rbErr)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO index_versions (
			id, recorded_at, source_file, total_events, total_chunks,
			new_events, modified_events, deleted_events, embedding_model,
			status, actor, date_min, date_max
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, 'epoch'::date), NULLIF($13, 'epoch'::date))`,
		v.ID, v.RecordedAt, v.SourceFile, v.TotalEvents, v.TotalChunks,
		v.NewEvents, v.ModifiedEvents, v.DeletedEvents, v.EmbeddingModel,
		v.Status, v.Actor, v.DateMin, v.DateMax)
	if err != nil {
		return fmt.Errorf("inserting version %s: %w", v.ID, err)
	}

	if v.Status == StatusRecorded {
		_, err = tx.Exec(ctx, `
			INSERT INTO current_version (singleton, version_id) VALUES (TRUE, $1)
			ON CONFLICT (singleton) DO UPDATE SET version_id = EXCLUDED.version_id`,
			v.ID)
		if err != nil {
			return fmt.Errorf("moving current version pointer: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing version %s: %w", v.ID, err)
	}

	s.logger.Info("version recorded", "version", v.ID, "status", v.Status,
		"new", v.NewEvents, "modified", v.ModifiedEvents, "deleted", v.DeletedEvents)
	return nil
}

// Current returns the version serving queries, or nil when the index has
// never been loaded.
func (s *Store) Current(ctx context.Context) (*Version, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM index_versions
		WHERE id = (SELECT version_id FROM current_version)`, versionColumns))

	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading current version: %w", err)
	}
	return v, nil
}

// History returns the most recent versions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM index_versions
		ORDER BY recorded_at DESC
		LIMIT $1`, versionColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("loading version history: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// MarkStatus rewrites the status of an existing version.
func (s *Store) MarkStatus(ctx context.Context, versionID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE index_versions SET status = $2 WHERE id = $1`, versionID, status)
	if err != nil {
		return fmt.Errorf("updating version %s status: %w", versionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s not found", versionID)
	}
	return nil
}

// Statistics assembles the consumer-facing view: current version, live
// counts from the index, and the size of the history.
func (s *Store) Statistics(ctx context.Context, idx *index.Store) (*Statistics, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading index stats: %w", err)
	}

	var updates int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM index_versions`).Scan(&updates); err != nil {
		return nil, fmt.Errorf("counting versions: %w", err)
	}

	return &Statistics{
		Current:      current,
		TotalEvents:  stats.TotalEvents,
		TotalChunks:  stats.TotalChunks,
		DateMin:      stats.DateMin,
		DateMax:      stats.DateMax,
		TopHazards:   stats.TopHazards,
		TopLocations: stats.TopLocations,
		UpdateCount:  updates,
	}, nil
}

// Resync reconciles the current version's totals with what the index
// actually holds and stamps it resynced. Returns the corrected version, or
// nil when there is no current version to correct.
func (s *Store) Resync(ctx context.Context, idx *index.Store) (*Version, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading index stats: %w", err)
	}

	drifted := current.TotalEvents != stats.TotalEvents || current.TotalChunks != stats.TotalChunks
	if !drifted {
		s.logger.Info("metadata already in sync", "version", current.ID)
		return current, nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE index_versions
		SET total_events = $2, total_chunks = $3,
			date_min = NULLIF($4, 'epoch'::date), date_max = NULLIF($5, 'epoch'::date),
			status = $6
		WHERE id = $1`,
		current.ID, stats.TotalEvents, stats.TotalChunks, stats.DateMin, stats.DateMax, StatusResynced)
	if err != nil {
		return nil, fmt.Errorf("resyncing version %s: %w", current.ID, err)
	}

	s.logger.Warn("metadata drift corrected",
		"version", current.ID,
		"events", fmt.Sprintf("%d -> %d", current.TotalEvents, stats.TotalEvents),
		"chunks", fmt.Sprintf("%d -> %d", current.TotalChunks, stats.TotalChunks))

	return s.Current(ctx)
}

func scanVersion(row pgx.Row) (*Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.RecordedAt, &v.SourceFile, &v.TotalEvents, &v.TotalChunks,
		&v.NewEvents, &v.ModifiedEvents, &v.DeletedEvents, &v.EmbeddingModel,
		&v.Status, &v.Actor, &v.DateMin, &v.DateMax)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Package update rebuilds the index from a new snapshot: validate, diff
// against the snapshot currently serving queries, back up, re-embed, swap
// atomically, and record the outcome. Any failure after backup restores both
// the previous index state and the previous snapshot file.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/embed"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/meta"
)

// State is the observable phase of an update in progress.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateDiffing    State = "diffing"
	StateBackingUp  State = "backing_up"
	StateRebuilding State = "rebuilding"
	StateSwapping   State = "swapping"
	StateRecorded   State = "recorded"
	StateRolledBack State = "rolled_back"
)

const (
	currentSnapshotName = "current_snapshot.xlsx"
	backupDirName       = "backups"
	uploadsDirName      = "uploads"
	timestampLayout     = "20060102_150405"

	// DefaultRetention is how long index and snapshot backups are kept.
	DefaultRetention = 48 * time.Hour
)

// ErrUpdateInProgress rejects concurrent updates; they are serialized by
// refusing, not queueing.
var ErrUpdateInProgress = errors.New("an update is already in progress")

// Outcome reports what an Apply call did.
type Outcome struct {
	VersionID string
	State     State
	Diff      Diff
	NoOp      bool
	Pending   bool
	JobID     string
	Events    int
	Chunks    int
}

// IndexStore is the index surface the manager drives.
type IndexStore interface {
	Count(ctx context.Context) (int, error)
	ReplaceAll(ctx context.Context, chunks []chunker.Chunk, vectors [][]float32) error
	BackupTo(ctx context.Context, suffix string) error
	RestoreFrom(ctx context.Context, suffix string) error
	DropBackup(ctx context.Context, suffix string) error
	ListBackups(ctx context.Context) ([]string, error)
}

// VersionStore records update history.
type VersionStore interface {
	RecordUpdate(ctx context.Context, v meta.Version) error
}

// EmbedService resolves chunk texts to vectors, possibly deferring to the
// bulk lane.
type EmbedService interface {
	EmbedMany(ctx context.Context, texts []string) (*embed.Result, error)
}

// Options configure a Manager.
type Options struct {
	DataDir        string
	EmbeddingModel string
	Retention      time.Duration
}

// Manager owns the update lifecycle. One update runs at a time.
type Manager struct {
	chunker  *chunker.Chunker
	embeds   EmbedService
	idx      IndexStore
	versions VersionStore
	opts     Options
	now      func() time.Time
	logger   log.Logger

	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

func NewManager(c *chunker.Chunker, embeds EmbedService, idx IndexStore, versions VersionStore, opts Options, logger log.Logger) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Manager{
		chunker:  c,
		embeds:   embeds,
		idx:      idx,
		versions: versions,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the phase of the update currently running, or idle.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.stateMu.Unlock()
	m.logger.Info("update state changed", "from", string(prev), "to", string(s))
}

// Apply runs a full update from the snapshot at path. An identical snapshot
// against a populated index is a no-op. When embedding defers to the bulk
// lane, a pending version is recorded and nothing touches the index; re-run
// Apply once the job completes and the hot cache carries it through
// synchronously.
func (m *Manager) Apply(ctx context.Context, snapshotPath, actor string) (*Outcome, error) {
	if !m.mu.TryLock() {
		return nil, ErrUpdateInProgress
	}
	defer m.mu.Unlock()
	defer m.setState(StateIdle)

	m.setState(StateValidating)
	archived, err := m.persistUpload(snapshotPath)
	if err != nil {
		return nil, err
	}

	table, err := chunker.LoadSnapshot(archived)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if verr := chunker.Validate(table).Err(); verr != nil {
		return nil, fmt.Errorf("validating snapshot: %w", verr)
	}
	events := chunker.Extract(table, m.logger)
	if len(events) == 0 {
		return nil, errors.New("snapshot contains no usable events")
	}

	m.setState(StateDiffing)
	diff, firstLoad, err := m.diffAgainstCurrent(archived, events)
	if err != nil {
		return nil, err
	}
	if len(diff.Absent) > 0 {
		m.logger.Info("entries absent from new snapshot, tracked only", "ids", diff.Absent)
	}

	indexed, err := m.idx.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting indexed chunks: %w", err)
	}

	if !firstLoad && diff.Empty() && indexed > 0 {
		m.logger.Info("no entry changes against current snapshot, nothing to do")
		return &Outcome{State: StateIdle, NoOp: true, Diff: diff, Events: len(events)}, nil
	}

	chunks := m.chunker.ChunkEvents(events)
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	versionID := "v_" + m.now().UTC().Format(timestampLayout)
	version := m.buildVersion(versionID, archived, actor, events, chunks, diff)

	res, err := m.embeds.EmbedMany(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if res.Pending {
		version.Status = meta.StatusPending
		if err := m.versions.RecordUpdate(ctx, version); err != nil {
			return nil, fmt.Errorf("recording pending version: %w", err)
		}
		m.logger.Info("update deferred pending bulk embeddings",
			"version", versionID, "job_id", res.JobID, "chunks", len(chunks))
		return &Outcome{
			VersionID: versionID, State: StateIdle, Diff: diff,
			Pending: true, JobID: res.JobID,
			Events: len(events), Chunks: len(chunks),
		}, nil
	}

	m.setState(StateBackingUp)
	suffix := m.now().UTC().Format(timestampLayout)
	hasBackup := indexed > 0
	if hasBackup {
		if err := m.idx.BackupTo(ctx, suffix); err != nil {
			return nil, fmt.Errorf("backing up index: %w", err)
		}
		m.backupSnapshotFile(suffix)
	}

	m.setState(StateRebuilding)
	m.setState(StateSwapping)
	if err := m.idx.ReplaceAll(ctx, chunks, res.Vectors); err != nil {
		return m.rollback(ctx, versionID, version, suffix, hasBackup, diff, err)
	}

	if err := m.promoteSnapshot(archived); err != nil {
		return m.rollback(ctx, versionID, version, suffix, hasBackup, diff, err)
	}

	m.setState(StateRecorded)
	version.Status = meta.StatusRecorded
	if err := m.versions.RecordUpdate(ctx, version); err != nil {
		return m.rollback(ctx, versionID, version, suffix, hasBackup, diff,
			fmt.Errorf("recording version: %w", err))
	}

	m.purgeExpiredBackups(ctx)

	m.logger.Info("update applied", "version", versionID,
		"new", len(diff.New), "modified", len(diff.Modified), "absent", len(diff.Absent),
		"chunks", len(chunks))
	return &Outcome{
		VersionID: versionID, State: StateRecorded, Diff: diff,
		Events: len(events), Chunks: len(chunks),
	}, nil
}

func (m *Manager) diffAgainstCurrent(snapshotPath string, events []chunker.Event) (Diff, bool, error) {
	currentPath := filepath.Join(m.opts.DataDir, currentSnapshotName)
	if _, err := os.Stat(currentPath); err != nil {
		if os.IsNotExist(err) {
			var d Diff
			for _, ev := range events {
				d.New = append(d.New, ev.EntryID)
			}
			return d, true, nil
		}
		return Diff{}, false, fmt.Errorf("checking current snapshot: %w", err)
	}

	// Byte-identical snapshots need no row-level comparison.
	newHash, err := chunker.SnapshotHash(snapshotPath)
	if err != nil {
		return Diff{}, false, fmt.Errorf("hashing snapshot: %w", err)
	}
	curHash, err := chunker.SnapshotHash(currentPath)
	if err != nil {
		return Diff{}, false, fmt.Errorf("hashing current snapshot: %w", err)
	}
	if newHash == curHash {
		return Diff{}, false, nil
	}

	prevTable, err := chunker.LoadSnapshot(currentPath)
	if err != nil {
		return Diff{}, false, fmt.Errorf("loading current snapshot: %w", err)
	}
	prev := chunker.Extract(prevTable, m.logger)
	return diffEvents(prev, events), false, nil
}

func (m *Manager) buildVersion(id, source, actor string, events []chunker.Event, chunks []chunker.Chunk, d Diff) meta.Version {
	var dateMin, dateMax time.Time
	for _, ev := range events {
		if dateMin.IsZero() || ev.Date.Before(dateMin) {
			dateMin = ev.Date
		}
		if ev.Date.After(dateMax) {
			dateMax = ev.Date
		}
	}
	return meta.Version{
		ID:             id,
		RecordedAt:     m.now().UTC(),
		SourceFile:     filepath.Base(source),
		TotalEvents:    len(events),
		TotalChunks:    len(chunks),
		NewEvents:      len(d.New),
		ModifiedEvents: len(d.Modified),
		// Absent entries are tracked in logs, never recorded as deletions.
		DeletedEvents: 0,
		EmbeddingModel: m.opts.EmbeddingModel,
		Actor:          actor,
		DateMin:        dateMin,
		DateMax:        dateMax,
	}
}

func (m *Manager) rollback(ctx context.Context, versionID string, version meta.Version, suffix string, hasBackup bool, d Diff, cause error) (*Outcome, error) {
	m.setState(StateRolledBack)
	m.logger.Error("update failed, rolling back", "version", versionID, "error", cause)

	if hasBackup {
		if err := m.idx.RestoreFrom(ctx, suffix); err != nil {
			m.logger.Error("rollback restore failed, backup retained",
				"suffix", suffix, "error", err)
			return nil, fmt.Errorf("update failed (%w) and restore failed: %v", cause, err)
		}
		m.restoreSnapshotFile(suffix)
	}

	version.Status = meta.StatusRolledBack
	if err := m.versions.RecordUpdate(ctx, version); err != nil {
		m.logger.Error("recording rolled-back version failed", "version", versionID, "error", err)
	}

	return &Outcome{VersionID: versionID, State: StateRolledBack, Diff: d},
		fmt.Errorf("update %s rolled back: %w", versionID, cause)
}

// persistUpload archives the raw upload before anything reads it, so a
// rejected or rolled-back update still leaves an auditable copy.
func (m *Manager) persistUpload(path string) (string, error) {
	dir := filepath.Join(m.opts.DataDir, uploadsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating uploads directory: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("DR_database_%s.xlsx", m.now().UTC().Format(timestampLayout)))
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("archiving upload: %w", err)
	}
	m.logger.Info("upload archived", "file", dst)
	return dst, nil
}

func (m *Manager) promoteSnapshot(path string) error {
	if err := os.MkdirAll(m.opts.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	dst := filepath.Join(m.opts.DataDir, currentSnapshotName)
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("promoting snapshot: %w", err)
	}
	return nil
}

func (m *Manager) backupSnapshotFile(suffix string) {
	src := filepath.Join(m.opts.DataDir, currentSnapshotName)
	if _, err := os.Stat(src); err != nil {
		return
	}
	dir := filepath.Join(m.opts.DataDir, backupDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		m.logger.Warn("creating backup directory failed", "error", err)
		return
	}
	dst := filepath.Join(dir, fmt.Sprintf("backup_%s.xlsx", suffix))
	if err := copyFile(src, dst); err != nil {
		m.logger.Warn("backing up snapshot file failed", "error", err)
	}
}

// restoreSnapshotFile puts the backed-up snapshot back as the current one so
// the next diff runs against pre-update contents.
func (m *Manager) restoreSnapshotFile(suffix string) {
	src := filepath.Join(m.opts.DataDir, backupDirName, fmt.Sprintf("backup_%s.xlsx", suffix))
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(m.opts.DataDir, currentSnapshotName)
	if err := copyFile(src, dst); err != nil {
		m.logger.Error("restoring snapshot file failed", "suffix", suffix, "error", err)
	}
}

// purgeExpiredBackups drops index backup tables and snapshot file backups
// older than the retention window. Purge failures never fail an update.
func (m *Manager) purgeExpiredBackups(ctx context.Context) {
	cutoff := m.now().UTC().Add(-m.opts.Retention)

	suffixes, err := m.idx.ListBackups(ctx)
	if err != nil {
		m.logger.Warn("listing index backups failed", "error", err)
	}
	for _, suffix := range suffixes {
		ts, err := time.Parse(timestampLayout, suffix)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if err := m.idx.DropBackup(ctx, suffix); err != nil {
				m.logger.Warn("dropping expired backup failed", "suffix", suffix, "error", err)
			} else {
				m.logger.Info("expired index backup dropped", "suffix", suffix)
			}
		}
	}

	dir := filepath.Join(m.opts.DataDir, backupDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".xlsx") {
			continue
		}
		ts, err := time.Parse(timestampLayout, strings.TrimSuffix(strings.TrimPrefix(name, "backup_"), ".xlsx"))
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				m.logger.Warn("removing expired snapshot backup failed", "file", name, "error", err)
			}
		}
	}
}

// copyFile replaces dst atomically; a failure mid-copy never leaves a
// truncated destination behind.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

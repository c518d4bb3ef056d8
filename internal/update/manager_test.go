package update

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/goleak"

	"github.com/episcope/episcope/internal/chunker"
	"github.com/episcope/episcope/internal/embed"
	"github.com/episcope/episcope/internal/log"
	"github.com/episcope/episcope/internal/meta"
)

// Updates run through mutexes and deferred state transitions; make sure no
// test leaves a goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*http2clientConnReadLoop).run"),
	)
}

type fakeIndex struct {
	count      int
	replaceErr error

	replaceCalls int
	lastChunks   []chunker.Chunk
	backups      []string
	restored     []string
	dropped      []string
}

func (f *fakeIndex) Count(context.Context) (int, error) { return f.count, nil }

func (f *fakeIndex) ReplaceAll(_ context.Context, chunks []chunker.Chunk, _ [][]float32) error {
	f.replaceCalls++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.lastChunks = chunks
	f.count = len(chunks)
	return nil
}

func (f *fakeIndex) BackupTo(_ context.Context, suffix string) error {
	f.backups = append(f.backups, suffix)
	return nil
}

func (f *fakeIndex) RestoreFrom(_ context.Context, suffix string) error {
	f.restored = append(f.restored, suffix)
	return nil
}

func (f *fakeIndex) DropBackup(_ context.Context, suffix string) error {
	f.dropped = append(f.dropped, suffix)
	return nil
}

func (f *fakeIndex) ListBackups(context.Context) ([]string, error) {
	return append([]string(nil), f.backups...), nil
}

type fakeVersions struct {
	recorded   []meta.Version
	failStatus string
}

func (f *fakeVersions) RecordUpdate(_ context.Context, v meta.Version) error {
	if f.failStatus != "" && v.Status == f.failStatus {
		return errors.New("connection reset")
	}
	f.recorded = append(f.recorded, v)
	return nil
}

type fakeEmbeds struct {
	pending bool
	jobID   string
	calls   int
}

func (f *fakeEmbeds) EmbedMany(_ context.Context, texts []string) (*embed.Result, error) {
	f.calls++
	if f.pending {
		return &embed.Result{Pending: true, JobID: f.jobID}, nil
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = make([]float32, 4)
	}
	return &embed.Result{Vectors: vectors}, nil
}

var snapshotHeader = []string{"ENTRY_#", "DATE", "HAZARD", "REPORTED_LOCATION", "SUMMARY", "SECTION"}

func writeSnapshot(t *testing.T, path string, dataRows ...[]string) {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(chunker.DefaultSheetName); err != nil {
		t.Fatalf("creating sheet: %v", err)
	}

	rows := append([][]string{snapshotHeader}, dataRows...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(chunker.DefaultSheetName, cell, &row); err != nil {
			t.Fatalf("writing row %d: %v", i, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("saving snapshot: %v", err)
	}
}

func row(id, date, hazard, summary string) []string {
	return []string{id, date, hazard, "Kenya", summary, "Infectious Diseases"}
}

type managerFixture struct {
	m        *Manager
	idx      *fakeIndex
	versions *fakeVersions
	embeds   *fakeEmbeds
	dataDir  string
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	c, err := chunker.New(chunker.DefaultChunkSize, chunker.DefaultChunkOverlap, log.NewNop())
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}

	fx := &managerFixture{
		idx:      &fakeIndex{},
		versions: &fakeVersions{},
		embeds:   &fakeEmbeds{jobID: "job-1"},
		dataDir:  t.TempDir(),
	}
	fx.m = NewManager(c, fx.embeds, fx.idx, fx.versions, Options{
		DataDir:        fx.dataDir,
		EmbeddingModel: "gemini-embedding-001",
	}, log.NewNop())
	return fx
}

func TestApplyFirstLoad(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(t.TempDir(), "snapshot.xlsx")
	writeSnapshot(t, path,
		row("1", "2024/03/10", "Cholera", "Cholera outbreak in coastal Kenya."),
		row("2", "2024/03/20", "Measles", "Measles cluster in schools."),
	)

	out, err := fx.m.Apply(context.Background(), path, "tester")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if out.State != StateRecorded || out.NoOp || out.Pending {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Diff.New) != 2 {
		t.Fatalf("first load diff.New = %v, want all entries", out.Diff.New)
	}
	if fx.idx.replaceCalls != 1 {
		t.Fatalf("ReplaceAll called %d times, want 1", fx.idx.replaceCalls)
	}
	if len(fx.idx.backups) != 0 {
		t.Fatalf("first load backed up an empty index: %v", fx.idx.backups)
	}
	if len(fx.versions.recorded) != 1 || fx.versions.recorded[0].Status != meta.StatusRecorded {
		t.Fatalf("recorded versions = %+v", fx.versions.recorded)
	}
	if fx.versions.recorded[0].NewEvents != 2 {
		t.Fatalf("NewEvents = %d, want 2", fx.versions.recorded[0].NewEvents)
	}
	if _, err := os.Stat(filepath.Join(fx.dataDir, currentSnapshotName)); err != nil {
		t.Fatalf("snapshot not promoted: %v", err)
	}
	if fx.m.State() != StateIdle {
		t.Fatalf("manager state = %s, want idle", fx.m.State())
	}
}

func TestApplyIdenticalSnapshotIsNoOp(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(t.TempDir(), "snapshot.xlsx")
	writeSnapshot(t, path, row("1", "2024/03/10", "Cholera", "Cholera outbreak."))

	if _, err := fx.m.Apply(context.Background(), path, "tester"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	out, err := fx.m.Apply(context.Background(), path, "tester")
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if !out.NoOp {
		t.Fatalf("identical snapshot was not a no-op: %+v", out)
	}
	if fx.idx.replaceCalls != 1 {
		t.Fatalf("ReplaceAll called %d times, want 1", fx.idx.replaceCalls)
	}
	if len(fx.versions.recorded) != 1 {
		t.Fatalf("no-op recorded a version: %+v", fx.versions.recorded)
	}
}

func TestApplyComputesDiffAgainstPromotedSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := filepath.Join(dir, "a.xlsx")
	writeSnapshot(t, first,
		row("1", "2024/03/01", "Cholera", "original cholera summary"),
		row("2", "2024/03/02", "Measles", "original measles summary"),
		row("3", "2024/03/03", "Dengue", "original dengue summary"),
	)
	if _, err := fx.m.Apply(ctx, first, "tester"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	second := filepath.Join(dir, "b.xlsx")
	writeSnapshot(t, second,
		row("2", "2024/03/02", "Measles", "revised measles summary"),
		row("3", "2024/03/03", "Dengue", "original dengue summary"),
		row("4", "2024/03/04", "Mpox", "new mpox event"),
	)
	out, err := fx.m.Apply(ctx, second, "tester")
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if len(out.Diff.New) != 1 || out.Diff.New[0] != "00004" {
		t.Errorf("Diff.New = %v, want [00004]", out.Diff.New)
	}
	if len(out.Diff.Modified) != 1 || out.Diff.Modified[0] != "00002" {
		t.Errorf("Diff.Modified = %v, want [00002]", out.Diff.Modified)
	}
	if len(out.Diff.Absent) != 1 || out.Diff.Absent[0] != "00001" {
		t.Errorf("Diff.Absent = %v, want [00001]", out.Diff.Absent)
	}
	if len(fx.idx.backups) != 1 {
		t.Errorf("populated index was not backed up: %v", fx.idx.backups)
	}

	// Entries disappearing from the source are tracked, not deleted.
	last := fx.versions.recorded[len(fx.versions.recorded)-1]
	if last.DeletedEvents != 0 {
		t.Errorf("DeletedEvents = %d, want 0", last.DeletedEvents)
	}

	// Event 1 is gone anyway because every update rebuilds in full.
	for _, ch := range fx.idx.lastChunks {
		if ch.EventID == "00001" {
			t.Error("entry 00001 survived the rebuild")
		}
	}
}

func TestApplyAbsentOnlySnapshotIsNoOp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := filepath.Join(dir, "a.xlsx")
	writeSnapshot(t, first,
		row("1", "2024/03/01", "Cholera", "summary one"),
		row("2", "2024/03/02", "Measles", "summary two"),
	)
	if _, err := fx.m.Apply(ctx, first, "tester"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	second := filepath.Join(dir, "b.xlsx")
	writeSnapshot(t, second, row("2", "2024/03/02", "Measles", "summary two"))
	out, err := fx.m.Apply(ctx, second, "tester")
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	if !out.NoOp {
		t.Fatalf("row removal alone triggered a rebuild: %+v", out)
	}
	if len(out.Diff.Absent) != 1 || out.Diff.Absent[0] != "00001" {
		t.Errorf("Diff.Absent = %v, want [00001]", out.Diff.Absent)
	}
	if fx.idx.replaceCalls != 1 {
		t.Fatalf("ReplaceAll called %d times, want 1", fx.idx.replaceCalls)
	}
}

func TestApplyRollsBackOnSwapFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := filepath.Join(dir, "a.xlsx")
	writeSnapshot(t, first, row("1", "2024/03/01", "Cholera", "summary one"))
	if _, err := fx.m.Apply(ctx, first, "tester"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	fx.idx.replaceErr = errors.New("deadlock detected")
	second := filepath.Join(dir, "b.xlsx")
	writeSnapshot(t, second, row("2", "2024/03/02", "Measles", "summary two"))

	out, err := fx.m.Apply(ctx, second, "tester")
	if err == nil {
		t.Fatal("expected swap failure to surface")
	}
	if out == nil || out.State != StateRolledBack {
		t.Fatalf("outcome = %+v, want rolled back", out)
	}
	if len(fx.idx.restored) != 1 {
		t.Fatalf("restore calls = %v, want exactly one", fx.idx.restored)
	}

	last := fx.versions.recorded[len(fx.versions.recorded)-1]
	if last.Status != meta.StatusRolledBack {
		t.Fatalf("last version status = %q, want rolled_back", last.Status)
	}
	if fx.m.State() != StateIdle {
		t.Fatalf("manager state = %s, want idle after rollback", fx.m.State())
	}
	assertCurrentSnapshotEquals(t, fx.dataDir, first)
}

// assertCurrentSnapshotEquals checks that the promoted snapshot carries
// exactly the bytes of want.
func assertCurrentSnapshotEquals(t *testing.T, dataDir, want string) {
	t.Helper()

	got, err := os.ReadFile(filepath.Join(dataDir, currentSnapshotName))
	if err != nil {
		t.Fatalf("reading current snapshot: %v", err)
	}
	expected, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading %s: %v", want, err)
	}
	if !bytes.Equal(got, expected) {
		t.Errorf("current snapshot does not match %s", want)
	}
}

func TestApplyRollsBackWhenRecordingFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := filepath.Join(dir, "a.xlsx")
	writeSnapshot(t, first, row("1", "2024/03/01", "Cholera", "summary one"))
	if _, err := fx.m.Apply(ctx, first, "tester"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	// The swap and promotion succeed; only the history write fails.
	fx.versions.failStatus = meta.StatusRecorded
	second := filepath.Join(dir, "b.xlsx")
	writeSnapshot(t, second, row("2", "2024/03/02", "Measles", "summary two"))

	out, err := fx.m.Apply(ctx, second, "tester")
	if err == nil {
		t.Fatal("expected recording failure to surface")
	}
	if out == nil || out.State != StateRolledBack {
		t.Fatalf("outcome = %+v, want rolled back", out)
	}
	if len(fx.idx.restored) != 1 {
		t.Fatalf("restore calls = %v, want exactly one", fx.idx.restored)
	}
	assertCurrentSnapshotEquals(t, fx.dataDir, first)
}

func TestApplyDefersToBulkLane(t *testing.T) {
	fx := newFixture(t)
	fx.embeds.pending = true
	path := filepath.Join(t.TempDir(), "snapshot.xlsx")
	writeSnapshot(t, path, row("1", "2024/03/01", "Cholera", "summary"))

	out, err := fx.m.Apply(context.Background(), path, "tester")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !out.Pending || out.JobID != "job-1" {
		t.Fatalf("outcome = %+v, want pending with job-1", out)
	}
	if fx.idx.replaceCalls != 0 {
		t.Fatal("pending update touched the index")
	}
	if len(fx.versions.recorded) != 1 || fx.versions.recorded[0].Status != meta.StatusPending {
		t.Fatalf("recorded versions = %+v, want one pending", fx.versions.recorded)
	}
	if _, err := os.Stat(filepath.Join(fx.dataDir, currentSnapshotName)); !os.IsNotExist(err) {
		t.Fatal("pending update promoted the snapshot")
	}
}

func TestApplyRejectsInvalidSnapshot(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(t.TempDir(), "snapshot.xlsx")

	// Missing the SUMMARY column.
	f := excelize.NewFile()
	if _, err := f.NewSheet(chunker.DefaultSheetName); err != nil {
		t.Fatalf("creating sheet: %v", err)
	}
	header := []string{"ENTRY_#", "DATE", "HAZARD"}
	if err := f.SetSheetRow(chunker.DefaultSheetName, "A1", &header); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("saving snapshot: %v", err)
	}
	f.Close()

	if _, err := fx.m.Apply(context.Background(), path, "tester"); err == nil {
		t.Fatal("expected validation error")
	}
	if fx.idx.replaceCalls != 0 {
		t.Fatal("invalid snapshot reached the index")
	}
	// The rejected upload still leaves an auditable copy.
	if got := listUploads(t, fx.dataDir); len(got) != 1 {
		t.Fatalf("archived uploads = %v, want one", got)
	}
}

func listUploads(t *testing.T, dataDir string) []string {
	t.Helper()

	entries, err := os.ReadDir(filepath.Join(dataDir, uploadsDirName))
	if err != nil {
		t.Fatalf("reading uploads dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestApplyArchivesUpload(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(t.TempDir(), "snapshot.xlsx")
	writeSnapshot(t, path, row("1", "2024/03/01", "Cholera", "summary"))

	if _, err := fx.m.Apply(context.Background(), path, "tester"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	uploads := listUploads(t, fx.dataDir)
	if len(uploads) != 1 || !strings.HasPrefix(uploads[0], "DR_database_") {
		t.Fatalf("archived uploads = %v, want one DR_database_*.xlsx", uploads)
	}
	if got := fx.versions.recorded[0].SourceFile; got != uploads[0] {
		t.Errorf("version source = %q, want archived file %q", got, uploads[0])
	}
}

func TestPurgeExpiredBackups(t *testing.T) {
	fx := newFixture(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	fx.m.now = func() time.Time { return now }

	old := now.Add(-72 * time.Hour).Format(timestampLayout)
	recent := now.Add(-2 * time.Hour).Format(timestampLayout)
	fx.idx.backups = []string{old, recent}

	backupDir := filepath.Join(fx.dataDir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, suffix := range []string{old, recent} {
		name := filepath.Join(backupDir, "backup_"+suffix+".xlsx")
		if err := os.WriteFile(name, []byte("x"), 0o600); err != nil {
			t.Fatalf("seeding backup file: %v", err)
		}
	}

	fx.m.purgeExpiredBackups(context.Background())

	if len(fx.idx.dropped) != 1 || fx.idx.dropped[0] != old {
		t.Fatalf("dropped = %v, want only %s", fx.idx.dropped, old)
	}
	if _, err := os.Stat(filepath.Join(backupDir, "backup_"+old+".xlsx")); !os.IsNotExist(err) {
		t.Error("expired snapshot backup survived purge")
	}
	if _, err := os.Stat(filepath.Join(backupDir, "backup_"+recent+".xlsx")); err != nil {
		t.Error("recent snapshot backup was purged")
	}
}

package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/episcope/episcope/internal/log"
)

// DefaultSheetName is the worksheet events are read from.
const DefaultSheetName = "DR data"

// ErrInvalidSnapshot indicates a snapshot failed schema validation.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// requiredColumns must all be present for a snapshot to be accepted.
var requiredColumns = []string{
	"ENTRY_#", "DATE", "HAZARD", "REPORTED_LOCATION", "SUMMARY", "SECTION",
}

// Table is a column-indexed view of one worksheet.
type Table struct {
	Columns []string
	Rows    [][]string

	colIdx map[string]int
}

// NewTable builds a Table from raw rows where the first row is the header.
func NewTable(rows [][]string) *Table {
	t := &Table{colIdx: make(map[string]int)}
	if len(rows) == 0 {
		return t
	}
	t.Columns = rows[0]
	t.Rows = rows[1:]
	for i, name := range t.Columns {
		t.colIdx[strings.TrimSpace(name)] = i
	}
	return t
}

// cell returns the trimmed value of the named column in the given row, or ""
// when the column is absent or the row is short.
func (t *Table) cell(row []string, column string) string {
	idx, ok := t.colIdx[column]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func (t *Table) hasColumn(column string) bool {
	_, ok := t.colIdx[column]
	return ok
}

// Validation is the result of snapshot schema validation. Errors reject the
// snapshot; warnings are advisory (affected rows get skipped later).
type Validation struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	TotalRows int
}

// Err converts a failed validation into an error, nil otherwise.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(v.Errors, "; "))
}

// LoadSnapshot reads the events worksheet of an xlsx snapshot file.
func LoadSnapshot(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(DefaultSheetName)
	if err != nil {
		return nil, fmt.Errorf("reading worksheet %q (available: %v): %w",
			DefaultSheetName, f.GetSheetList(), err)
	}

	return NewTable(rows), nil
}

// SnapshotHash returns the SHA-256 hex digest of a snapshot file, used for
// change detection before an update runs.
func SnapshotHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening snapshot for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing snapshot: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Validate checks snapshot structure. Missing required columns or an empty
// table are errors; rows without an ENTRY_# are warnings and get filtered
// out during extraction.
func Validate(t *Table) Validation {
	v := Validation{TotalRows: len(t.Rows)}

	var missing []string
	for _, col := range requiredColumns {
		if !t.hasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		v.Errors = append(v.Errors, "missing required columns: "+strings.Join(missing, ", "))
	}

	if len(t.Rows) == 0 {
		v.Errors = append(v.Errors, "snapshot contains no data rows")
	}

	if t.hasColumn("ENTRY_#") {
		emptyIDs := 0
		for _, row := range t.Rows {
			if t.cell(row, "ENTRY_#") == "" {
				emptyIDs++
			}
		}
		if emptyIDs > 0 {
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("%d rows have missing ENTRY_# (will be skipped)", emptyIDs))
		}
	}

	v.Valid = len(v.Errors) == 0
	return v
}

// dateLayouts are tried in order when parsing the DATE column.
var dateLayouts = []string{
	"2006/01/02",
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01-02-06",
	"1/2/2006",
}

func parseEventDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}

// padEntryID left-pads an entry ID with zeros to the canonical 5-digit width.
func padEntryID(id string) string {
	if len(id) >= 5 {
		return id
	}
	return strings.Repeat("0", 5-len(id)) + id
}

// referenceColumns returns the label and URL column names for the i-th
// reference slot (1-based). The third URL column header is truncated to
// "REFERENCE_03ur" in the source data.
func referenceColumns(i int) (label, url string) {
	label = fmt.Sprintf("REFERENCE_0%dlab", i)
	if i < 3 {
		url = fmt.Sprintf("REFERENCE_0%durl", i)
	} else {
		url = fmt.Sprintf("REFERENCE_0%dur", i)
	}
	return label, url
}

// Extract converts validated snapshot rows into events. Rows without an
// ENTRY_# or with unparseable dates are logged and skipped; one bad row never
// aborts the batch.
func Extract(t *Table, logger log.Logger) []Event {
	events := make([]Event, 0, len(t.Rows))
	skipped := 0

	for idx, row := range t.Rows {
		rawID := t.cell(row, "ENTRY_#")
		if rawID == "" {
			skipped++
			continue
		}

		date, err := parseEventDate(t.cell(row, "DATE"))
		if err != nil {
			logger.Warn("skipping row with unparseable date",
				"entry_id", rawID, "row", idx, "error", err)
			skipped++
			continue
		}

		var refs []Reference
		for i := 1; i <= 3; i++ {
			labelCol, urlCol := referenceColumns(i)
			label := t.cell(row, labelCol)
			url := t.cell(row, urlCol)
			if label != "" && url != "" {
				refs = append(refs, Reference{Label: label, URL: url})
			}
		}

		ev := Event{
			EntryID:          padEntryID(rawID),
			Date:             date,
			Hazard:           cellOr(t, row, "HAZARD", "Unknown"),
			ReportedLocation: cellOr(t, row, "REPORTED_LOCATION", "N/A"),
			CitedLocation:    cellOr(t, row, "CITED_LOCATION", "N/A"),
			Summary:          t.cell(row, "SUMMARY"),
			Section:          t.cell(row, "SECTION"),
			ProgramAreas:     cellOr(t, row, "PROGRAM_AREAS", "N/A"),
			References:       refs,
		}
		ev.derive()
		events = append(events, ev)
	}

	if skipped > 0 {
		logger.Info("extraction skipped rows", "skipped", skipped, "extracted", len(events))
	}
	return events
}

func cellOr(t *Table, row []string, column, fallback string) string {
	if s := t.cell(row, column); s != "" {
		return s
	}
	return fallback
}

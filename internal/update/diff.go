package update

import (
	"sort"

	"github.com/episcope/episcope/internal/chunker"
)

// Diff is the entry-level difference between two snapshots. Modified means
// the summary text changed; other field edits do not trigger a rebuild on
// their own but are swept up because rebuilds are full. Entries missing from
// the new snapshot land in Absent: they are tracked for the logs and never
// reported or recorded as deletions.
type Diff struct {
	New      []string
	Modified []string
	Absent   []string
}

// Empty reports whether the snapshots carry the same entries. Absent ids do
// not count; a snapshot that only drops rows changes nothing downstream.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Modified) == 0
}

// diffEvents compares snapshots by entry ID.
func diffEvents(old, current []chunker.Event) Diff {
	oldByID := make(map[string]chunker.Event, len(old))
	for _, ev := range old {
		oldByID[ev.EntryID] = ev
	}

	var d Diff
	seen := make(map[string]bool, len(current))
	for _, ev := range current {
		seen[ev.EntryID] = true
		prev, ok := oldByID[ev.EntryID]
		if !ok {
			d.New = append(d.New, ev.EntryID)
			continue
		}
		if prev.Summary != ev.Summary {
			d.Modified = append(d.Modified, ev.EntryID)
		}
	}
	for _, ev := range old {
		if !seen[ev.EntryID] {
			d.Absent = append(d.Absent, ev.EntryID)
		}
	}

	sort.Strings(d.New)
	sort.Strings(d.Modified)
	sort.Strings(d.Absent)
	return d
}

// Package chunker turns surveillance snapshot rows into events and
// token-bounded chunks ready for embedding.
package chunker

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reference is a source citation attached to an event.
type Reference struct {
	Label string
	URL   string
}

// Event is one surveillance event extracted from a snapshot row.
// NormalizedHazard and Keywords are derived deterministically from the raw
// fields so identical rows always produce identical events.
type Event struct {
	EntryID          string
	Date             time.Time
	Hazard           string
	NormalizedHazard string
	ReportedLocation string
	CitedLocation    string
	Summary          string
	Section          string
	ProgramAreas     string
	References       []Reference
	Keywords         []string
}

// epiTerms is the fixed epidemiological lexicon scanned in summaries.
var epiTerms = []string{
	"outbreak", "cases", "deaths", "confirmed", "suspected",
	"probable", "surveillance", "alert", "epidemic", "pandemic",
	"cluster", "transmission", "infection", "disease",
}

// maxKeywords caps the keyword list per event.
const maxKeywords = 15

// NormalizeHazard lower-cases and trims a hazard name so filter matching is
// case-insensitive.
func NormalizeHazard(hazard string) string {
	return strings.ToLower(strings.TrimSpace(hazard))
}

// derive fills NormalizedHazard and Keywords from the raw fields.
func (e *Event) derive() {
	e.NormalizedHazard = NormalizeHazard(e.Hazard)
	e.Keywords = e.extractKeywords()
}

// extractKeywords builds the sorted keyword set: the normalized hazard,
// comma-separated location tokens, and any epidemiological terms present in
// the summary.
func (e *Event) extractKeywords() []string {
	set := make(map[string]struct{})

	if e.NormalizedHazard != "" {
		set[e.NormalizedHazard] = struct{}{}
	}

	for _, location := range []string{e.ReportedLocation, e.CitedLocation} {
		if location == "" || location == "N/A" {
			continue
		}
		for _, token := range strings.Split(strings.ToLower(location), ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				set[token] = struct{}{}
			}
		}
	}

	summary := strings.ToLower(e.Summary)
	for _, term := range epiTerms {
		if strings.Contains(summary, term) {
			set[term] = struct{}{}
		}
	}

	keywords := make([]string, 0, len(set))
	for k := range set {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// Text serializes the event into its searchable representation. This is the
// exact text that gets chunked and embedded.
func (e *Event) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Event #%s: %s", e.EntryID, e.Hazard)
	fmt.Fprintf(&b, "\n**Date:** %s", e.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "\n**Reported Location:** %s", e.ReportedLocation)

	if e.CitedLocation != "" && e.CitedLocation != "N/A" {
		fmt.Fprintf(&b, "\n**Cited Location:** %s", e.CitedLocation)
	}

	fmt.Fprintf(&b, "\n\n**Summary:**\n%s", e.Summary)

	b.WriteString("\n\n**Classification:**")
	fmt.Fprintf(&b, "\n- Section: %s", e.Section)
	if e.ProgramAreas != "" && e.ProgramAreas != "N/A" {
		fmt.Fprintf(&b, "\n- Program Areas: %s", e.ProgramAreas)
	}

	if len(e.References) > 0 {
		b.WriteString("\n\n**References:**")
		for i, ref := range e.References {
			fmt.Fprintf(&b, "\n%d. **%s**: %s", i+1, ref.Label, ref.URL)
		}
	}

	fmt.Fprintf(&b, "\n\n**Keywords:** %s", strings.Join(e.Keywords, ", "))

	return b.String()
}

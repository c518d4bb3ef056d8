// Package query interprets free-text questions: it extracts temporal,
// location, and hazard filters and expands the text with synonyms for
// lexical search.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/episcope/episcope/internal/log"
)

// Filters are the structured constraints extracted from a question. Zero
// values mean "no constraint".
type Filters struct {
	// Hazard is the canonical normalized hazard name.
	Hazard string
	// Location is the extracted place name, lower-cased.
	Location string
	// DateFrom and DateTo bound the event date inclusively.
	DateFrom time.Time
	DateTo   time.Time
}

// IsZero reports whether no filter was extracted.
func (f Filters) IsZero() bool {
	return f == Filters{}
}

// Parsed is the interpreter output.
type Parsed struct {
	Original string
	Enhanced string
	Filters  Filters
}

// diseaseAliases map colloquial names to the canonical hazard vocabulary.
var diseaseAliases = []struct{ alias, canonical string }{
	{"covid", "covid-19"},
	{"coronavirus", "covid-19"},
	{"sars-cov-2", "covid-19"},
	{"monkeypox", "mpox"},
}

// knownDiseases is the canonical hazard list scanned after aliases.
var knownDiseases = []string{
	"measles", "mpox", "monkeypox", "cholera", "ebola", "dengue",
	"pertussis", "covid-19", "influenza", "malaria", "tuberculosis",
	"chikungunya", "zika", "yellow fever", "polio",
}

// expansions append synonyms to the lexical search text.
var expansions = []struct{ term, expansion string }{
	{"covid", "covid-19 coronavirus sars-cov-2"},
	{"mpox", "mpox monkeypox"},
	{"usa", "united states america"},
	{"uk", "united kingdom britain"},
}

// months in calendar order; matching must be deterministic, so no map.
var months = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

var (
	yearRe       = regexp.MustCompile(`\b(20\d{2})\b`)
	lastMonthsRe = regexp.MustCompile(`last (\d+) months?`)
	monthRe      = regexp.MustCompile(`\b(` + strings.Join(months, "|") + `)\b`)

	locationRes = []*regexp.Regexp{
		regexp.MustCompile(`in (\w+(?:\s+\w+)*?)(?:\s|$|,)`),
		regexp.MustCompile(`from (\w+(?:\s+\w+)*?)(?:\s|$|,)`),
	}
)

// locationStopwords excludes grammatical fillers and temporal tokens that
// the in/from patterns would otherwise capture as places.
var locationStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"these": true, "those": true,
}

func init() {
	for _, m := range months {
		locationStopwords[m] = true
	}
}

// Interpreter parses questions. The clock is injectable so relative-time
// rules ("this year", bare month names) are testable.
type Interpreter struct {
	now    func() time.Time
	logger log.Logger
}

// New creates an Interpreter using the system clock.
func New(logger log.Logger) *Interpreter {
	return NewWithClock(time.Now, logger)
}

// NewWithClock creates an Interpreter with a custom clock.
func NewWithClock(now func() time.Time, logger log.Logger) *Interpreter {
	return &Interpreter{now: now, logger: logger}
}

// Parse extracts filters from a question and produces the enhanced text used
// for lexical search.
func (p *Interpreter) Parse(question string) Parsed {
	lower := strings.ToLower(question)

	filters := p.timeFilters(lower)
	filters.Hazard = extractHazard(lower)
	filters.Location = p.extractLocation(lower)

	return Parsed{
		Original: question,
		Enhanced: enhance(lower),
		Filters:  filters,
	}
}

// timeFilters applies the temporal rules in precedence order; the first rule
// that matches wins.
func (p *Interpreter) timeFilters(q string) Filters {
	today := p.now()
	year := today.Year()

	// Recency words: two-year lookback, open-ended.
	for _, word := range []string{"recent", "latest", "current"} {
		if strings.Contains(q, word) {
			return Filters{DateFrom: midnight(today.AddDate(0, 0, -730))}
		}
	}

	// "this year" or the current year written out.
	if strings.Contains(q, "this year") || strings.Contains(q, strconv.Itoa(year)) {
		return yearRange(year)
	}

	// "last year" or the prior year written out.
	if strings.Contains(q, "last year") || strings.Contains(q, strconv.Itoa(year-1)) {
		return yearRange(year - 1)
	}

	// Any other explicit four-digit year. Checked before month names so
	// "march 2022" resolves to 2022, not a bare month.
	if m := yearRe.FindStringSubmatch(q); m != nil {
		y, _ := strconv.Atoi(m[1])
		return yearRange(y)
	}

	// Bare month name without a year: assume the CURRENT year. The range
	// runs from the first to the last day of that month.
	if m := monthRe.FindStringSubmatch(q); m != nil {
		monthNum := monthNumber(m[1])
		from := time.Date(year, time.Month(monthNum), 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 1, -1)
		p.logger.Info("bare month resolved to current year",
			"month", m[1], "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"))
		return Filters{DateFrom: from, DateTo: to}
	}

	// "last N months" approximated as N*30 days.
	if m := lastMonthsRe.FindStringSubmatch(q); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Filters{DateFrom: midnight(today.AddDate(0, 0, -n*30))}
	}

	return Filters{}
}

func yearRange(year int) Filters {
	return Filters{
		DateFrom: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthNumber(name string) int {
	for i, m := range months {
		if m == name {
			return i + 1
		}
	}
	panic(fmt.Sprintf("BUG: unknown month %q", name))
}

// extractLocation pulls a place name out of "in <place>" / "from <place>"
// phrasings, skipping stopwords and temporal tokens.
func (p *Interpreter) extractLocation(q string) string {
	for _, re := range locationRes {
		for _, m := range re.FindAllStringSubmatch(q, -1) {
			location := strings.TrimSpace(m[1])
			if location == "" || locationStopwords[location] {
				continue
			}
			// Years captured by the \w+ pattern are dates, not places.
			if yearRe.MatchString(location) {
				continue
			}
			// Multi-word captures can lead with a month ("march 2025").
			first := strings.Fields(location)[0]
			if locationStopwords[first] {
				continue
			}
			return location
		}
	}
	return ""
}

// extractHazard resolves the first alias or known disease mentioned.
func extractHazard(q string) string {
	for _, a := range diseaseAliases {
		if strings.Contains(q, a.alias) {
			return a.canonical
		}
	}
	for _, disease := range knownDiseases {
		if strings.Contains(q, disease) {
			return disease
		}
	}
	return ""
}

// enhance appends synonym expansions for lexical search.
func enhance(q string) string {
	enhanced := q
	for _, e := range expansions {
		if strings.Contains(q, e.term) {
			enhanced += " " + e.expansion
		}
	}
	return enhanced
}

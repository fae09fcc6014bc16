// Package extractor turns deck table rows into normalized KTAS records.
//
// Row interpretation is a small state machine: header rows set the current
// title, NACRS code and category, and level rows append descriptions under
// whatever code and category are current. The state is an explicit value
// threaded through every call so each transition can be tested on its own.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/bbiangul/go-ktas/parser"
	"github.com/bbiangul/go-ktas/records"
)

// Marker phrases recognized in row text.
const (
	TitleMarker     = "Coding System"
	TitleSeparator  = "Codes"
	CodeMarker      = "NACRS"
	vitalSignsPhase = "활력징후 1차 고려사항"
	otherPhase      = "그 밖의 1차 고려사항"
	symptomPhase    = "증상별 2차 고려사항"
)

var codePattern = regexp.MustCompile(`NACRS[\s\v\p{Z}\x{85}\x{1c}-\x{1f}]+(\p{Nd}+)`)

// categoryMarkers is checked in order; the first phrase found wins.
var categoryMarkers = []struct {
	phrase   string
	category records.Category
}{
	{vitalSignsPhase, records.VitalSignsPrimary},
	{otherPhase, records.OtherPrimary},
	{symptomPhase, records.SymptomSecondary},
}

// State is the parse state carried from row to row.
type State struct {
	Code      string // "" until a code is recognized
	Title     *string
	Category  records.Category
	Pediatric bool
}

// PatientType maps the pediatric flag to a records.PatientType.
func (s *State) PatientType() records.PatientType {
	if s.Pediatric {
		return records.Pediatric
	}
	return records.Adult
}

// Reset clears code, title and category. Pediatric is left alone since it is
// derived from the slide index.
func (s *State) Reset() {
	s.Code = ""
	s.Title = nil
	s.Category = records.CategoryNone
}

// IsPediatric reports whether a 1-based slide index falls in the pediatric
// section. A start of 0 or less means the deck has no pediatric section.
func IsPediatric(slide, start int) bool {
	return start > 0 && slide >= start
}

// Stats summarizes one extraction run.
type Stats struct {
	Slides     int `json:"slides"`
	Tables     int `json:"tables"`
	Rows       int `json:"rows"`
	Codes      int `json:"codes"`
	Appended   int `json:"appended"`
	Duplicates int `json:"duplicates"`
}

// Extractor applies rows to a records store.
type Extractor struct {
	recs  *records.Records
	stats Stats
}

// New returns an Extractor writing into recs. A nil recs starts a fresh store.
func New(recs *records.Records) *Extractor {
	if recs == nil {
		recs = records.New()
	}
	return &Extractor{recs: recs}
}

// Records returns the store the extractor writes into.
func (x *Extractor) Records() *records.Records { return x.recs }

// Stats returns counters accumulated so far.
func (x *Extractor) Stats() Stats {
	s := x.stats
	s.Codes = x.recs.Len()
	return s
}

// ProcessRow applies one row to st and the store. It returns the entries that
// were newly appended; duplicates are skipped silently.
//
// Title and code rows are mutually exclusive. The category check runs on
// every row; level extraction runs on every row that is not a category
// header, including title and code rows.
func (x *Extractor) ProcessRow(st *State, row string) []records.Entry {
	x.stats.Rows++

	if strings.Contains(row, TitleMarker) {
		if _, after, ok := strings.Cut(row, TitleSeparator); ok {
			// The title ends at a second separator, if any.
			after, _, _ = strings.Cut(after, TitleSeparator)
			title := trimSpace(after)
			st.Title = &title
			slog.Debug("extractor: title", "title", title)
		}
	} else if strings.Contains(row, CodeMarker) {
		if m := codePattern.FindStringSubmatch(row); m != nil {
			st.Code = m[1]
			if x.recs.Ensure(st.Code, st.Title) {
				slog.Debug("extractor: new code", "code", st.Code, "title", derefTitle(st.Title))
			}
		}
	}

	for _, cm := range categoryMarkers {
		if strings.Contains(row, cm.phrase) {
			st.Category = cm.category
			slog.Debug("extractor: category", "code", st.Code, "category", cm.category)
			// Category headers carry no level rows.
			return nil
		}
	}

	if st.Code == "" || st.Category == records.CategoryNone {
		return nil
	}

	var added []records.Entry
	for _, ld := range ExtractLevels(row) {
		if ld.Description == "" {
			continue
		}
		e := records.Entry{
			Code:        st.Code,
			PatientType: st.PatientType(),
			Category:    st.Category,
			Level:       ld.Level,
			Description: ld.Description,
		}
		if !x.recs.Has(e.Code) {
			// Only reachable when a caller seeds State.Code by hand.
			x.recs.Ensure(e.Code, st.Title)
		}
		if x.recs.Append(e) {
			added = append(added, e)
			x.stats.Appended++
		} else {
			x.stats.Duplicates++
			slog.Debug("extractor: duplicate skipped", "code", e.Code, "level", e.Level, "description", e.Description)
		}
	}
	return added
}

// ProcessSlide sets the pediatric flag for a slide and applies every row of
// its tables in order.
func (x *Extractor) ProcessSlide(st *State, slide, pediatricStart int, tables []parser.Table) []records.Entry {
	x.stats.Slides++
	st.Pediatric = IsPediatric(slide, pediatricStart)

	var added []records.Entry
	for _, tbl := range tables {
		x.stats.Tables++
		for _, row := range tbl.Rows {
			added = append(added, x.ProcessRow(st, row)...)
		}
	}
	return added
}

// Options control a whole-deck extraction.
type Options struct {
	// PediatricStartSlide is the first 1-based slide of the pediatric
	// section; 0 means every slide is adult.
	PediatricStartSlide int
	// ResetPerSlide clears code, title and category at each slide instead of
	// carrying them across slides.
	ResetPerSlide bool
	// NormalizeUnicode composes row text to NFC before matching, so decks
	// mixing composed and decomposed hangul dedup as one description.
	NormalizeUnicode bool
}

// Extract walks every slide of deck and returns the populated records. Any
// read failure aborts the run without a partial result.
func Extract(ctx context.Context, deck parser.Deck, opts Options) (*records.Records, Stats, error) {
	x := New(nil)
	var st State

	n := deck.NumSlides()
	for slide := 1; slide <= n; slide++ {
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, err
		}
		tables, err := deck.Tables(slide)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("slide %d: %w", slide, err)
		}
		if opts.ResetPerSlide {
			st.Reset()
		}
		if opts.NormalizeUnicode {
			tables = normalizeTables(tables)
		}
		x.ProcessSlide(&st, slide, opts.PediatricStartSlide, tables)
	}

	stats := x.Stats()
	slog.Info("extraction complete",
		"slides", stats.Slides, "tables", stats.Tables, "rows", stats.Rows,
		"codes", stats.Codes, "appended", stats.Appended, "duplicates", stats.Duplicates)
	return x.recs, stats, nil
}

func normalizeTables(tables []parser.Table) []parser.Table {
	out := make([]parser.Table, len(tables))
	for i, tbl := range tables {
		rows := make([]string, len(tbl.Rows))
		for j, r := range tbl.Rows {
			rows[j] = norm.NFC.String(r)
		}
		out[i] = parser.Table{Rows: rows}
	}
	return out
}

func derefTitle(t *string) string {
	if t == nil {
		return ""
	}
	return *t
}

// Package records holds the normalized KTAS reference structure extracted
// from a guideline deck: NACRS code -> patient type -> category -> level ->
// ordered descriptions.
package records

// Category is one of the three consideration classes of a triage topic.
type Category string

const (
	CategoryNone      Category = ""
	VitalSignsPrimary Category = "vital_signs_primary"
	OtherPrimary      Category = "other_primary"
	SymptomSecondary  Category = "symptom_secondary"
)

// Categories lists every category in the stable order used for storage,
// serialization and projection.
var Categories = []Category{VitalSignsPrimary, OtherPrimary, SymptomSecondary}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// PatientType partitions records into adult and pediatric criteria.
type PatientType string

const (
	Adult     PatientType = "adult"
	Pediatric PatientType = "pediatric"
)

// PatientTypes lists patient types in projection order (adult first).
var PatientTypes = []PatientType{Adult, Pediatric}

// Entry is one extracted (code, patient type, category, level, description)
// tuple. It doubles as the global dedup key.
type Entry struct {
	Code        string      `json:"code"`
	PatientType PatientType `json:"patient_type"`
	Category    Category    `json:"category"`
	Level       string      `json:"level"`
	Description string      `json:"description"`
}

// Levels maps a level to its descriptions, remembering the order in which
// levels were first seen.
type Levels struct {
	order []string
	items map[string][]string
}

func newLevels() *Levels {
	return &Levels{items: make(map[string][]string)}
}

// Keys returns levels in first-seen order.
func (l *Levels) Keys() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Get returns the descriptions stored under level.
func (l *Levels) Get(level string) []string {
	return l.items[level]
}

// Len returns the number of distinct levels.
func (l *Levels) Len() int { return len(l.order) }

func (l *Levels) add(level, desc string) {
	if _, ok := l.items[level]; !ok {
		l.order = append(l.order, level)
	}
	l.items[level] = append(l.items[level], desc)
}

// CodeRecord is the reference data grouped under one NACRS code.
type CodeRecord struct {
	Title     *string
	Adult     map[Category]*Levels
	Pediatric map[Category]*Levels
}

func newCodeRecord(title *string) *CodeRecord {
	rec := &CodeRecord{
		Title:     title,
		Adult:     make(map[Category]*Levels, len(Categories)),
		Pediatric: make(map[Category]*Levels, len(Categories)),
	}
	for _, c := range Categories {
		rec.Adult[c] = newLevels()
		rec.Pediatric[c] = newLevels()
	}
	return rec
}

// Levels returns the level map for a patient type and category, or nil if
// either is unknown.
func (r *CodeRecord) Levels(pt PatientType, cat Category) *Levels {
	switch pt {
	case Adult:
		return r.Adult[cat]
	case Pediatric:
		return r.Pediatric[cat]
	}
	return nil
}

// TitleString returns the title or "" when the record has none.
func (r *CodeRecord) TitleString() string {
	if r.Title == nil {
		return ""
	}
	return *r.Title
}

// Records is the code -> CodeRecord mapping for one extraction run. Codes
// keep insertion order. Records only grow: there is no delete or overwrite.
type Records struct {
	order  []string
	byCode map[string]*CodeRecord
	seen   map[Entry]struct{}
}

// New returns an empty Records.
func New() *Records {
	return &Records{
		byCode: make(map[string]*CodeRecord),
		seen:   make(map[Entry]struct{}),
	}
}

// Ensure creates the record for code if it does not exist yet, with the
// given title. It reports whether a record was created. An existing record
// keeps its original title.
func (r *Records) Ensure(code string, title *string) bool {
	if _, ok := r.byCode[code]; ok {
		return false
	}
	var t *string
	if title != nil {
		v := *title
		t = &v
	}
	r.byCode[code] = newCodeRecord(t)
	r.order = append(r.order, code)
	return true
}

// Has reports whether code is known.
func (r *Records) Has(code string) bool {
	_, ok := r.byCode[code]
	return ok
}

// Append adds e.Description under its level. It returns false, leaving the
// store untouched, when the exact entry was already appended earlier in the
// run, when the code is unknown, or when the patient type or category is
// invalid.
func (r *Records) Append(e Entry) bool {
	rec, ok := r.byCode[e.Code]
	if !ok {
		return false
	}
	lv := rec.Levels(e.PatientType, e.Category)
	if lv == nil {
		return false
	}
	if _, dup := r.seen[e]; dup {
		return false
	}
	lv.add(e.Level, e.Description)
	r.seen[e] = struct{}{}
	return true
}

// Codes returns codes in the order they were first recognized.
func (r *Records) Codes() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the record for code.
func (r *Records) Get(code string) (*CodeRecord, bool) {
	rec, ok := r.byCode[code]
	return rec, ok
}

// Len returns the number of codes.
func (r *Records) Len() int { return len(r.order) }

// DescriptionCount returns the total number of description strings across
// every code, patient type, category and level.
func (r *Records) DescriptionCount() int {
	n := 0
	r.Walk(func(Entry) { n++ })
	return n
}

// Walk visits every stored entry in canonical order: codes in insertion
// order, adult before pediatric, categories in Categories order, levels in
// first-seen order, descriptions in stored order.
func (r *Records) Walk(fn func(Entry)) {
	for _, code := range r.order {
		rec := r.byCode[code]
		for _, pt := range PatientTypes {
			for _, cat := range Categories {
				lv := rec.Levels(pt, cat)
				for _, level := range lv.order {
					for _, desc := range lv.items[level] {
						fn(Entry{
							Code:        code,
							PatientType: pt,
							Category:    cat,
							Level:       level,
							Description: desc,
						})
					}
				}
			}
		}
	}
}

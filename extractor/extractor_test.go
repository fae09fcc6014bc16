package extractor

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bbiangul/go-ktas/parser"
	"github.com/bbiangul/go-ktas/records"
)

// fakeDeck serves fixed tables per slide.
type fakeDeck struct {
	slides [][]parser.Table
	failAt int
}

func (d *fakeDeck) NumSlides() int { return len(d.slides) }

func (d *fakeDeck) Tables(slide int) ([]parser.Table, error) {
	if slide == d.failAt {
		return nil, errors.New("broken slide")
	}
	return d.slides[slide-1], nil
}

func (d *fakeDeck) Close() error { return nil }

func table(rows ...string) parser.Table { return parser.Table{Rows: rows} }

var chestPainRows = []string{
	"Coding System Codes Chest Pain",
	"NACRS 123",
	"활력징후 1차 고려사항",
	"1 혈압 상승 2 맥박 상승",
}

func TestChestPainScenario(t *testing.T) {
	x := New(nil)
	var st State
	for _, row := range chestPainRows {
		x.ProcessRow(&st, row)
	}

	if st.Title == nil || *st.Title != "Chest Pain" {
		t.Fatalf("title = %v, want Chest Pain", st.Title)
	}
	if st.Code != "123" {
		t.Errorf("code = %q, want 123", st.Code)
	}
	if st.Category != records.VitalSignsPrimary {
		t.Errorf("category = %q, want vital_signs_primary", st.Category)
	}

	rec, ok := x.Records().Get("123")
	if !ok {
		t.Fatal("record 123 missing")
	}
	if rec.TitleString() != "Chest Pain" {
		t.Errorf("record title = %q", rec.TitleString())
	}
	lv := rec.Adult[records.VitalSignsPrimary]
	if got := lv.Get("1"); !reflect.DeepEqual(got, []string{"혈압 상승"}) {
		t.Errorf("level 1 = %v", got)
	}
	if got := lv.Get("2"); !reflect.DeepEqual(got, []string{"맥박 상승"}) {
		t.Errorf("level 2 = %v", got)
	}
	for _, c := range records.Categories {
		if rec.Pediatric[c].Len() != 0 {
			t.Errorf("pediatric %s should be empty", c)
		}
	}
}

func TestDedupIdempotence(t *testing.T) {
	x := New(nil)
	var st State
	var first int
	for _, row := range chestPainRows {
		first += len(x.ProcessRow(&st, row))
	}
	if first != 2 {
		t.Fatalf("first pass appended %d, want 2", first)
	}

	var second int
	for _, row := range chestPainRows {
		second += len(x.ProcessRow(&st, row))
	}
	if second != 0 {
		t.Errorf("second pass appended %d, want 0", second)
	}
	if n := x.Records().DescriptionCount(); n != 2 {
		t.Errorf("DescriptionCount = %d, want 2", n)
	}
	if s := x.Stats(); s.Duplicates != 2 || s.Appended != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOrderPreservationAcrossRows(t *testing.T) {
	x := New(nil)
	st := State{}
	rows := []string{
		"NACRS 7",
		"그 밖의 1차 고려사항",
		"3 c",
		"3 a",
		"2 z",
		"3 c",
		"3 b",
	}
	for _, row := range rows {
		x.ProcessRow(&st, row)
	}
	rec, _ := x.Records().Get("7")
	lv := rec.Adult[records.OtherPrimary]
	if got := lv.Get("3"); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Errorf("level 3 = %v, want [c a b]", got)
	}
	if got := lv.Keys(); !reflect.DeepEqual(got, []string{"3", "2"}) {
		t.Errorf("levels = %v, want [3 2]", got)
	}
}

func TestProcessRowHeaderRules(t *testing.T) {
	t.Run("levels_ignored_without_code", func(t *testing.T) {
		x := New(nil)
		st := State{Category: records.OtherPrimary}
		if got := x.ProcessRow(&st, "1 a"); got != nil {
			t.Errorf("got %v, want nothing without a code", got)
		}
	})

	t.Run("levels_ignored_without_category", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "NACRS 5")
		if got := x.ProcessRow(&st, "1 a"); got != nil {
			t.Errorf("got %v, want nothing without a category", got)
		}
	})

	t.Run("title_excludes_code", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "Coding System NACRS 9 Codes Headache")
		if st.Code != "" {
			t.Errorf("code = %q, title rows must not set a code", st.Code)
		}
		if st.Title == nil || *st.Title != "Headache" {
			t.Errorf("title = %v", st.Title)
		}
	})

	t.Run("title_without_separator", func(t *testing.T) {
		x := New(nil)
		prev := "kept"
		st := State{Title: &prev}
		x.ProcessRow(&st, "Coding System only")
		if st.Title != &prev {
			t.Error("title changed although no separator was present")
		}
	})

	t.Run("title_stops_at_second_separator", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "Coding System Codes Fever Codes extra")
		if st.Title == nil || *st.Title != "Fever" {
			t.Errorf("title = %v, want Fever", st.Title)
		}
	})

	t.Run("category_independent_of_code", func(t *testing.T) {
		x := New(nil)
		var st State
		added := x.ProcessRow(&st, "NACRS 42 증상별 2차 고려사항")
		if st.Code != "42" || st.Category != records.SymptomSecondary {
			t.Errorf("state = %+v", st)
		}
		if added != nil {
			t.Errorf("category header produced entries: %v", added)
		}
	})

	t.Run("code_row_scanned_for_levels", func(t *testing.T) {
		x := New(nil)
		st := State{Category: records.OtherPrimary}
		added := x.ProcessRow(&st, "NACRS 8 3 경미")
		want := []records.Entry{{Code: "8", PatientType: records.Adult, Category: records.OtherPrimary, Level: "8", Description: "3 경미"}}
		if !reflect.DeepEqual(added, want) {
			t.Errorf("added = %v, want %v", added, want)
		}
	})

	t.Run("first_category_marker_wins", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "증상별 2차 고려사항 / 활력징후 1차 고려사항")
		if st.Category != records.VitalSignsPrimary {
			t.Errorf("category = %q", st.Category)
		}
	})

	t.Run("code_marker_without_digits", func(t *testing.T) {
		x := New(nil)
		st := State{Code: "1"}
		x.ProcessRow(&st, "NACRS code list")
		if st.Code != "1" {
			t.Errorf("code = %q, want sticky 1", st.Code)
		}
		if x.Records().Len() != 0 {
			t.Error("no record should be created")
		}
	})

	t.Run("known_code_keeps_title", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "Coding System Codes First")
		x.ProcessRow(&st, "NACRS 10")
		x.ProcessRow(&st, "Coding System Codes Second")
		x.ProcessRow(&st, "NACRS 11")
		x.ProcessRow(&st, "NACRS 10")
		if st.Code != "10" {
			t.Errorf("code = %q, want 10", st.Code)
		}
		rec, _ := x.Records().Get("10")
		if rec.TitleString() != "First" {
			t.Errorf("title = %q, want First", rec.TitleString())
		}
		if got := x.Records().Codes(); !reflect.DeepEqual(got, []string{"10", "11"}) {
			t.Errorf("codes = %v", got)
		}
	})

	t.Run("code_row_with_tabs", func(t *testing.T) {
		x := New(nil)
		var st State
		x.ProcessRow(&st, "NACRS\t 077")
		if st.Code != "077" {
			t.Errorf("code = %q, want 077", st.Code)
		}
	})
}

func TestIsPediatric(t *testing.T) {
	tests := []struct {
		slide, start int
		want         bool
	}{
		{1, 0, false},
		{500, 0, false},
		{191, 192, false},
		{192, 192, true},
		{193, 192, true},
		{1, 1, true},
	}
	for _, tt := range tests {
		if got := IsPediatric(tt.slide, tt.start); got != tt.want {
			t.Errorf("IsPediatric(%d, %d) = %v, want %v", tt.slide, tt.start, got, tt.want)
		}
	}
}

func TestExtractPatientTypePartition(t *testing.T) {
	deck := &fakeDeck{slides: [][]parser.Table{
		{table("NACRS 1", "활력징후 1차 고려사항", "1 a")},
		{table("2 b")},
		{table("3 c")},
		{table("4 d")},
	}}

	recs, stats, err := Extract(context.Background(), deck, Options{PediatricStartSlide: 3})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rec, _ := recs.Get("1")
	adult := rec.Adult[records.VitalSignsPrimary]
	ped := rec.Pediatric[records.VitalSignsPrimary]
	if got := adult.Keys(); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("adult levels = %v, want [1 2]", got)
	}
	if got := ped.Keys(); !reflect.DeepEqual(got, []string{"3", "4"}) {
		t.Errorf("pediatric levels = %v, want [3 4]", got)
	}
	if stats.Slides != 4 || stats.Tables != 4 || stats.Rows != 6 || stats.Codes != 1 || stats.Appended != 4 {
		t.Errorf("stats = %+v", stats)
	}

	// Without a threshold every row is adult.
	recs, _, err = Extract(context.Background(), deck, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rec, _ = recs.Get("1")
	if rec.Adult[records.VitalSignsPrimary].Len() != 4 || rec.Pediatric[records.VitalSignsPrimary].Len() != 0 {
		t.Error("all rows should be adult without a threshold")
	}
}

func TestExtractStateCarriesAcrossSlides(t *testing.T) {
	deck := &fakeDeck{slides: [][]parser.Table{
		{table("Coding System Codes Chest Pain", "NACRS 123", "활력징후 1차 고려사항")},
		{table("1 혈압 상승")},
	}}

	recs, _, err := Extract(context.Background(), deck, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if n := recs.DescriptionCount(); n != 1 {
		t.Errorf("carried state: DescriptionCount = %d, want 1", n)
	}

	recs, _, err = Extract(context.Background(), deck, Options{ResetPerSlide: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if n := recs.DescriptionCount(); n != 0 {
		t.Errorf("reset per slide: DescriptionCount = %d, want 0", n)
	}
}

func TestExtractNormalizeUnicode(t *testing.T) {
	composed := "1 한"
	decomposed := "1 \u1112\u1161\u11ab"
	deck := &fakeDeck{slides: [][]parser.Table{
		{table("NACRS 123", "활력징후 1차 고려사항", composed, decomposed)},
	}}

	recs, _, err := Extract(context.Background(), deck, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rec, _ := recs.Get("123")
	if got := rec.Adult[records.VitalSignsPrimary].Get("1"); !reflect.DeepEqual(got, []string{"한", "\u1112\u1161\u11ab"}) {
		t.Errorf("raw descriptions = %q, want both spellings kept", got)
	}

	recs, _, err = Extract(context.Background(), deck, Options{NormalizeUnicode: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rec, _ = recs.Get("123")
	if got := rec.Adult[records.VitalSignsPrimary].Get("1"); !reflect.DeepEqual(got, []string{"한"}) {
		t.Errorf("normalized descriptions = %q, want one composed entry", got)
	}
}

func TestExtractAbortsOnSlideError(t *testing.T) {
	deck := &fakeDeck{
		slides: [][]parser.Table{{table("NACRS 1")}, {table("1 a")}},
		failAt: 2,
	}
	recs, _, err := Extract(context.Background(), deck, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if recs != nil {
		t.Error("no partial result expected on failure")
	}
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	deck := &fakeDeck{slides: [][]parser.Table{{table("NACRS 1")}}}
	if _, _, err := Extract(ctx, deck, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

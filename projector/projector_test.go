package projector

import (
	"strings"
	"testing"

	"github.com/bbiangul/go-ktas/records"
)

func strPtr(s string) *string { return &s }

func buildRecords() *records.Records {
	r := records.New()
	r.Ensure("123", strPtr("Chest Pain"))
	r.Append(records.Entry{Code: "123", PatientType: records.Pediatric, Category: records.VitalSignsPrimary, Level: "1", Description: "소아 혈압"})
	r.Append(records.Entry{Code: "123", PatientType: records.Adult, Category: records.SymptomSecondary, Level: "3", Description: "흉통"})
	r.Append(records.Entry{Code: "123", PatientType: records.Adult, Category: records.VitalSignsPrimary, Level: "1", Description: "혈압 상승"})
	r.Append(records.Entry{Code: "123", PatientType: records.Adult, Category: records.VitalSignsPrimary, Level: "2", Description: "맥박 상승"})
	r.Ensure("9", nil)
	r.Append(records.Entry{Code: "9", PatientType: records.Adult, Category: records.OtherPrimary, Level: "4", Description: "기타"})
	return r
}

func TestProjectCompleteness(t *testing.T) {
	r := buildRecords()
	docs := Project(r)
	if len(docs) != r.DescriptionCount() {
		t.Fatalf("got %d documents, want %d", len(docs), r.DescriptionCount())
	}

	seen := make(map[string]bool)
	for _, d := range docs {
		if seen[d.ID] {
			t.Errorf("duplicate document id %s", d.ID)
		}
		seen[d.ID] = true
	}
}

func TestProjectOrder(t *testing.T) {
	docs := Project(buildRecords())
	want := []struct {
		code, level string
		pt          records.PatientType
		cat         records.Category
	}{
		{"123", "1", records.Adult, records.VitalSignsPrimary},
		{"123", "2", records.Adult, records.VitalSignsPrimary},
		{"123", "3", records.Adult, records.SymptomSecondary},
		{"123", "1", records.Pediatric, records.VitalSignsPrimary},
		{"9", "4", records.Adult, records.OtherPrimary},
	}
	if len(docs) != len(want) {
		t.Fatalf("got %d documents, want %d", len(docs), len(want))
	}
	for i, w := range want {
		m := docs[i].Metadata
		if m.Code != w.code || m.Level != w.level || m.PatientType != w.pt || m.Category != w.cat {
			t.Errorf("doc %d metadata = %+v, want %+v", i, m, w)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	docs := Project(buildRecords())

	want := "NACRS 코드: 123\n" +
		"제목: Chest Pain\n" +
		"환자 유형: 성인\n" +
		"카테고리: vital_signs_primary\n" +
		"레벨: 1\n" +
		"설명: 혈압 상승"
	if docs[0].Content != want {
		t.Errorf("content:\n%s\nwant:\n%s", docs[0].Content, want)
	}
	if docs[3].Metadata.PatientType != records.Pediatric {
		t.Fatalf("doc 3 should be pediatric")
	}
	if got := docs[3].Content; !strings.HasPrefix(got, "NACRS 코드: 123\n") || !strings.Contains(got, "환자 유형: 소아\n") {
		t.Errorf("pediatric content: %q", got)
	}

	// A record without a title renders an empty title.
	last := docs[len(docs)-1]
	if last.Metadata.Title != "" || !strings.Contains(last.Content, "제목: \n") {
		t.Errorf("untitled record: %+v", last)
	}
}

func TestDocumentIDStable(t *testing.T) {
	e := records.Entry{Code: "1", PatientType: records.Adult, Category: records.OtherPrimary, Level: "2", Description: "x"}
	if DocumentID(e) != DocumentID(e) {
		t.Fatal("DocumentID not deterministic")
	}
	other := e
	other.PatientType = records.Pediatric
	if DocumentID(e) == DocumentID(other) {
		t.Error("patient type should change the id")
	}
	if len(DocumentID(e)) != 32 {
		t.Errorf("id length = %d, want 32", len(DocumentID(e)))
	}
}

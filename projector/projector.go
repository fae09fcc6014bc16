// Package projector flattens normalized records into retrievable documents,
// one per description string.
package projector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bbiangul/go-ktas/records"
)

// Metadata is the structured part of a document.
type Metadata struct {
	Code        string              `json:"code"`
	Title       string              `json:"title"`
	PatientType records.PatientType `json:"patient_type"`
	Category    records.Category    `json:"category"`
	Level       string              `json:"level"`
}

// Document is one retrievable unit.
type Document struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

var patientLabels = map[records.PatientType]string{
	records.Adult:     "성인",
	records.Pediatric: "소아",
}

// Project returns documents in canonical order: codes in insertion order,
// adult before pediatric, categories in records.Categories order, levels and
// descriptions as stored.
func Project(recs *records.Records) []Document {
	docs := make([]Document, 0, recs.DescriptionCount())
	recs.Walk(func(e records.Entry) {
		rec, _ := recs.Get(e.Code)
		docs = append(docs, newDocument(e, rec.TitleString()))
	})
	return docs
}

func newDocument(e records.Entry, title string) Document {
	return Document{
		ID:      DocumentID(e),
		Content: Render(e, title),
		Metadata: Metadata{
			Code:        e.Code,
			Title:       title,
			PatientType: e.PatientType,
			Category:    e.Category,
			Level:       e.Level,
		},
	}
}

// Render produces the content text of the document for e.
func Render(e records.Entry, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NACRS 코드: %s\n", e.Code)
	fmt.Fprintf(&b, "제목: %s\n", title)
	fmt.Fprintf(&b, "환자 유형: %s\n", patientLabels[e.PatientType])
	fmt.Fprintf(&b, "카테고리: %s\n", e.Category)
	fmt.Fprintf(&b, "레벨: %s\n", e.Level)
	fmt.Fprintf(&b, "설명: %s", e.Description)
	return b.String()
}

// DocumentID derives a stable identifier from the entry's dedup key.
func DocumentID(e records.Entry) string {
	h := sha256.New()
	for _, part := range []string{e.Code, string(e.PatientType), string(e.Category), e.Level, e.Description} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

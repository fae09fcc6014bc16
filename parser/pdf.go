package parser

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

// cellGap is the horizontal distance, in text space units, above which two
// text runs on the same row are treated as separate cells.
const cellGap = 1.0

// PDFParser reads a PDF export of a deck: each page is one slide holding a
// single table whose rows are the page's text rows.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Open(ctx context.Context, path string) (Deck, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, notFound(path, fmt.Errorf("opening PDF: %w", err))
	}
	return &pdfDeck{f: f, r: reader}, nil
}

type pdfDeck struct {
	f *os.File
	r *pdf.Reader
}

func (d *pdfDeck) NumSlides() int { return d.r.NumPage() }

func (d *pdfDeck) Tables(slide int) ([]Table, error) {
	if slide < 1 || slide > d.r.NumPage() {
		return nil, fmt.Errorf("page %d out of range [1,%d]", slide, d.r.NumPage())
	}
	page := d.r.Page(slide)
	if page.V.IsNull() {
		return nil, nil
	}
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil, fmt.Errorf("reading page %d: %w", slide, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	grid := make([][]string, 0, len(rows))
	for _, row := range rows {
		grid = append(grid, pdfCells(row.Content))
	}
	return []Table{{Rows: rowsFrom(grid)}}, nil
}

func (d *pdfDeck) Close() error { return d.f.Close() }

// pdfCells splits a row of positioned text into cells wherever the gap to
// the previous run exceeds cellGap.
func pdfCells(texts pdf.TextHorizontal) []string {
	var cells []string
	var cur []byte
	var end float64
	for i, t := range texts {
		if i > 0 && t.X-end > cellGap {
			cells = append(cells, string(cur))
			cur = cur[:0]
		}
		cur = append(cur, t.S...)
		end = t.X + t.W
	}
	if len(cur) > 0 {
		cells = append(cells, string(cur))
	}
	return cells
}

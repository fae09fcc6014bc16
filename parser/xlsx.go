package parser

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XLSXParser reads a workbook as a deck: each worksheet is one slide holding
// a single table.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXParser) Open(ctx context.Context, path string) (Deck, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, notFound(path, fmt.Errorf("opening XLSX: %w", err))
	}
	return &xlsxDeck{f: f, sheets: f.GetSheetList()}, nil
}

type xlsxDeck struct {
	f      *excelize.File
	sheets []string
}

func (d *xlsxDeck) NumSlides() int { return len(d.sheets) }

func (d *xlsxDeck) Tables(slide int) ([]Table, error) {
	if slide < 1 || slide > len(d.sheets) {
		return nil, fmt.Errorf("sheet %d out of range [1,%d]", slide, len(d.sheets))
	}
	sheet := d.sheets[slide-1]
	rows, err := d.f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return []Table{{Rows: rowsFrom(rows)}}, nil
}

func (d *xlsxDeck) Close() error { return d.f.Close() }

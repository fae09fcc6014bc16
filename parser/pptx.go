package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
)

type PPTXParser struct{}

func (p *PPTXParser) SupportedFormats() []string { return []string{"pptx"} }

func (p *PPTXParser) Open(ctx context.Context, path string) (Deck, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, notFound(path, fmt.Errorf("opening PPTX: %w", err))
	}

	// Build file index for quick lookup
	fileIndex := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		fileIndex[f.Name] = f
	}

	slides := presentationOrder(fileIndex)
	if len(slides) == 0 {
		slides = slidesByNumber(fileIndex)
	}
	slog.Debug("pptx: opened deck", "path", path, "slides", len(slides))

	return &pptxDeck{zr: r, files: fileIndex, slides: slides}, nil
}

type pptxDeck struct {
	zr     *zip.ReadCloser
	files  map[string]*zip.File
	slides []string
}

func (d *pptxDeck) NumSlides() int { return len(d.slides) }

func (d *pptxDeck) Tables(slide int) ([]Table, error) {
	if slide < 1 || slide > len(d.slides) {
		return nil, fmt.Errorf("slide %d out of range [1,%d]", slide, len(d.slides))
	}
	name := d.slides[slide-1]
	data, err := readZipFile(d.files[name])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return extractPPTXTables(data)
}

func (d *pptxDeck) Close() error { return d.zr.Close() }

func readZipFile(f *zip.File) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("file missing from archive")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type pptxRelationships struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

type pptxPresentation struct {
	SldIDs []struct {
		RID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

// presentationOrder resolves slide part names in the order listed by
// ppt/presentation.xml. It returns nil when the listing cannot be used.
func presentationOrder(files map[string]*zip.File) []string {
	presData, err := readZipFile(files["ppt/presentation.xml"])
	if err != nil {
		return nil
	}
	relsData, err := readZipFile(files["ppt/_rels/presentation.xml.rels"])
	if err != nil {
		return nil
	}

	var pres pptxPresentation
	if err := xml.Unmarshal(presData, &pres); err != nil {
		slog.Debug("pptx: bad presentation.xml", "error", err)
		return nil
	}
	var rels pptxRelationships
	if err := xml.Unmarshal(relsData, &rels); err != nil {
		slog.Debug("pptx: bad presentation rels", "error", err)
		return nil
	}
	targets := make(map[string]string, len(rels.Rels))
	for _, rel := range rels.Rels {
		targets[rel.ID] = rel.Target
	}

	var out []string
	for _, id := range pres.SldIDs {
		target, ok := targets[id.RID]
		if !ok {
			continue
		}
		// Targets are relative to ppt/ unless absolute.
		name := path.Clean(path.Join("ppt", target))
		if strings.HasPrefix(target, "/") {
			name = strings.TrimPrefix(path.Clean(target), "/")
		}
		if files[name] == nil {
			slog.Debug("pptx: slide part missing", "part", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

func slidesByNumber(files map[string]*zip.File) []string {
	byNum := make(map[int]string)
	for name := range files {
		if strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml") {
			if num := extractSlideNumber(name); num > 0 {
				byNum[num] = name
			}
		}
	}
	nums := make([]int, 0, len(byNum))
	for n := range byNum {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]string, 0, len(nums))
	for _, n := range nums {
		out = append(out, byNum[n])
	}
	return out
}

// pptxSlide keeps only the top-level graphic frames of the shape tree.
type pptxSlide struct {
	CSld struct {
		SpTree struct {
			Frames []pptxGraphicFrame `xml:"graphicFrame"`
		} `xml:"spTree"`
	} `xml:"cSld"`
}

type pptxGraphicFrame struct {
	Graphic struct {
		Data struct {
			Tbl *pptxTable `xml:"tbl"`
		} `xml:"graphicData"`
	} `xml:"graphic"`
}

type pptxTable struct {
	Rows []struct {
		Cells []struct {
			TxBody struct {
				Paras []pptxPara `xml:"p"`
			} `xml:"txBody"`
		} `xml:"tc"`
	} `xml:"tr"`
}

// pptxPara is the text of one a:p: run and field text concatenated, line
// breaks rendered as vertical tabs.
type pptxPara struct {
	Text string
}

func (p *pptxPara) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	inText := 0
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "t":
				inText++
			case "br":
				b.WriteByte('\v')
			}
		case xml.EndElement:
			depth--
			if t.Name.Local == "t" && inText > 0 {
				inText--
			}
		case xml.CharData:
			if inText > 0 {
				b.Write(t)
			}
		}
	}
	p.Text = b.String()
	return nil
}

func extractPPTXTables(data []byte) ([]Table, error) {
	var slide pptxSlide
	if err := xml.Unmarshal(data, &slide); err != nil {
		return nil, fmt.Errorf("decoding slide: %w", err)
	}

	var tables []Table
	for _, frame := range slide.CSld.SpTree.Frames {
		tbl := frame.Graphic.Data.Tbl
		if tbl == nil {
			continue
		}
		grid := make([][]string, 0, len(tbl.Rows))
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				paras := make([]string, 0, len(cell.TxBody.Paras))
				for _, para := range cell.TxBody.Paras {
					paras = append(paras, para.Text)
				}
				cells = append(cells, strings.Join(paras, "\n"))
			}
			grid = append(grid, cells)
		}
		tables = append(tables, Table{Rows: rowsFrom(grid)})
	}
	return tables, nil
}

func extractSlideNumber(name string) int {
	// Extract number from "ppt/slides/slide1.xml"
	name = strings.TrimPrefix(name, "ppt/slides/slide")
	name = strings.TrimSuffix(name, ".xml")
	var num int
	fmt.Sscanf(name, "%d", &num)
	return num
}

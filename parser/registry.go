package parser

import (
	"context"
	"fmt"
	"os"
)

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	// Register built-in parsers
	pptx := &PPTXParser{}
	xlsx := &XLSXParser{}
	pdf := &PDFParser{}

	for _, p := range []Parser{pptx, xlsx, pdf} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Open stats path, picks the parser for its extension and opens the deck.
func (r *Registry) Open(ctx context.Context, path string) (Deck, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, notFound(path, err)
	}
	p, err := r.Get(FormatOf(path))
	if err != nil {
		return nil, err
	}
	return p.Open(ctx, path)
}

package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned when no parser handles a deck's extension.
var ErrUnsupportedFormat = errors.New("unsupported deck format")

// Table is one table shape of a slide. Rows holds the row text of each table
// row: the trimmed, non-empty cell texts joined by a single space.
type Table struct {
	Rows []string
}

// Deck is an opened slide deck. Slides are addressed by 1-based index in
// presentation order.
type Deck interface {
	NumSlides() int
	Tables(slide int) ([]Table, error)
	Close() error
}

// Parser can open decks of a specific file format.
type Parser interface {
	Open(ctx context.Context, path string) (Deck, error)
	SupportedFormats() []string
}

// NotFoundError reports a deck that is missing, unreadable or corrupt.
type NotFoundError struct {
	Path string
	Cwd  string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("deck %s not available (cwd %s): %v", e.Path, e.Cwd, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func notFound(path string, err error) *NotFoundError {
	cwd, _ := os.Getwd()
	return &NotFoundError{Path: path, Cwd: cwd, Err: err}
}

// Open opens the deck at path with the default registry.
func Open(ctx context.Context, path string) (Deck, error) {
	return NewRegistry().Open(ctx, path)
}

// FormatOf returns the lower-cased extension of path without the dot.
func FormatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// JoinCells builds row text from raw cell texts. Cell text is otherwise kept
// byte for byte.
func JoinCells(cells []string) string {
	parts := make([]string, 0, len(cells))
	for _, c := range cells {
		if t := strings.TrimSpace(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// rowsFrom converts a grid of cells into row texts.
func rowsFrom(grid [][]string) []string {
	rows := make([]string, 0, len(grid))
	for _, cells := range grid {
		rows = append(rows, JoinCells(cells))
	}
	return rows
}

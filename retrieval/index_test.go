//go:build cgo

package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/records"
	"github.com/bbiangul/go-ktas/store"
)

func doc(id, content, level string) projector.Document {
	return projector.Document{
		ID:      id,
		Content: content,
		Metadata: projector.Metadata{
			Code:        "123",
			Title:       "Chest Pain",
			PatientType: records.Adult,
			Category:    records.VitalSignsPrimary,
			Level:       level,
		},
	}
}

func newTestIndex(t *testing.T, f *fakeEmbedder) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "index.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, f, Config{FetchK: 20, K: 3}), s
}

// Two near-identical chest pain documents, one distinct chest pain document
// and one unrelated document.
func chestPainFixture() (*fakeEmbedder, []projector.Document) {
	docs := []projector.Document{
		doc("d1", "흉통 심함", "1"),
		doc("d2", "흉통 심함 반복", "1"),
		doc("d3", "흉통 경미", "3"),
		doc("d4", "두통", "4"),
	}
	f := &fakeEmbedder{dim: 4, vectors: map[string][]float32{
		"흉통 심함":    {1, 0.3, 0, 0},
		"흉통 심함 반복": {1, 0.3, 0, 0},
		"흉통 경미":    {1, -0.3, 0, 0},
		"두통":       {0, 0, 1, 0},
		"흉통":       {1, 0, 0, 0},
	}}
	return f, docs
}

func TestUpsertAndQuery(t *testing.T) {
	f, docs := chestPainFixture()
	idx, s := newTestIndex(t, f)
	ctx := context.Background()

	if err := idx.Upsert(ctx, docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 4 || stats.Embeddings != 4 {
		t.Fatalf("stats = %+v, want 4 documents and embeddings", stats)
	}

	got, err := idx.Query(ctx, "흉통", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d documents, want 2", len(got))
	}
	ids := map[string]bool{}
	for _, d := range got {
		ids[d.ID] = true
		if d.Metadata.Code != "123" || d.Metadata.PatientType != records.Adult {
			t.Errorf("metadata lost: %+v", d.Metadata)
		}
	}
	if ids["d1"] && ids["d2"] {
		t.Errorf("MMR returned both near-duplicates: %v", ids)
	}
	if !ids["d3"] {
		t.Errorf("expected the distinct chest pain document, got %v", ids)
	}
	if ids["d4"] {
		t.Errorf("unrelated document selected: %v", ids)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	f, docs := chestPainFixture()
	idx, s := newTestIndex(t, f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := idx.Upsert(ctx, docs); err != nil {
			t.Fatalf("Upsert #%d: %v", i+1, err)
		}
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 4 || stats.Embeddings != 4 {
		t.Errorf("stats after double upsert = %+v", stats)
	}
}

func TestQueryDefaultK(t *testing.T) {
	f, docs := chestPainFixture()
	idx, _ := newTestIndex(t, f)
	ctx := context.Background()
	if err := idx.Upsert(ctx, docs); err != nil {
		t.Fatal(err)
	}
	got, err := idx.Query(ctx, "흉통", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("default k returned %d documents, want 3", len(got))
	}
}

func TestSearchReturnsEmbeddingFailure(t *testing.T) {
	f, docs := chestPainFixture()
	idx, _ := newTestIndex(t, f)
	ctx := context.Background()
	if err := idx.Upsert(ctx, docs); err != nil {
		t.Fatal(err)
	}

	// "두통" still matches d4 in full-text search.
	f.failAll = true
	got, _, err := idx.Search(ctx, "두통", 3)
	if err == nil {
		t.Fatalf("Search succeeded without a query embedding: %+v", got)
	}
	if !strings.Contains(err.Error(), "embedding query") {
		t.Errorf("error = %v", err)
	}
}

func TestQueryReturnsEmbeddingTimeout(t *testing.T) {
	f, docs := chestPainFixture()
	s, err := store.New(filepath.Join(t.TempDir(), "index.db"), 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	idx := New(s, f, Config{FetchK: 20, K: 3, Timeout: 50 * time.Millisecond})
	ctx := context.Background()
	if err := idx.Upsert(ctx, docs); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.block = true
	f.mu.Unlock()
	got, err := idx.Query(ctx, "두통", 3)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Query = %d documents, err %v; want context.DeadlineExceeded", len(got), err)
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	idx, _ := newTestIndex(t, &fakeEmbedder{dim: 4})
	got, err := idx.Query(context.Background(), "흉통", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty index returned %d documents", len(got))
	}
}

func TestUpsertFailureStoresNothing(t *testing.T) {
	f, docs := chestPainFixture()
	f.failAll = true
	idx, s := newTestIndex(t, f)
	ctx := context.Background()

	if err := idx.Upsert(ctx, docs); err == nil {
		t.Fatal("expected embedding failure")
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 0 {
		t.Errorf("documents stored despite failure: %d", stats.Documents)
	}
}

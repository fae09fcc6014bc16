// Package retrieval is the index gateway: it stores projected documents with
// their embeddings and answers similarity queries with hybrid search.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bbiangul/go-ktas/llm"
	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/records"
	"github.com/bbiangul/go-ktas/store"
)

// Index stores documents and returns the ones most similar to a query.
type Index interface {
	Upsert(ctx context.Context, docs []projector.Document) error
	Query(ctx context.Context, text string, k int) ([]projector.Document, error)
}

// Config holds retrieval engine configuration.
type Config struct {
	FetchK       int           `json:"fetch_k" yaml:"fetch_k" mapstructure:"fetch_k"`
	K            int           `json:"k" yaml:"k" mapstructure:"k"`
	MMRLambda    float64       `json:"mmr_lambda" yaml:"mmr_lambda" mapstructure:"mmr_lambda"`
	WeightVector float64       `json:"weight_vector" yaml:"weight_vector" mapstructure:"weight_vector"`
	WeightFTS    float64       `json:"weight_fts" yaml:"weight_fts" mapstructure:"weight_fts"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency  int           `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the retrieval defaults: 20 candidates, 3 results,
// MMR lambda 0.5, embedding batches of 32.
func DefaultConfig() Config {
	return Config{
		FetchK:       20,
		K:            3,
		MMRLambda:    0.5,
		WeightVector: 1.0,
		WeightFTS:    1.0,
		BatchSize:    32,
		Concurrency:  4,
		Timeout:      60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FetchK <= 0 {
		c.FetchK = d.FetchK
	}
	if c.K <= 0 {
		c.K = d.K
	}
	if c.MMRLambda <= 0 || c.MMRLambda > 1 {
		c.MMRLambda = d.MMRLambda
	}
	if c.WeightVector == 0 && c.WeightFTS == 0 {
		c.WeightVector, c.WeightFTS = d.WeightVector, d.WeightFTS
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Result is a retrieved document with its final score.
type Result struct {
	projector.Document
	Score float64 `json:"score"`
}

// SearchTrace records the breakdown of one hybrid search.
type SearchTrace struct {
	VecResults   int                       `json:"vec_results"`
	FTSResults   int                       `json:"fts_results"`
	FusedResults int                       `json:"fused_results"`
	Selected     int                       `json:"selected"`
	FTSQuery     string                    `json:"fts_query"`
	ElapsedMs    int64                     `json:"elapsed_ms"`
	PerResult    map[int64]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine implements Index on top of the sqlite store.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

var _ Index = (*Engine)(nil)

// New creates a retrieval engine.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	return &Engine{store: s, embedder: embedder, cfg: cfg.withDefaults()}
}

// Upsert stores docs and their embeddings. Documents are keyed by their ID,
// so upserting the same projection twice leaves the index unchanged.
func (e *Engine) Upsert(ctx context.Context, docs []projector.Document) error {
	if len(docs) == 0 {
		return nil
	}
	start := time.Now()

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := e.embedAll(ctx, texts)
	if err != nil {
		return err
	}

	rows := make([]store.Document, len(docs))
	for i, d := range docs {
		rows[i] = toStoreDocument(d, i)
	}
	ids, err := e.store.UpsertDocuments(ctx, rows)
	if err != nil {
		return fmt.Errorf("storing documents: %w", err)
	}
	for i, id := range ids {
		if err := e.store.InsertEmbedding(ctx, id, vectors[i]); err != nil {
			return fmt.Errorf("storing embedding for %s: %w", docs[i].ID, err)
		}
	}

	slog.Info("retrieval: documents indexed",
		"documents", len(docs),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Query returns up to k documents relevant to text and diverse among
// themselves. k <= 0 uses the configured default.
func (e *Engine) Query(ctx context.Context, text string, k int) ([]projector.Document, error) {
	results, _, err := e.Search(ctx, text, k)
	if err != nil {
		return nil, err
	}
	docs := make([]projector.Document, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return docs, nil
}

// Search runs vector and full-text search, fuses the candidate lists with
// RRF and selects k results with maximal marginal relevance. A failed or
// timed out query embedding fails the search; full-text search only adds
// candidates next to a working vector search.
func (e *Engine) Search(ctx context.Context, text string, k int) ([]Result, *SearchTrace, error) {
	if k <= 0 {
		k = e.cfg.K
	}
	fetchK := max(e.cfg.FetchK, k)
	start := time.Now()
	trace := &SearchTrace{FTSQuery: sanitizeFTSQuery(text)}

	type result struct {
		results []store.SearchResult
		err     error
	}
	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)
	var queryVec []float32

	go func() {
		vec, err := e.embedQuery(ctx, text)
		if err != nil {
			vecCh <- result{nil, fmt.Errorf("embedding query: %w", err)}
			return
		}
		queryVec = vec
		r, err := e.store.VectorSearch(ctx, vec, fetchK)
		if err != nil {
			err = fmt.Errorf("vector search: %w", err)
		}
		vecCh <- result{r, err}
	}()

	go func() {
		if trace.FTSQuery == "" {
			ftsCh <- result{}
			return
		}
		r, err := e.store.FTSSearch(ctx, trace.FTSQuery, fetchK)
		ftsCh <- result{r, err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh

	if vecRes.err != nil {
		trace.ElapsedMs = time.Since(start).Milliseconds()
		return nil, trace, vecRes.err
	}
	if ftsRes.err != nil {
		slog.Warn("retrieval: fts search failed", "error", ftsRes.err, "fts_query", trace.FTSQuery)
	}
	trace.VecResults = len(vecRes.results)
	trace.FTSResults = len(ftsRes.results)

	fused, info := fuseRRF(vecRes.results, ftsRes.results, e.cfg.WeightVector, e.cfg.WeightFTS, fetchK)
	trace.FusedResults = len(fused)
	trace.PerResult = info

	if len(fused) == 0 {
		trace.ElapsedMs = time.Since(start).Milliseconds()
		return nil, trace, nil
	}
	selected, err := e.diversify(ctx, queryVec, fused, k)
	if err != nil {
		return nil, trace, err
	}
	return e.finish(selected, trace, start)
}

func (e *Engine) finish(selected []store.SearchResult, trace *SearchTrace, start time.Time) ([]Result, *SearchTrace, error) {
	out := make([]Result, len(selected))
	for i, r := range selected {
		out[i] = Result{Document: fromStoreDocument(r.Document), Score: r.Score}
	}
	trace.Selected = len(out)
	trace.ElapsedMs = time.Since(start).Milliseconds()
	slog.Debug("retrieval: search complete",
		"vec_results", trace.VecResults, "fts_results", trace.FTSResults,
		"fused", trace.FusedResults, "selected", trace.Selected, "elapsed_ms", trace.ElapsedMs)
	return out, trace, nil
}

// diversify applies MMR over the fused candidates using their stored vectors.
func (e *Engine) diversify(ctx context.Context, queryVec []float32, fused []store.SearchResult, k int) ([]store.SearchResult, error) {
	ids := make([]int64, len(fused))
	for i, r := range fused {
		ids[i] = r.ID
	}
	embs, err := e.store.GetEmbeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading candidate embeddings: %w", err)
	}
	vectors := make([][]float32, len(fused))
	for i, id := range ids {
		vectors[i] = embs[id]
	}
	picked := maximalMarginalRelevance(queryVec, vectors, e.cfg.MMRLambda, k)
	out := make([]store.SearchResult, len(picked))
	for i, idx := range picked {
		out[i] = fused[idx]
	}
	return out, nil
}

// embedQuery embeds one query text under the request timeout.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return vecs[0], nil
}

// ErrEmptyEmbedding is returned when the provider answers without a vector.
var ErrEmptyEmbedding = errors.New("empty embedding returned")

func toStoreDocument(d projector.Document, position int) store.Document {
	return store.Document{
		Key:         d.ID,
		Code:        d.Metadata.Code,
		Title:       d.Metadata.Title,
		PatientType: string(d.Metadata.PatientType),
		Category:    string(d.Metadata.Category),
		Level:       d.Metadata.Level,
		Content:     d.Content,
		Position:    position,
	}
}

func fromStoreDocument(d store.Document) projector.Document {
	return projector.Document{
		ID:      d.Key,
		Content: d.Content,
		Metadata: projector.Metadata{
			Code:        d.Code,
			Title:       d.Title,
			PatientType: records.PatientType(d.PatientType),
			Category:    records.Category(d.Category),
			Level:       d.Level,
		},
	}
}

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// embedAll embeds texts in batches of cfg.BatchSize with at most
// cfg.Concurrency batches in flight. A failing batch is retried one text at
// a time; a text that still fails aborts the whole build.
func (e *Engine) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	batches := (len(texts) + e.cfg.BatchSize - 1) / e.cfg.BatchSize

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for b := 0; b < batches; b++ {
		start := b * e.cfg.BatchSize
		end := min(start+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedBatch(gctx, texts[start:end])
			if err == nil {
				copy(out[start:end], vecs)
				return nil
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			slog.Warn("retrieval: batch embedding failed, falling back to single texts",
				"batch", b, "size", end-start, "error", err)
			for i := start; i < end; i++ {
				vecs, err := e.embedBatch(gctx, texts[i:i+1])
				if err != nil {
					return fmt.Errorf("embedding document %d: %w", i, err)
				}
				out[i] = vecs[0]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedBatch makes one embedding call under the request timeout and checks
// that every text came back with a vector.
func (e *Engine) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyEmbedding)
		}
	}
	return vecs, nil
}

package shared

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// maxLookupConcurrency caps parallel chunk queries per call.
const maxLookupConcurrency = 4

// FetchChunked resolves ids in batches of at most size, running up to four batches
// concurrently, and concatenates the results in chunk order.
func FetchChunked[T any](ctx context.Context, ids []string, size int, fetch func(context.Context, []string) ([]T, error)) ([]T, error) {
	chunks := Chunk(Dedupe(ids), size)
	if len(chunks) == 0 {
		return nil, nil
	}
	results := make([][]T, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookupConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			items, err := fetch(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []T
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}

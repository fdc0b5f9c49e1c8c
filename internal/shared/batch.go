package shared

import "github.com/shopspring/decimal"

// DefaultLookupBatchSize mirrors the id-set query cap of the upstream document store.
const DefaultLookupBatchSize = 30

// Epsilon is the tolerance used when deciding whether an obligation is settled.
var Epsilon = decimal.New(1, -2)

// Chunk splits ids into consecutive batches of at most size elements.
func Chunk[T any](ids []T, size int) [][]T {
	if size <= 0 {
		size = DefaultLookupBatchSize
	}
	if len(ids) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// Dedupe returns ids with duplicates and empty strings removed, preserving order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

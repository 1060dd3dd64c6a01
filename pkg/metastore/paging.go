package metastore

import (
	"context"
	"fmt"
	"iter"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
)

// PageReader reads at most limit chunks with a min bound above after (all
// chunks when after is nil) together with the collection version they were
// read at.
type PageReader func(ctx context.Context, after model.Key, limit int) (model.CollectionVersion, []*model.Chunk, error)

// PagedChunks turns a PageReader into a ListChunks sequence. A version change
// between two pages ends the sequence with ErrWriteConflict.
func PagedChunks(ctx context.Context, opts ListChunksOptions, read PageReader) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		after := opts.StartAfter
		var first model.CollectionVersion
		for page := 0; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			version, chunks, err := read(ctx, after, opts.BatchSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if page == 0 {
				first = version
			} else if !version.Equal(first) {
				yield(nil, fmt.Errorf("%w: collection moved from %s to %s while listing chunks", common.ErrWriteConflict, first, version))
				return
			}
			for _, c := range chunks {
				if !yield(c, nil) {
					return
				}
			}
			if len(chunks) < opts.BatchSize {
				return
			}
			after = chunks[len(chunks)-1].Min()
		}
	}
}

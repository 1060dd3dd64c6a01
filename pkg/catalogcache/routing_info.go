package catalogcache

import (
	"fmt"
	"sort"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
)

// RoutingInfo is an immutable snapshot of a collection's chunk map. It is
// shared between goroutines and must not be modified.
type RoutingInfo struct {
	collection    *model.CollectionMetadata
	chunks        []*model.Chunk
	shardVersions map[string]model.ChunkVersion
}

func newRoutingInfo(coll *model.CollectionMetadata, chunks []*model.Chunk) (*RoutingInfo, error) {
	model.SortChunks(chunks)
	if err := model.ValidateChunkSet(chunks, coll.KeyPattern.Len()); err != nil {
		return nil, err
	}
	if highest := model.HighestVersion(chunks); !highest.Equal(coll.Version) {
		return nil, fmt.Errorf("%w: highest chunk version %s does not match collection version %s",
			common.ErrChunkSetCorrupted, highest, coll.Version)
	}
	shardVersions := make(map[string]model.ChunkVersion)
	for _, c := range chunks {
		if v, ok := shardVersions[c.Shard]; !ok || c.Version.Compare(v) > 0 {
			shardVersions[c.Shard] = c.Version
		}
	}
	return &RoutingInfo{
		collection:    coll,
		chunks:        chunks,
		shardVersions: shardVersions,
	}, nil
}

func (r *RoutingInfo) Namespace() string {
	return r.collection.Namespace
}

// Collection returns a copy of the collection metadata.
func (r *RoutingInfo) Collection() *model.CollectionMetadata {
	return r.collection.Clone()
}

func (r *RoutingInfo) KeyPattern() model.ShardKeyPattern {
	return r.collection.KeyPattern
}

func (r *RoutingInfo) Version() model.CollectionVersion {
	return r.collection.Version
}

func (r *RoutingInfo) Epoch() model.ChunkVersion {
	return model.NewChunkVersion(r.collection.Version.Epoch, 0, 0)
}

// Chunks returns a copy of the chunk array ordered by min bound.
func (r *RoutingInfo) Chunks() []*model.Chunk {
	return model.CloneChunks(r.chunks)
}

func (r *RoutingInfo) NumChunks() int {
	return len(r.chunks)
}

// FindChunk returns the chunk containing key.
func (r *RoutingInfo) FindChunk(key model.Key) (*model.Chunk, error) {
	if len(key) != r.collection.KeyPattern.Len() {
		return nil, fmt.Errorf("%w: key %s does not match shard key %s", common.ErrInvalidShardKey, key, r.collection.KeyPattern)
	}
	c, ok := model.FindChunk(r.chunks, key)
	if !ok {
		return nil, fmt.Errorf("%w: no chunk contains %s", common.ErrChunkSetCorrupted, key)
	}
	return c.Clone(), nil
}

// FindChunkForDocument extracts the shard key from doc and finds its chunk.
func (r *RoutingInfo) FindChunkForDocument(doc model.Document) (*model.Chunk, error) {
	key, err := r.collection.KeyPattern.ExtractKey(doc)
	if err != nil {
		return nil, err
	}
	return r.FindChunk(key)
}

// ShardVersion is the highest version among the chunks shard owns. A shard
// that owns nothing has version 0|0 in the current epoch.
func (r *RoutingInfo) ShardVersion(shard string) model.ChunkVersion {
	if v, ok := r.shardVersions[shard]; ok {
		return v
	}
	return r.Epoch()
}

// Shards returns the shards owning at least one chunk, sorted.
func (r *RoutingInfo) Shards() []string {
	shards := make([]string, 0, len(r.shardVersions))
	for s := range r.shardVersions {
		shards = append(shards, s)
	}
	sort.Strings(shards)
	return shards
}

// OverlappingChunks returns copies of the chunks intersecting rng.
func (r *RoutingInfo) OverlappingChunks(rng model.ChunkRange) []*model.Chunk {
	return model.CloneChunks(model.OverlappingChunks(r.chunks, rng))
}

// merge applies a set of changed chunks on top of r. Chunks of r overlapping a
// changed chunk are dropped.
func (r *RoutingInfo) merge(coll *model.CollectionMetadata, changed []*model.Chunk) (*RoutingInfo, error) {
	model.SortChunks(changed)
	out := make([]*model.Chunk, 0, len(r.chunks)+len(changed))
	for _, c := range r.chunks {
		if len(model.OverlappingChunks(changed, c.Range)) == 0 {
			out = append(out, c)
		}
	}
	out = append(out, changed...)
	return newRoutingInfo(coll, out)
}

package metastore

import (
	"context"
	"iter"

	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// Catalog is the durable source of truth for collections, chunks, migrations
// and shards.
//
// Chunk mutating calls on one namespace are serialized; calls on different
// namespaces run in parallel.
//
//go:generate mockery --name=Catalog
type Catalog interface {
	ResetState(ctx context.Context) error

	CreateCollection(ctx context.Context, coll *model.CollectionMetadata, chunks []*model.Chunk) (*model.CollectionMetadata, error)
	GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error)
	ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error)
	DropCollection(ctx context.Context, namespace string) error
	RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion, ts types.Timestamp) (*model.CollectionMetadata, error)

	// ListChunks yields the chunks of a namespace ordered by min bound. Every
	// range over the sequence reads the catalog again. If the collection
	// changes between two pages the sequence ends with ErrWriteConflict.
	ListChunks(ctx context.Context, namespace string, opts ...ListChunksOption) iter.Seq2[*model.Chunk, error]
	// GetChunksSince returns the collection and its chunks with a version above
	// since, read from one snapshot. When since belongs to another epoch every
	// chunk is returned.
	GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error)
	CountChunks(ctx context.Context, namespace string) (int64, error)
	ApplyChunkOperation(ctx context.Context, namespace string, op model.ChunkOperation) (model.CollectionVersion, error)

	RecordMigration(ctx context.Context, record *model.MigrationRecord) error
	UpdateMigrationState(ctx context.Context, id types.UniqueID, from model.MigrationState, to model.MigrationState, reason string, ts types.Timestamp) error
	GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error)
	ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error)
	DeleteMigration(ctx context.Context, id types.UniqueID) error

	UpsertShard(ctx context.Context, shard *model.Shard) error
	GetShard(ctx context.Context, id string) (*model.Shard, error)
	ListShards(ctx context.Context) ([]*model.Shard, error)
	RemoveShard(ctx context.Context, id string) error
}

type ListChunksOptions struct {
	BatchSize  int
	StartAfter model.Key
	Shard      string
}

type ListChunksOption func(*ListChunksOptions)

func WithBatchSize(n int) ListChunksOption {
	return func(o *ListChunksOptions) {
		o.BatchSize = n
	}
}

// StartAfter skips chunks whose min bound is not above key.
func StartAfter(key model.Key) ListChunksOption {
	return func(o *ListChunksOptions) {
		o.StartAfter = key
	}
}

// OnShard restricts the listing to chunks owned by shard.
func OnShard(shard string) ListChunksOption {
	return func(o *ListChunksOptions) {
		o.Shard = shard
	}
}

func NewListChunksOptions(defaultBatchSize int, opts ...ListChunksOption) ListChunksOptions {
	o := ListChunksOptions{BatchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	return o
}

// CollectChunks drains a chunk sequence into a slice.
func CollectChunks(seq iter.Seq2[*model.Chunk, error]) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

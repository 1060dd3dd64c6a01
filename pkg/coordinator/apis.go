package coordinator

import (
	"context"
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ICoordinator is the interface of the chunk catalog service. It can run
// standalone without the GRPC service.
type ICoordinator interface {
	common.Component
	ResetState(ctx context.Context) error

	ShardCollection(ctx context.Context, req model.CreateCollection) (*model.CollectionMetadata, error)
	DropCollection(ctx context.Context, namespace string) error
	RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion) (*model.CollectionMetadata, error)
	GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error)
	ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error)

	ListChunks(ctx context.Context, namespace string, opts ...metastore.ListChunksOption) ([]*model.Chunk, error)
	GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error)
	CountChunks(ctx context.Context, namespace string) (int64, error)

	SplitChunk(ctx context.Context, req sharding.SplitRequest) (model.CollectionVersion, error)
	MergeChunks(ctx context.Context, req sharding.MergeRequest) (model.CollectionVersion, error)
	MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error)
	GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error)
	ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error)

	ListShards(ctx context.Context) ([]*model.Shard, error)
	AddShard(ctx context.Context, shard *model.Shard) error
	RemoveShard(ctx context.Context, id string) error
}

func (c *Coordinator) ResetState(ctx context.Context) error {
	return c.catalog.ResetState(ctx)
}

func (c *Coordinator) ShardCollection(ctx context.Context, req model.CreateCollection) (*model.CollectionMetadata, error) {
	coll, err := c.engine.ShardCollection(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Info("collection sharded", zap.String("namespace", coll.Namespace), zap.String("keyPattern", coll.KeyPattern.String()), zap.Object("version", coll.Version))
	c.trigger(ctx, coll.Namespace)
	return coll, nil
}

func (c *Coordinator) DropCollection(ctx context.Context, namespace string) error {
	if err := c.engine.DropCollection(ctx, namespace); err != nil {
		return err
	}
	log.Info("collection dropped", zap.String("namespace", namespace))
	c.trigger(ctx, namespace)
	return nil
}

func (c *Coordinator) RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion) (*model.CollectionMetadata, error) {
	coll, err := c.engine.RefineShardKey(ctx, namespace, pattern, expected)
	if err != nil {
		return nil, err
	}
	log.Info("shard key refined", zap.String("namespace", namespace), zap.String("keyPattern", coll.KeyPattern.String()))
	c.trigger(ctx, namespace)
	return coll, nil
}

func (c *Coordinator) GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error) {
	return c.engine.GetCollection(ctx, namespace)
}

func (c *Coordinator) ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error) {
	return c.engine.ListCollections(ctx)
}

func (c *Coordinator) ListChunks(ctx context.Context, namespace string, opts ...metastore.ListChunksOption) ([]*model.Chunk, error) {
	return metastore.CollectChunks(c.catalog.ListChunks(ctx, namespace, opts...))
}

func (c *Coordinator) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	return c.catalog.GetChunksSince(ctx, namespace, since)
}

func (c *Coordinator) CountChunks(ctx context.Context, namespace string) (int64, error) {
	return c.engine.CountChunks(ctx, namespace)
}

func (c *Coordinator) SplitChunk(ctx context.Context, req sharding.SplitRequest) (model.CollectionVersion, error) {
	version, err := c.engine.SplitChunk(ctx, req)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	c.trigger(ctx, req.Namespace)
	return version, nil
}

func (c *Coordinator) MergeChunks(ctx context.Context, req sharding.MergeRequest) (model.CollectionVersion, error) {
	version, err := c.engine.MergeChunks(ctx, req)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	c.trigger(ctx, req.Namespace)
	return version, nil
}

func (c *Coordinator) MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error) {
	version, err := c.engine.MoveChunk(ctx, req)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	c.trigger(ctx, req.Namespace)
	return version, nil
}

func (c *Coordinator) GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	return c.migrations.GetMigration(ctx, id)
}

func (c *Coordinator) ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error) {
	return c.catalog.ListMigrations(ctx, includeTerminal)
}

func (c *Coordinator) ListShards(ctx context.Context) ([]*model.Shard, error) {
	return c.catalog.ListShards(ctx)
}

// AddShard registers a shard. A shard without a state is ready.
func (c *Coordinator) AddShard(ctx context.Context, shard *model.Shard) error {
	if shard == nil || shard.ID == "" {
		return fmt.Errorf("%w: shard needs an id", common.ErrInvalidArgument)
	}
	if shard.State == "" {
		shard.State = model.ShardStateReady
	}
	if err := shard.State.Validate(); err != nil {
		return err
	}
	log.Info("shard registered", zap.String("shard", shard.ID), zap.String("address", shard.Address), zap.String("state", string(shard.State)))
	return c.catalog.UpsertShard(ctx, shard)
}

func (c *Coordinator) RemoveShard(ctx context.Context, id string) error {
	return c.catalog.RemoveShard(ctx, id)
}

package sharding

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/chunkmeta/chunkmeta/pkg/chunkops"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/chunkmeta/chunkmeta/pkg/utils"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mover runs chunk migrations. migration.Coordinator is the implementation.
type Mover interface {
	MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error)
	IsRangeActive(namespace string, rng model.ChunkRange) bool
}

type SplitRequest struct {
	OperationID     string
	Namespace       string
	ExpectedVersion model.CollectionVersion
	Range           model.ChunkRange
	// SplitPoints may be empty, in which case the owning shard is asked for
	// the median key of the chunk.
	SplitPoints []model.Key
}

type MergeRequest struct {
	OperationID     string
	Namespace       string
	ExpectedVersion model.CollectionVersion
	Ranges          []model.ChunkRange
}

// Engine validates administrative chunk operations and applies them to the
// catalog. Moves are handed to the Mover.
type Engine struct {
	catalog metastore.Catalog
	shards  shardserver.Directory
	mover   Mover
	clock   *types.Clock
}

func NewEngine(catalog metastore.Catalog, shards shardserver.Directory, mover Mover) *Engine {
	return &Engine{
		catalog: catalog,
		shards:  shards,
		mover:   mover,
		clock:   types.NewClock(),
	}
}

func operationID(id string) string {
	if id == "" {
		return types.NewUniqueID().String()
	}
	return id
}

func (e *Engine) readyShards(ctx context.Context) ([]string, error) {
	shards, err := e.catalog.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range shards {
		if s.Ready() {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil, common.ErrNoShards
	}
	sort.Strings(ids)
	return ids, nil
}

// forEachShard runs fn on every registered shard. Failures are logged: the
// catalog is already updated and shards catch up on their next version check.
func (e *Engine) forEachShard(ctx context.Context, namespace string, fn func(context.Context, shardserver.Client) error) {
	if e.shards == nil {
		return
	}
	shards, err := e.catalog.ListShards(ctx)
	if err != nil {
		log.Warn("could not list shards", zap.Error(err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		g.Go(func() error {
			client, err := e.shards.Shard(gctx, s.ID)
			if err == nil {
				err = fn(gctx, client)
			}
			if err != nil {
				log.Warn("shard did not apply catalog change",
					zap.String("shard", s.ID), zap.String("namespace", namespace), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) refreshShards(ctx context.Context, namespace string) {
	e.forEachShard(ctx, namespace, func(ctx context.Context, client shardserver.Client) error {
		return client.RefreshCollection(ctx, namespace)
	})
}

// ShardCollection creates the catalog entry and initial chunks of a
// namespace. Sharding an already sharded namespace with the same key is a
// no-op.
func (e *Engine) ShardCollection(ctx context.Context, req model.CreateCollection) (*model.CollectionMetadata, error) {
	if err := model.ValidateNamespace(req.Namespace); err != nil {
		return nil, err
	}
	if err := req.KeyPattern.Validate(); err != nil {
		return nil, err
	}
	if req.Unique && req.KeyPattern.HasHashedField() {
		return nil, fmt.Errorf("%w: hashed shard keys cannot be unique", common.ErrInvalidShardKey)
	}
	existing, err := e.catalog.GetCollection(ctx, req.Namespace)
	switch {
	case err == nil:
		if existing.KeyPattern.Equal(req.KeyPattern) && existing.Unique == req.Unique {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s is sharded on %s", common.ErrCollectionAlreadySharded, req.Namespace, existing.KeyPattern)
	case !errors.Is(err, common.ErrCollectionNotFound):
		return nil, err
	}

	shards, err := e.readyShards(ctx)
	if err != nil {
		return nil, err
	}
	primary, err := utils.PrimaryShard(req.Namespace, shards)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	coll := &model.CollectionMetadata{
		Namespace:        req.Namespace,
		UUID:             types.NewUniqueID(),
		KeyPattern:       req.KeyPattern,
		Unique:           req.Unique,
		Version:          model.NewChunkVersion(types.NewUniqueID(), 0, 0),
		DistributionMode: common.DistributionModeSharded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	chunks, version, err := chunkops.PlanInitialChunks(chunkops.InitialChunksRequest{
		Collection:       coll,
		Shards:           shards,
		Primary:          primary,
		NumInitialChunks: req.NumInitialChunks,
		PresplitPoints:   req.PresplitPoints,
		Now:              now,
	}, types.NewUniqueID)
	if err != nil {
		return nil, err
	}
	coll.Version = version
	created, err := e.catalog.CreateCollection(ctx, coll, chunks)
	if err != nil {
		return nil, err
	}
	log.Info("sharded collection",
		zap.String("namespace", req.Namespace),
		zap.String("key", req.KeyPattern.String()),
		zap.String("primary", primary),
		zap.Int("chunks", len(chunks)))
	e.refreshShards(ctx, req.Namespace)
	return created, nil
}

func (e *Engine) DropCollection(ctx context.Context, namespace string) error {
	if err := e.catalog.DropCollection(ctx, namespace); err != nil {
		return err
	}
	e.forEachShard(ctx, namespace, func(ctx context.Context, client shardserver.Client) error {
		return client.DropCollection(ctx, namespace)
	})
	return nil
}

func (e *Engine) RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion) (*model.CollectionMetadata, error) {
	refined, err := e.catalog.RefineShardKey(ctx, namespace, pattern, expected, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.refreshShards(ctx, namespace)
	return refined, nil
}

func (e *Engine) GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error) {
	return e.catalog.GetCollection(ctx, namespace)
}

func (e *Engine) ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error) {
	return e.catalog.ListCollections(ctx)
}

func (e *Engine) CountChunks(ctx context.Context, namespace string) (int64, error) {
	return e.catalog.CountChunks(ctx, namespace)
}

func (e *Engine) checkNotMigrating(namespace string, rng model.ChunkRange) error {
	if e.mover != nil && e.mover.IsRangeActive(namespace, rng) {
		return fmt.Errorf("%w: %s of %s is being migrated", common.ErrConflictingOperationInProgress, rng, namespace)
	}
	return nil
}

// SplitChunk splits the chunk with bounds req.Range.
func (e *Engine) SplitChunk(ctx context.Context, req SplitRequest) (model.CollectionVersion, error) {
	if err := req.Range.Validate(); err != nil {
		return model.CollectionVersion{}, err
	}
	if err := e.checkNotMigrating(req.Namespace, req.Range); err != nil {
		return model.CollectionVersion{}, err
	}
	points := req.SplitPoints
	if len(points) == 0 {
		median, err := e.medianKey(ctx, req)
		if err != nil {
			return model.CollectionVersion{}, err
		}
		points = []model.Key{median}
	}
	version, err := e.catalog.ApplyChunkOperation(ctx, req.Namespace, model.SplitOperation{
		OperationID:     operationID(req.OperationID),
		ExpectedVersion: req.ExpectedVersion,
		Range:           req.Range,
		SplitPoints:     points,
	})
	if err != nil {
		return model.CollectionVersion{}, err
	}
	log.Info("split chunk", zap.String("namespace", req.Namespace), zap.Object("range", req.Range), zap.Int("points", len(points)), zap.Object("version", version))
	return version, nil
}

func (e *Engine) medianKey(ctx context.Context, req SplitRequest) (model.Key, error) {
	if e.shards == nil {
		return nil, fmt.Errorf("%w: split points are required", common.ErrInvalidSplitPoint)
	}
	chunks, err := metastore.CollectChunks(e.catalog.ListChunks(ctx, req.Namespace))
	if err != nil {
		return nil, err
	}
	chunk, ok := model.FindChunkByRange(chunks, req.Range)
	if !ok {
		return nil, fmt.Errorf("%w: no chunk has bounds %s", common.ErrChunkNotFound, req.Range)
	}
	client, err := e.shards.Shard(ctx, chunk.Shard)
	if err != nil {
		return nil, err
	}
	return client.MedianKey(ctx, req.Namespace, chunk.Range)
}

// MergeChunks merges the chunks with bounds req.Ranges into one.
func (e *Engine) MergeChunks(ctx context.Context, req MergeRequest) (model.CollectionVersion, error) {
	for _, r := range req.Ranges {
		if err := e.checkNotMigrating(req.Namespace, r); err != nil {
			return model.CollectionVersion{}, err
		}
	}
	version, err := e.catalog.ApplyChunkOperation(ctx, req.Namespace, model.MergeOperation{
		OperationID:     operationID(req.OperationID),
		ExpectedVersion: req.ExpectedVersion,
		Ranges:          req.Ranges,
		ValidAfter:      e.clock.Now(),
	})
	if err != nil {
		return model.CollectionVersion{}, err
	}
	log.Info("merged chunks", zap.String("namespace", req.Namespace), zap.Int("chunks", len(req.Ranges)), zap.Object("version", version))
	return version, nil
}

// MoveChunk migrates a chunk to another shard through the Mover.
func (e *Engine) MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error) {
	if e.mover == nil {
		return model.CollectionVersion{}, fmt.Errorf("%w: chunk migration is not configured", common.ErrInvalidArgument)
	}
	if !req.ExpectedVersion.IsSet() {
		return model.CollectionVersion{}, fmt.Errorf("%w: moving %s of %s needs the collection version the caller routed with",
			common.ErrInvalidArgument, req.Range, req.Namespace)
	}
	req.OperationID = operationID(req.OperationID)
	return e.mover.MoveChunk(ctx, req)
}

package coordinator

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/chunkops"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type appliedOperation struct {
	namespace string
	version   model.CollectionVersion
}

// MemoryCatalog keeps the whole catalog in process memory. Chunk mutations of
// one namespace are serialized by the namespace locks; mu only guards the
// maps for the duration of a read or a commit.
type MemoryCatalog struct {
	mu          sync.RWMutex
	collections map[string]*model.CollectionMetadata
	chunks      map[string][]*model.Chunk
	operations  map[string]appliedOperation
	migrations  map[types.UniqueID]*model.MigrationRecord
	shards      map[string]*model.Shard

	locks *metastore.NamespaceLocks
	store notification.NotificationStore
	clock *types.Clock
}

var _ metastore.Catalog = &MemoryCatalog{}

func NewMemoryCatalog(locks *metastore.NamespaceLocks, store notification.NotificationStore) *MemoryCatalog {
	return &MemoryCatalog{
		collections: make(map[string]*model.CollectionMetadata),
		chunks:      make(map[string][]*model.Chunk),
		operations:  make(map[string]appliedOperation),
		migrations:  make(map[types.UniqueID]*model.MigrationRecord),
		shards:      make(map[string]*model.Shard),
		locks:       locks,
		store:       store,
		clock:       types.NewClock(),
	}
}

func (mc *MemoryCatalog) ResetState(ctx context.Context) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.collections = make(map[string]*model.CollectionMetadata)
	mc.chunks = make(map[string][]*model.Chunk)
	mc.operations = make(map[string]appliedOperation)
	mc.migrations = make(map[types.UniqueID]*model.MigrationRecord)
	mc.shards = make(map[string]*model.Shard)
	return nil
}

func (mc *MemoryCatalog) notify(ctx context.Context, namespace string, notificationType string, version model.CollectionVersion) error {
	if mc.store == nil {
		return nil
	}
	return mc.store.AddNotification(ctx, model.Notification{
		Namespace: namespace,
		Type:      notificationType,
		Status:    model.NotificationStatusPending,
		Version:   version,
	})
}

func (mc *MemoryCatalog) CreateCollection(ctx context.Context, coll *model.CollectionMetadata, chunks []*model.Chunk) (*model.CollectionMetadata, error) {
	if err := model.ValidateNamespace(coll.Namespace); err != nil {
		return nil, err
	}
	unlock, err := mc.locks.Lock(ctx, coll.Namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sorted := model.CloneChunks(chunks)
	model.SortChunks(sorted)
	if err := model.ValidateChunkSet(sorted, coll.KeyPattern.Len()); err != nil {
		return nil, err
	}
	created := coll.Clone()
	created.Version = model.HighestVersion(sorted)

	mc.mu.Lock()
	if _, ok := mc.collections[coll.Namespace]; ok {
		mc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionAlreadySharded, coll.Namespace)
	}
	mc.collections[coll.Namespace] = created
	mc.chunks[coll.Namespace] = sorted
	mc.mu.Unlock()

	log.Info("collection created", zap.String("namespace", coll.Namespace), zap.Int("chunks", len(sorted)), zap.Object("version", created.Version))
	if err := mc.notify(ctx, coll.Namespace, model.NotificationTypeCreateCollection, created.Version); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

func (mc *MemoryCatalog) GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	coll, ok := mc.collections[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	return coll.Clone(), nil
}

func (mc *MemoryCatalog) ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]*model.CollectionMetadata, 0, len(mc.collections))
	for _, coll := range mc.collections {
		out = append(out, coll.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (mc *MemoryCatalog) DropCollection(ctx context.Context, namespace string) error {
	unlock, err := mc.locks.Lock(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()

	mc.mu.Lock()
	coll, ok := mc.collections[namespace]
	if !ok {
		mc.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	delete(mc.collections, namespace)
	delete(mc.chunks, namespace)
	for id, op := range mc.operations {
		if op.namespace == namespace {
			delete(mc.operations, id)
		}
	}
	mc.mu.Unlock()

	log.Info("collection dropped", zap.String("namespace", namespace))
	return mc.notify(ctx, namespace, model.NotificationTypeDropCollection, coll.Version)
}

func (mc *MemoryCatalog) RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion, ts types.Timestamp) (*model.CollectionMetadata, error) {
	unlock, err := mc.locks.Lock(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	mc.mu.RLock()
	coll, ok := mc.collections[namespace]
	chunks := mc.chunks[namespace]
	mc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}

	refined, refinedChunks, err := chunkops.PlanRefine(coll, chunks, pattern, expected, types.NewUniqueID(), ts)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateChunkSet(refinedChunks, pattern.Len()); err != nil {
		return nil, err
	}

	mc.mu.Lock()
	mc.collections[namespace] = refined
	mc.chunks[namespace] = refinedChunks
	mc.mu.Unlock()

	log.Info("shard key refined", zap.String("namespace", namespace), zap.String("pattern", pattern.String()), zap.Object("version", refined.Version))
	if err := mc.notify(ctx, namespace, model.NotificationTypeRefineShardKey, refined.Version); err != nil {
		return nil, err
	}
	return refined.Clone(), nil
}

func (mc *MemoryCatalog) ListChunks(ctx context.Context, namespace string, opts ...metastore.ListChunksOption) iter.Seq2[*model.Chunk, error] {
	options := metastore.NewListChunksOptions(common.DefaultListChunksBatchSize, opts...)
	return metastore.PagedChunks(ctx, options, func(ctx context.Context, after model.Key, limit int) (model.CollectionVersion, []*model.Chunk, error) {
		mc.mu.RLock()
		defer mc.mu.RUnlock()
		coll, ok := mc.collections[namespace]
		if !ok {
			return model.CollectionVersion{}, nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
		}
		chunks := mc.chunks[namespace]
		start := 0
		if after != nil {
			start = sort.Search(len(chunks), func(i int) bool {
				return chunks[i].Min().Compare(after) > 0
			})
		}
		page := make([]*model.Chunk, 0, limit)
		for _, c := range chunks[start:] {
			if len(page) == limit {
				break
			}
			if options.Shard != "" && c.Shard != options.Shard {
				continue
			}
			page = append(page, c.Clone())
		}
		return coll.Version, page, nil
	})
}

func (mc *MemoryCatalog) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	coll, ok := mc.collections[namespace]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	full := !since.IsSet() || !since.SameEpoch(coll.Version)
	var out []*model.Chunk
	for _, c := range mc.chunks[namespace] {
		if full || c.Version.Compare(since) > 0 {
			out = append(out, c.Clone())
		}
	}
	return coll.Clone(), out, nil
}

func (mc *MemoryCatalog) CountChunks(ctx context.Context, namespace string) (int64, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if _, ok := mc.collections[namespace]; !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	return int64(len(mc.chunks[namespace])), nil
}

func (mc *MemoryCatalog) ApplyChunkOperation(ctx context.Context, namespace string, op model.ChunkOperation) (model.CollectionVersion, error) {
	unlock, err := mc.locks.Lock(ctx, namespace)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	defer unlock()

	mc.mu.RLock()
	applied, done := mc.operations[op.OpID()]
	coll, ok := mc.collections[namespace]
	chunks := mc.chunks[namespace]
	mc.mu.RUnlock()

	if done && op.OpID() != "" {
		if applied.namespace != namespace {
			return model.CollectionVersion{}, fmt.Errorf("%w: operation %s was applied to %s", common.ErrInvalidArgument, op.OpID(), applied.namespace)
		}
		log.Info("chunk operation already applied", zap.String("namespace", namespace), zap.String("operationID", op.OpID()))
		return applied.version, nil
	}
	if !ok {
		return model.CollectionVersion{}, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}

	transition, err := chunkops.PlanOperation(coll, op, chunkops.SliceLookup(chunks), types.NewUniqueID)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	next, err := applyTransition(chunks, transition)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	if err := model.ValidateChunkSet(next, coll.KeyPattern.Len()); err != nil {
		log.Error("chunk operation would corrupt the chunk set", zap.String("namespace", namespace), zap.String("operationID", op.OpID()), zap.Error(err))
		return model.CollectionVersion{}, err
	}

	updated := coll.Clone()
	updated.Version = transition.NewVersion
	updated.UpdatedAt = mc.clock.Now()

	mc.mu.Lock()
	mc.collections[namespace] = updated
	mc.chunks[namespace] = next
	if op.OpID() != "" {
		mc.operations[op.OpID()] = appliedOperation{namespace: namespace, version: transition.NewVersion}
	}
	mc.mu.Unlock()

	log.Info("chunk operation applied",
		zap.String("namespace", namespace),
		zap.String("kind", string(op.Kind())),
		zap.String("operationID", op.OpID()),
		zap.Object("version", transition.NewVersion))
	if err := mc.notify(ctx, namespace, model.NotificationTypeChunksChanged, transition.NewVersion); err != nil {
		return model.CollectionVersion{}, err
	}
	return transition.NewVersion, nil
}

// applyTransition returns a new sorted chunk slice with t applied to chunks.
// The input slice is left untouched so readers holding it stay consistent.
func applyTransition(chunks []*model.Chunk, t *chunkops.Transition) ([]*model.Chunk, error) {
	removed := make(map[types.UniqueID]bool, len(t.Removed))
	for _, c := range t.Removed {
		removed[c.ID] = true
	}
	updated := make(map[types.UniqueID]*model.Chunk, len(t.Updated))
	for _, c := range t.Updated {
		updated[c.ID] = c
	}

	next := make([]*model.Chunk, 0, len(chunks)+len(t.Added))
	for _, c := range chunks {
		if removed[c.ID] {
			delete(removed, c.ID)
			continue
		}
		if u, ok := updated[c.ID]; ok {
			next = append(next, u)
			delete(updated, c.ID)
			continue
		}
		next = append(next, c)
	}
	if len(removed) > 0 || len(updated) > 0 {
		return nil, fmt.Errorf("%w: transition refers to chunks that are not in the catalog", common.ErrWriteConflict)
	}
	next = append(next, t.Added...)
	model.SortChunks(next)
	return next, nil
}

func (mc *MemoryCatalog) RecordMigration(ctx context.Context, record *model.MigrationRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.migrations[record.ID]; ok {
		return fmt.Errorf("%w: migration %s already recorded", common.ErrWriteConflict, record.ID)
	}
	mc.migrations[record.ID] = record.Clone()
	return nil
}

func (mc *MemoryCatalog) UpdateMigrationState(ctx context.Context, id types.UniqueID, from model.MigrationState, to model.MigrationState, reason string, ts types.Timestamp) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", common.ErrInvalidMigrationTransition, from, to)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	record, ok := mc.migrations[id]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
	}
	if record.State != from {
		return fmt.Errorf("%w: migration %s is %s, not %s", common.ErrWriteConflict, id, record.State, from)
	}
	next := record.Clone()
	next.State = to
	if reason != "" {
		next.AbortReason = reason
	}
	next.UpdatedAt = ts
	mc.migrations[id] = next
	return nil
}

func (mc *MemoryCatalog) GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	record, ok := mc.migrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
	}
	return record.Clone(), nil
}

func (mc *MemoryCatalog) ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]*model.MigrationRecord, 0, len(mc.migrations))
	for _, record := range mc.migrations {
		if !includeTerminal && record.State.IsTerminal() {
			continue
		}
		out = append(out, record.Clone())
	}
	sortMigrations(out)
	return out, nil
}

func sortMigrations(records []*model.MigrationRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].ID.String() < records[j].ID.String()
	})
}

func (mc *MemoryCatalog) DeleteMigration(ctx context.Context, id types.UniqueID) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.migrations[id]; !ok {
		return fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
	}
	delete(mc.migrations, id)
	return nil
}

func (mc *MemoryCatalog) UpsertShard(ctx context.Context, shard *model.Shard) error {
	if shard.ID == "" {
		return fmt.Errorf("%w: shard id is empty", common.ErrInvalidArgument)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	s := *shard
	mc.shards[shard.ID] = &s
	return nil
}

func (mc *MemoryCatalog) GetShard(ctx context.Context, id string) (*model.Shard, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	shard, ok := mc.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrShardNotFound, id)
	}
	s := *shard
	return &s, nil
}

func (mc *MemoryCatalog) ListShards(ctx context.Context) ([]*model.Shard, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]*model.Shard, 0, len(mc.shards))
	for _, shard := range mc.shards {
		s := *shard
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (mc *MemoryCatalog) RemoveShard(ctx context.Context, id string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.shards[id]; !ok {
		return fmt.Errorf("%w: %s", common.ErrShardNotFound, id)
	}
	delete(mc.shards, id)
	return nil
}

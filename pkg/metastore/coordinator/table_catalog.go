package coordinator

import (
	"context"
	"fmt"
	"iter"

	"github.com/chunkmeta/chunkmeta/pkg/chunkops"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Catalog is the catalog backed by databases using GORM. Every chunk mutation
// moves the collection version with a compare-and-set inside its transaction,
// so two coordinators racing on one namespace cannot both commit.
type Catalog struct {
	metaDomain dbmodel.IMetaDomain
	txImpl     dbmodel.ITransaction
	locks      *metastore.NamespaceLocks
	clock      *types.Clock
}

var _ metastore.Catalog = &Catalog{}

func NewTableCatalog(txImpl dbmodel.ITransaction, metaDomain dbmodel.IMetaDomain, locks *metastore.NamespaceLocks) *Catalog {
	return &Catalog{
		txImpl:     txImpl,
		metaDomain: metaDomain,
		locks:      locks,
		clock:      types.NewClock(),
	}
}

func (tc *Catalog) ResetState(ctx context.Context) error {
	return tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		resets := []struct {
			name  string
			reset func() error
		}{
			{"collection", tc.metaDomain.CollectionDb(txCtx).DeleteAll},
			{"chunk", tc.metaDomain.ChunkDb(txCtx).DeleteAll},
			{"chunk operation", tc.metaDomain.ChunkOperationDb(txCtx).DeleteAll},
			{"migration", tc.metaDomain.MigrationDb(txCtx).DeleteAll},
			{"shard", tc.metaDomain.ShardDb(txCtx).DeleteAll},
			{"notification", tc.metaDomain.NotificationDb(txCtx).DeleteAll},
		}
		for _, r := range resets {
			if err := r.reset(); err != nil {
				log.Error("error reset db", zap.String("table", r.name), zap.Error(err))
				return err
			}
		}
		return nil
	})
}

func (tc *Catalog) addNotification(txCtx context.Context, namespace string, notificationType string, version model.CollectionVersion) error {
	return tc.metaDomain.NotificationDb(txCtx).Insert(notification.ToDbNotification(model.Notification{
		Namespace: namespace,
		Type:      notificationType,
		Version:   version,
	}))
}

func (tc *Catalog) getCollection(txCtx context.Context, namespace string) (*model.CollectionMetadata, error) {
	collection, err := tc.metaDomain.CollectionDb(txCtx).Get(namespace)
	if err != nil {
		return nil, err
	}
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	return convertCollectionToModel(collection)
}

func (tc *Catalog) insertChunks(txCtx context.Context, chunks []*model.Chunk) error {
	rows := make([]*dbmodel.Chunk, 0, len(chunks))
	for _, c := range chunks {
		row, err := convertChunkToDb(c)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return tc.metaDomain.ChunkDb(txCtx).Insert(rows)
}

func (tc *Catalog) CreateCollection(ctx context.Context, coll *model.CollectionMetadata, chunks []*model.Chunk) (*model.CollectionMetadata, error) {
	if err := model.ValidateNamespace(coll.Namespace); err != nil {
		return nil, err
	}
	unlock, err := tc.locks.Lock(ctx, coll.Namespace)
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

	err = tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		if err := tc.metaDomain.CollectionDb(txCtx).Insert(convertCollectionToDb(created)); err != nil {
			return err
		}
		if err := tc.insertChunks(txCtx, sorted); err != nil {
			return err
		}
		return tc.addNotification(txCtx, created.Namespace, model.NotificationTypeCreateCollection, created.Version)
	})
	if err != nil {
		log.Error("error creating collection", zap.String("namespace", coll.Namespace), zap.Error(err))
		return nil, err
	}
	log.Info("collection created", zap.String("namespace", coll.Namespace), zap.Int("chunks", len(sorted)), zap.Object("version", created.Version))
	return created, nil
}

func (tc *Catalog) GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error) {
	return tc.getCollection(ctx, namespace)
}

func (tc *Catalog) ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error) {
	collections, err := tc.metaDomain.CollectionDb(ctx).List()
	if err != nil {
		return nil, err
	}
	out := make([]*model.CollectionMetadata, 0, len(collections))
	for _, c := range collections {
		converted, err := convertCollectionToModel(c)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (tc *Catalog) DropCollection(ctx context.Context, namespace string) error {
	unlock, err := tc.locks.Lock(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()

	return tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		coll, err := tc.getCollection(txCtx, namespace)
		if err != nil {
			return err
		}
		if _, err := tc.metaDomain.CollectionDb(txCtx).Delete(namespace); err != nil {
			return err
		}
		if err := tc.metaDomain.ChunkDb(txCtx).DeleteByNamespace(namespace); err != nil {
			return err
		}
		if err := tc.metaDomain.ChunkOperationDb(txCtx).DeleteByNamespace(namespace); err != nil {
			return err
		}
		log.Info("collection dropped", zap.String("namespace", namespace))
		return tc.addNotification(txCtx, namespace, model.NotificationTypeDropCollection, coll.Version)
	})
}

func (tc *Catalog) RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion, ts types.Timestamp) (*model.CollectionMetadata, error) {
	unlock, err := tc.locks.Lock(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var refined *model.CollectionMetadata
	err = tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		coll, err := tc.getCollection(txCtx, namespace)
		if err != nil {
			return err
		}
		rows, err := tc.metaDomain.ChunkDb(txCtx).ListAll(namespace)
		if err != nil {
			return err
		}
		chunks, err := convertChunksToModel(rows)
		if err != nil {
			return err
		}
		var refinedChunks []*model.Chunk
		refined, refinedChunks, err = chunkops.PlanRefine(coll, chunks, pattern, expected, types.NewUniqueID(), ts)
		if err != nil {
			return err
		}
		if err := model.ValidateChunkSet(refinedChunks, pattern.Len()); err != nil {
			return err
		}

		affected, err := tc.metaDomain.CollectionDb(txCtx).Replace(convertCollectionToDb(refined), coll.Version.Epoch.String(), coll.Version.Major, coll.Version.Minor)
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: collection %s changed during refine", common.ErrWriteConflict, namespace)
		}
		for i, c := range refinedChunks {
			if err := tc.updateChunk(txCtx, c, chunks[i].Version); err != nil {
				return err
			}
		}
		return tc.addNotification(txCtx, namespace, model.NotificationTypeRefineShardKey, refined.Version)
	})
	if err != nil {
		return nil, err
	}
	log.Info("shard key refined", zap.String("namespace", namespace), zap.String("pattern", pattern.String()), zap.Object("version", refined.Version))
	return refined, nil
}

func (tc *Catalog) updateChunk(txCtx context.Context, chunk *model.Chunk, expected model.ChunkVersion) error {
	row, err := convertChunkToDb(chunk)
	if err != nil {
		return err
	}
	affected, err := tc.metaDomain.ChunkDb(txCtx).Update(row, expected.Epoch.String(), expected.Major, expected.Minor)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: chunk %s changed concurrently", common.ErrWriteConflict, chunk.Range)
	}
	return nil
}

func (tc *Catalog) ListChunks(ctx context.Context, namespace string, opts ...metastore.ListChunksOption) iter.Seq2[*model.Chunk, error] {
	options := metastore.NewListChunksOptions(common.DefaultListChunksBatchSize, opts...)
	return metastore.PagedChunks(ctx, options, func(ctx context.Context, after model.Key, limit int) (model.CollectionVersion, []*model.Chunk, error) {
		var (
			version model.CollectionVersion
			page    []*model.Chunk
		)
		err := tc.txImpl.ReadTransaction(ctx, func(txCtx context.Context) error {
			coll, err := tc.getCollection(txCtx, namespace)
			if err != nil {
				return err
			}
			version = coll.Version
			afterKey := ""
			if after != nil {
				afterKey = model.EncodeSortKey(after)
			}
			rows, err := tc.metaDomain.ChunkDb(txCtx).ListPage(namespace, afterKey, options.Shard, limit)
			if err != nil {
				return err
			}
			page, err = convertChunksToModel(rows)
			return err
		})
		return version, page, err
	})
}

func (tc *Catalog) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	var (
		coll   *model.CollectionMetadata
		chunks []*model.Chunk
	)
	err := tc.txImpl.ReadTransaction(ctx, func(txCtx context.Context) error {
		var err error
		coll, err = tc.getCollection(txCtx, namespace)
		if err != nil {
			return err
		}
		var rows []*dbmodel.Chunk
		if !since.IsSet() || !since.SameEpoch(coll.Version) {
			rows, err = tc.metaDomain.ChunkDb(txCtx).ListAll(namespace)
		} else {
			rows, err = tc.metaDomain.ChunkDb(txCtx).ListSince(namespace, since.Major, since.Minor)
		}
		if err != nil {
			return err
		}
		chunks, err = convertChunksToModel(rows)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return coll, chunks, nil
}

func (tc *Catalog) CountChunks(ctx context.Context, namespace string) (int64, error) {
	var count int64
	err := tc.txImpl.ReadTransaction(ctx, func(txCtx context.Context) error {
		if _, err := tc.getCollection(txCtx, namespace); err != nil {
			return err
		}
		var err error
		count, err = tc.metaDomain.ChunkDb(txCtx).Count(namespace)
		return err
	})
	return count, err
}

// tableLookup resolves chunks for planning and remembers the versions it read
// so updates can be made conditional on them.
type tableLookup struct {
	chunkDb   dbmodel.IChunkDb
	namespace string
	read      map[types.UniqueID]model.ChunkVersion
}

var _ chunkops.ChunkLookup = &tableLookup{}

func (l *tableLookup) remember(row *dbmodel.Chunk) (*model.Chunk, error) {
	c, err := convertChunkToModel(row)
	if err != nil || c == nil {
		return c, err
	}
	l.read[c.ID] = c.Version
	return c, nil
}

func (l *tableLookup) ChunkByRange(r model.ChunkRange) (*model.Chunk, error) {
	row, err := l.chunkDb.GetByMinSortKey(l.namespace, model.EncodeSortKey(r.Min))
	if err != nil || row == nil {
		return nil, err
	}
	c, err := l.remember(row)
	if err != nil {
		return nil, err
	}
	if !c.Range.Equal(r) {
		return nil, nil
	}
	return c, nil
}

func (l *tableLookup) ControlChunk(shard string, exclude types.UniqueID) (*model.Chunk, error) {
	row, err := l.chunkDb.FirstOnShard(l.namespace, shard, exclude.String())
	if err != nil || row == nil {
		return nil, err
	}
	return l.remember(row)
}

func (tc *Catalog) ApplyChunkOperation(ctx context.Context, namespace string, op model.ChunkOperation) (model.CollectionVersion, error) {
	unlock, err := tc.locks.Lock(ctx, namespace)
	if err != nil {
		return model.CollectionVersion{}, err
	}
	defer unlock()

	var newVersion model.CollectionVersion
	err = tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		if op.OpID() != "" {
			applied, err := tc.metaDomain.ChunkOperationDb(txCtx).Get(op.OpID())
			if err != nil {
				return err
			}
			if applied != nil {
				if applied.Namespace != namespace {
					return fmt.Errorf("%w: operation %s was applied to %s", common.ErrInvalidArgument, op.OpID(), applied.Namespace)
				}
				epoch, err := types.Parse(applied.Epoch)
				if err != nil {
					return err
				}
				newVersion = model.NewChunkVersion(epoch, applied.Major, applied.Minor)
				log.Info("chunk operation already applied", zap.String("namespace", namespace), zap.String("operationID", op.OpID()))
				return nil
			}
		}

		coll, err := tc.getCollection(txCtx, namespace)
		if err != nil {
			return err
		}
		lookup := &tableLookup{
			chunkDb:   tc.metaDomain.ChunkDb(txCtx),
			namespace: namespace,
			read:      make(map[types.UniqueID]model.ChunkVersion),
		}
		transition, err := chunkops.PlanOperation(coll, op, lookup, types.NewUniqueID)
		if err != nil {
			return err
		}
		if err := tc.applyTransition(txCtx, lookup, transition); err != nil {
			return err
		}

		affected, err := tc.metaDomain.CollectionDb(txCtx).UpdateVersion(namespace, coll.Version.Epoch.String(),
			coll.Version.Major, coll.Version.Minor, transition.NewVersion.Major, transition.NewVersion.Minor, tc.clock.Now())
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: collection %s moved past %s", common.ErrWriteConflict, namespace, coll.Version)
		}
		if op.OpID() != "" {
			err = tc.metaDomain.ChunkOperationDb(txCtx).Insert(&dbmodel.ChunkOperation{
				OperationID: op.OpID(),
				Namespace:   namespace,
				Kind:        string(op.Kind()),
				Epoch:       transition.NewVersion.Epoch.String(),
				Major:       transition.NewVersion.Major,
				Minor:       transition.NewVersion.Minor,
				CreatedTs:   tc.clock.Now(),
			})
			if err != nil {
				return err
			}
		}
		newVersion = transition.NewVersion
		return tc.addNotification(txCtx, namespace, model.NotificationTypeChunksChanged, newVersion)
	})
	if err != nil {
		return model.CollectionVersion{}, err
	}
	log.Info("chunk operation applied",
		zap.String("namespace", namespace),
		zap.String("kind", string(op.Kind())),
		zap.String("operationID", op.OpID()),
		zap.Object("version", newVersion))
	return newVersion, nil
}

func (tc *Catalog) applyTransition(txCtx context.Context, lookup *tableLookup, t *chunkops.Transition) error {
	chunkDb := tc.metaDomain.ChunkDb(txCtx)
	if len(t.Removed) > 0 {
		ids := make([]string, 0, len(t.Removed))
		for _, c := range t.Removed {
			ids = append(ids, c.ID.String())
		}
		deleted, err := chunkDb.DeleteByIDs(ids)
		if err != nil {
			return err
		}
		if deleted != int64(len(ids)) {
			return fmt.Errorf("%w: %d of %d chunks were already gone", common.ErrWriteConflict, int64(len(ids))-deleted, len(ids))
		}
	}
	for _, c := range t.Updated {
		expected, ok := lookup.read[c.ID]
		if !ok {
			return fmt.Errorf("%w: chunk %s was not read before update", common.ErrChunkSetCorrupted, c.Range)
		}
		if err := tc.updateChunk(txCtx, c, expected); err != nil {
			return err
		}
	}
	return tc.insertChunks(txCtx, t.Added)
}

func (tc *Catalog) RecordMigration(ctx context.Context, record *model.MigrationRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	row, err := convertMigrationToDb(record)
	if err != nil {
		return err
	}
	return tc.metaDomain.MigrationDb(ctx).Insert(row)
}

func (tc *Catalog) UpdateMigrationState(ctx context.Context, id types.UniqueID, from model.MigrationState, to model.MigrationState, reason string, ts types.Timestamp) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", common.ErrInvalidMigrationTransition, from, to)
	}
	return tc.txImpl.Transaction(ctx, func(txCtx context.Context) error {
		affected, err := tc.metaDomain.MigrationDb(txCtx).UpdateState(id.String(), string(from), string(to), reason, ts)
		if err != nil {
			return err
		}
		if affected == 1 {
			return nil
		}
		current, err := tc.metaDomain.MigrationDb(txCtx).Get(id.String())
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
		}
		return fmt.Errorf("%w: migration %s is %s, not %s", common.ErrWriteConflict, id, current.State, from)
	})
}

func (tc *Catalog) GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	row, err := tc.metaDomain.MigrationDb(ctx).Get(id.String())
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
	}
	return convertMigrationToModel(row)
}

var activeMigrationStates = []string{
	string(model.MigrationNotStarted),
	string(model.MigrationCloning),
	string(model.MigrationCatchingUp),
	string(model.MigrationCriticalSection),
}

func (tc *Catalog) ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error) {
	var states []string
	if !includeTerminal {
		states = activeMigrationStates
	}
	rows, err := tc.metaDomain.MigrationDb(ctx).List(states)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MigrationRecord, 0, len(rows))
	for _, row := range rows {
		record, err := convertMigrationToModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (tc *Catalog) DeleteMigration(ctx context.Context, id types.UniqueID) error {
	affected, err := tc.metaDomain.MigrationDb(ctx).Delete(id.String())
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", common.ErrMigrationNotFound, id)
	}
	return nil
}

func (tc *Catalog) UpsertShard(ctx context.Context, shard *model.Shard) error {
	if shard.ID == "" {
		return fmt.Errorf("%w: shard id is empty", common.ErrInvalidArgument)
	}
	return tc.metaDomain.ShardDb(ctx).Upsert(&dbmodel.Shard{
		ID:        shard.ID,
		Address:   shard.Address,
		State:     string(shard.State),
		UpdatedTs: tc.clock.Now(),
	})
}

func (tc *Catalog) GetShard(ctx context.Context, id string) (*model.Shard, error) {
	row, err := tc.metaDomain.ShardDb(ctx).Get(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrShardNotFound, id)
	}
	return convertShardToModel(row), nil
}

func (tc *Catalog) ListShards(ctx context.Context) ([]*model.Shard, error) {
	rows, err := tc.metaDomain.ShardDb(ctx).List()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Shard, 0, len(rows))
	for _, row := range rows {
		out = append(out, convertShardToModel(row))
	}
	return out, nil
}

func (tc *Catalog) RemoveShard(ctx context.Context, id string) error {
	affected, err := tc.metaDomain.ShardDb(ctx).Delete(id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", common.ErrShardNotFound, id)
	}
	return nil
}

package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

func convertCollectionToModel(collection *dbmodel.Collection) (*model.CollectionMetadata, error) {
	if collection == nil {
		return nil, nil
	}
	id, err := types.Parse(collection.UUID)
	if err != nil {
		return nil, fmt.Errorf("collection %s uuid: %w", collection.Namespace, err)
	}
	epoch, err := types.Parse(collection.Epoch)
	if err != nil {
		return nil, fmt.Errorf("collection %s epoch: %w", collection.Namespace, err)
	}
	pattern, err := model.ParseShardKeyPattern(collection.KeyPattern)
	if err != nil {
		return nil, err
	}
	return &model.CollectionMetadata{
		Namespace:        collection.Namespace,
		UUID:             id,
		KeyPattern:       pattern,
		Unique:           collection.IsUnique,
		Version:          model.NewChunkVersion(epoch, collection.Major, collection.Minor),
		DistributionMode: collection.DistributionMode,
		CreatedAt:        collection.CreatedTs,
		UpdatedAt:        collection.UpdatedTs,
	}, nil
}

func convertCollectionToDb(coll *model.CollectionMetadata) *dbmodel.Collection {
	return &dbmodel.Collection{
		Namespace:        coll.Namespace,
		UUID:             coll.UUID.String(),
		KeyPattern:       coll.KeyPattern.String(),
		IsUnique:         coll.Unique,
		Epoch:            coll.Version.Epoch.String(),
		Major:            coll.Version.Major,
		Minor:            coll.Version.Minor,
		DistributionMode: coll.DistributionMode,
		CreatedTs:        coll.CreatedAt,
		UpdatedTs:        coll.UpdatedAt,
	}
}

func convertChunkToDb(chunk *model.Chunk) (*dbmodel.Chunk, error) {
	minKey, err := json.Marshal(chunk.Range.Min)
	if err != nil {
		return nil, err
	}
	maxKey, err := json.Marshal(chunk.Range.Max)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(chunk.History)
	if err != nil {
		return nil, err
	}
	return &dbmodel.Chunk{
		ID:             chunk.ID.String(),
		Namespace:      chunk.Namespace,
		CollectionUUID: chunk.CollectionUUID.String(),
		MinSortKey:     model.EncodeSortKey(chunk.Range.Min),
		MinKey:         string(minKey),
		MaxKey:         string(maxKey),
		Shard:          chunk.Shard,
		Epoch:          chunk.Version.Epoch.String(),
		Major:          chunk.Version.Major,
		Minor:          chunk.Version.Minor,
		History:        string(history),
	}, nil
}

// convertChunkToModel fails with ErrChunkSetCorrupted on rows it cannot decode.
func convertChunkToModel(chunk *dbmodel.Chunk) (*model.Chunk, error) {
	if chunk == nil {
		return nil, nil
	}
	id, err := types.Parse(chunk.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk id %q: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	collectionUUID, err := types.Parse(chunk.CollectionUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s collection uuid: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	epoch, err := types.Parse(chunk.Epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s epoch: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	var minKey, maxKey model.Key
	if err := json.Unmarshal([]byte(chunk.MinKey), &minKey); err != nil {
		return nil, fmt.Errorf("%w: chunk %s min: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	if err := json.Unmarshal([]byte(chunk.MaxKey), &maxKey); err != nil {
		return nil, fmt.Errorf("%w: chunk %s max: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	var history []model.ChunkHistoryEntry
	if err := json.Unmarshal([]byte(chunk.History), &history); err != nil {
		return nil, fmt.Errorf("%w: chunk %s history: %w", common.ErrChunkSetCorrupted, chunk.ID, err)
	}
	return &model.Chunk{
		ID:             id,
		Namespace:      chunk.Namespace,
		CollectionUUID: collectionUUID,
		Range:          model.ChunkRange{Min: minKey, Max: maxKey},
		Shard:          chunk.Shard,
		Version:        model.NewChunkVersion(epoch, chunk.Major, chunk.Minor),
		History:        history,
	}, nil
}

func convertChunksToModel(chunks []*dbmodel.Chunk) ([]*model.Chunk, error) {
	out := make([]*model.Chunk, 0, len(chunks))
	for _, c := range chunks {
		converted, err := convertChunkToModel(c)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func convertMigrationToDb(record *model.MigrationRecord) (*dbmodel.Migration, error) {
	minKey, err := json.Marshal(record.Range.Min)
	if err != nil {
		return nil, err
	}
	maxKey, err := json.Marshal(record.Range.Max)
	if err != nil {
		return nil, err
	}
	return &dbmodel.Migration{
		ID:             record.ID.String(),
		OperationID:    record.OperationID,
		Namespace:      record.Namespace,
		CollectionUUID: record.CollectionUUID.String(),
		MinKey:         string(minKey),
		MaxKey:         string(maxKey),
		Donor:          record.Donor,
		Recipient:      record.Recipient,
		State:          string(record.State),
		AbortReason:    record.AbortReason,
		StartEpoch:     record.StartVersion.Epoch.String(),
		StartMajor:     record.StartVersion.Major,
		StartMinor:     record.StartVersion.Minor,
		CreatedTs:      record.CreatedAt,
		UpdatedTs:      record.UpdatedAt,
	}, nil
}

// convertMigrationToModel fails with ErrMigrationCorrupted on rows recovery
// could not act on.
func convertMigrationToModel(migration *dbmodel.Migration) (*model.MigrationRecord, error) {
	if migration == nil {
		return nil, nil
	}
	id, err := types.Parse(migration.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q: %w", common.ErrMigrationCorrupted, migration.ID, err)
	}
	collectionUUID, err := types.Parse(migration.CollectionUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: migration %s collection uuid: %w", common.ErrMigrationCorrupted, migration.ID, err)
	}
	epoch, err := types.Parse(migration.StartEpoch)
	if err != nil {
		return nil, fmt.Errorf("%w: migration %s epoch: %w", common.ErrMigrationCorrupted, migration.ID, err)
	}
	state, err := model.ParseMigrationState(migration.State)
	if err != nil {
		return nil, err
	}
	var minKey, maxKey model.Key
	if err := json.Unmarshal([]byte(migration.MinKey), &minKey); err != nil {
		return nil, fmt.Errorf("%w: migration %s min: %w", common.ErrMigrationCorrupted, migration.ID, err)
	}
	if err := json.Unmarshal([]byte(migration.MaxKey), &maxKey); err != nil {
		return nil, fmt.Errorf("%w: migration %s max: %w", common.ErrMigrationCorrupted, migration.ID, err)
	}
	record := &model.MigrationRecord{
		ID:             id,
		OperationID:    migration.OperationID,
		Namespace:      migration.Namespace,
		CollectionUUID: collectionUUID,
		Range:          model.ChunkRange{Min: minKey, Max: maxKey},
		Donor:          migration.Donor,
		Recipient:      migration.Recipient,
		State:          state,
		AbortReason:    migration.AbortReason,
		StartVersion:   model.NewChunkVersion(epoch, migration.StartMajor, migration.StartMinor),
		CreatedAt:      migration.CreatedTs,
		UpdatedAt:      migration.UpdatedTs,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func convertShardToModel(shard *dbmodel.Shard) *model.Shard {
	if shard == nil {
		return nil
	}
	return &model.Shard{
		ID:      shard.ID,
		Address: shard.Address,
		State:   model.ShardState(shard.State),
	}
}

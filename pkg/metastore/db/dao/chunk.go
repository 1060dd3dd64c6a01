package dao

import (
	"errors"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type chunkDb struct {
	db *gorm.DB
}

var _ dbmodel.IChunkDb = &chunkDb{}

func (s *chunkDb) DeleteAll() error {
	return s.db.Where("1 = 1").Delete(&dbmodel.Chunk{}).Error
}

func (s *chunkDb) Insert(in []*dbmodel.Chunk) error {
	if len(in) == 0 {
		return nil
	}
	err := s.db.CreateInBatches(in, 100).Error
	if err != nil {
		log.Error("insert chunks failed", zap.Int("count", len(in)), zap.Error(err))
		if isUniqueViolation(err) || isSerializationFailure(err) {
			return common.ErrWriteConflict
		}
		return err
	}
	return nil
}

func (s *chunkDb) DeleteByNamespace(namespace string) error {
	return s.db.Where("namespace = ?", namespace).Delete(&dbmodel.Chunk{}).Error
}

func (s *chunkDb) DeleteByIDs(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.Where("id IN ?", ids).Delete(&dbmodel.Chunk{})
	if result.Error != nil && isSerializationFailure(result.Error) {
		return 0, common.ErrWriteConflict
	}
	return result.RowsAffected, result.Error
}

func (s *chunkDb) Update(in *dbmodel.Chunk, expectedEpoch string, expectedMajor uint32, expectedMinor uint32) (int64, error) {
	result := s.db.Model(&dbmodel.Chunk{}).
		Where("id = ? AND epoch = ? AND major = ? AND minor = ?", in.ID, expectedEpoch, expectedMajor, expectedMinor).
		Updates(map[string]interface{}{
			"min_sort_key": in.MinSortKey,
			"min_key":      in.MinKey,
			"max_key":      in.MaxKey,
			"shard":        in.Shard,
			"epoch":        in.Epoch,
			"major":        in.Major,
			"minor":        in.Minor,
			"history":      in.History,
		})
	if result.Error != nil {
		log.Error("update chunk failed", zap.String("id", in.ID), zap.Error(result.Error))
		if isUniqueViolation(result.Error) || isSerializationFailure(result.Error) {
			return 0, common.ErrWriteConflict
		}
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *chunkDb) GetByMinSortKey(namespace string, minSortKey string) (*dbmodel.Chunk, error) {
	var chunk dbmodel.Chunk
	err := s.db.Where("namespace = ? AND min_sort_key = ?", namespace, minSortKey).First(&chunk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &chunk, nil
}

func (s *chunkDb) ListPage(namespace string, after string, shard string, limit int) ([]*dbmodel.Chunk, error) {
	var chunks []*dbmodel.Chunk
	query := s.db.Where("namespace = ? AND min_sort_key > ?", namespace, after)
	if shard != "" {
		query = query.Where("shard = ?", shard)
	}
	err := query.Order("min_sort_key ASC").Limit(limit).Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *chunkDb) ListAll(namespace string) ([]*dbmodel.Chunk, error) {
	var chunks []*dbmodel.Chunk
	err := s.db.Where("namespace = ?", namespace).Order("min_sort_key ASC").Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *chunkDb) ListSince(namespace string, major uint32, minor uint32) ([]*dbmodel.Chunk, error) {
	var chunks []*dbmodel.Chunk
	err := s.db.Where("namespace = ?", namespace).
		Where("major > ? OR (major = ? AND minor > ?)", major, major, minor).
		Order("min_sort_key ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *chunkDb) Count(namespace string) (int64, error) {
	var count int64
	err := s.db.Model(&dbmodel.Chunk{}).Where("namespace = ?", namespace).Count(&count).Error
	return count, err
}

func (s *chunkDb) FirstOnShard(namespace string, shard string, excludeID string) (*dbmodel.Chunk, error) {
	var chunks []*dbmodel.Chunk
	err := s.db.Where("namespace = ? AND shard = ? AND id <> ?", namespace, shard, excludeID).
		Order("min_sort_key ASC").
		Limit(1).
		Find(&chunks).Error
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return chunks[0], nil
}

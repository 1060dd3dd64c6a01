package dao

import (
	"errors"

	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type shardDb struct {
	db *gorm.DB
}

var _ dbmodel.IShardDb = &shardDb{}

func (s *shardDb) DeleteAll() error {
	return s.db.Where("1 = 1").Delete(&dbmodel.Shard{}).Error
}

func (s *shardDb) Upsert(in *dbmodel.Shard) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "state", "updated_ts"}),
	}).Create(in).Error
}

func (s *shardDb) Get(id string) (*dbmodel.Shard, error) {
	var shard dbmodel.Shard
	err := s.db.Where("id = ?", id).First(&shard).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &shard, nil
}

func (s *shardDb) List() ([]*dbmodel.Shard, error) {
	var shards []*dbmodel.Shard
	err := s.db.Order("id ASC").Find(&shards).Error
	if err != nil {
		return nil, err
	}
	return shards, nil
}

func (s *shardDb) Delete(id string) (int64, error) {
	result := s.db.Where("id = ?", id).Delete(&dbmodel.Shard{})
	return result.RowsAffected, result.Error
}

package dao

import (
	"errors"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationDb struct {
	db *gorm.DB
}

var _ dbmodel.IMigrationDb = &migrationDb{}

func (s *migrationDb) DeleteAll() error {
	return s.db.Where("1 = 1").Delete(&dbmodel.Migration{}).Error
}

func (s *migrationDb) Insert(in *dbmodel.Migration) error {
	err := s.db.Create(in).Error
	if err != nil {
		log.Error("insert migration failed", zap.String("id", in.ID), zap.Error(err))
		if isUniqueViolation(err) || isSerializationFailure(err) {
			return common.ErrWriteConflict
		}
		return err
	}
	return nil
}

func (s *migrationDb) Get(id string) (*dbmodel.Migration, error) {
	var migration dbmodel.Migration
	err := s.db.Where("id = ?", id).First(&migration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &migration, nil
}

// List returns migrations in any of states, or all of them when states is empty.
func (s *migrationDb) List(states []string) ([]*dbmodel.Migration, error) {
	var migrations []*dbmodel.Migration
	query := s.db.Model(&dbmodel.Migration{})
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	err := query.Order("created_ts ASC, id ASC").Find(&migrations).Error
	if err != nil {
		return nil, err
	}
	return migrations, nil
}

func (s *migrationDb) UpdateState(id string, from string, to string, reason string, ts types.Timestamp) (int64, error) {
	updates := map[string]interface{}{
		"state":      to,
		"updated_ts": ts,
	}
	if reason != "" {
		updates["abort_reason"] = reason
	}
	result := s.db.Model(&dbmodel.Migration{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		log.Error("update migration state failed", zap.String("id", id), zap.Error(result.Error))
		if isSerializationFailure(result.Error) {
			return 0, common.ErrWriteConflict
		}
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *migrationDb) Delete(id string) (int64, error) {
	result := s.db.Where("id = ?", id).Delete(&dbmodel.Migration{})
	return result.RowsAffected, result.Error
}

package dao

import (
	"errors"
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type collectionDb struct {
	db *gorm.DB
}

var _ dbmodel.ICollectionDb = &collectionDb{}

func (s *collectionDb) DeleteAll() error {
	return s.db.Where("1 = 1").Delete(&dbmodel.Collection{}).Error
}

func (s *collectionDb) Insert(in *dbmodel.Collection) error {
	err := s.db.Create(in).Error
	if err != nil {
		log.Error("create collection failed", zap.String("namespace", in.Namespace), zap.Error(err))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", common.ErrCollectionAlreadySharded, in.Namespace)
		}
		if isSerializationFailure(err) {
			return common.ErrWriteConflict
		}
		return err
	}
	return nil
}

func (s *collectionDb) Get(namespace string) (*dbmodel.Collection, error) {
	var collection dbmodel.Collection
	err := s.db.Where("namespace = ?", namespace).First(&collection).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &collection, nil
}

func (s *collectionDb) List() ([]*dbmodel.Collection, error) {
	var collections []*dbmodel.Collection
	err := s.db.Order("namespace ASC").Find(&collections).Error
	if err != nil {
		return nil, err
	}
	return collections, nil
}

func (s *collectionDb) Delete(namespace string) (int64, error) {
	result := s.db.Where("namespace = ?", namespace).Delete(&dbmodel.Collection{})
	return result.RowsAffected, result.Error
}

func (s *collectionDb) UpdateVersion(namespace string, epoch string, fromMajor uint32, fromMinor uint32, toMajor uint32, toMinor uint32, ts types.Timestamp) (int64, error) {
	result := s.db.Model(&dbmodel.Collection{}).
		Where("namespace = ? AND epoch = ? AND major = ? AND minor = ?", namespace, epoch, fromMajor, fromMinor).
		Updates(map[string]interface{}{
			"major":      toMajor,
			"minor":      toMinor,
			"updated_ts": ts,
		})
	if result.Error != nil {
		log.Error("update collection version failed", zap.String("namespace", namespace), zap.Error(result.Error))
		if isSerializationFailure(result.Error) {
			return 0, common.ErrWriteConflict
		}
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *collectionDb) Replace(in *dbmodel.Collection, expectedEpoch string, expectedMajor uint32, expectedMinor uint32) (int64, error) {
	result := s.db.Model(&dbmodel.Collection{}).
		Where("namespace = ? AND epoch = ? AND major = ? AND minor = ?", in.Namespace, expectedEpoch, expectedMajor, expectedMinor).
		Updates(map[string]interface{}{
			"uuid":              in.UUID,
			"key_pattern":       in.KeyPattern,
			"is_unique":         in.IsUnique,
			"epoch":             in.Epoch,
			"major":             in.Major,
			"minor":             in.Minor,
			"distribution_mode": in.DistributionMode,
			"updated_ts":        in.UpdatedTs,
		})
	if result.Error != nil {
		log.Error("replace collection failed", zap.String("namespace", in.Namespace), zap.Error(result.Error))
		if isSerializationFailure(result.Error) {
			return 0, common.ErrWriteConflict
		}
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

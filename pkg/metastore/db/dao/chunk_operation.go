package dao

import (
	"errors"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"gorm.io/gorm"
)

type chunkOperationDb struct {
	db *gorm.DB
}

var _ dbmodel.IChunkOperationDb = &chunkOperationDb{}

func (s *chunkOperationDb) DeleteAll() error {
	return s.db.Where("1 = 1").Delete(&dbmodel.ChunkOperation{}).Error
}

func (s *chunkOperationDb) Insert(in *dbmodel.ChunkOperation) error {
	err := s.db.Create(in).Error
	if err != nil && (isUniqueViolation(err) || isSerializationFailure(err)) {
		return common.ErrWriteConflict
	}
	return err
}

func (s *chunkOperationDb) Get(operationID string) (*dbmodel.ChunkOperation, error) {
	var op dbmodel.ChunkOperation
	err := s.db.Where("operation_id = ?", operationID).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &op, nil
}

func (s *chunkOperationDb) DeleteByNamespace(namespace string) error {
	return s.db.Where("namespace = ?", namespace).Delete(&dbmodel.ChunkOperation{}).Error
}

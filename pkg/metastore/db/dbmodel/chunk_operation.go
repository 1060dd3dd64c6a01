package dbmodel

import "github.com/chunkmeta/chunkmeta/pkg/types"

// ChunkOperation remembers applied operation ids so retries are idempotent.
type ChunkOperation struct {
	OperationID string          `gorm:"column:operation_id;primaryKey"`
	Namespace   string          `gorm:"column:namespace;not null;index:idx_chunk_operations_ns"`
	Kind        string          `gorm:"column:kind;not null"`
	Epoch       string          `gorm:"column:epoch;not null"`
	Major       uint32          `gorm:"column:major;type:integer;not null"`
	Minor       uint32          `gorm:"column:minor;type:integer;not null"`
	CreatedTs   types.Timestamp `gorm:"column:created_ts;type:bigint;default:0"`
}

func (v ChunkOperation) TableName() string {
	return "chunk_operations"
}

//go:generate mockery --name=IChunkOperationDb
type IChunkOperationDb interface {
	DeleteAll() error
	Insert(in *ChunkOperation) error
	Get(operationID string) (*ChunkOperation, error)
	DeleteByNamespace(namespace string) error
}

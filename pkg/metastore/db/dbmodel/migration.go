package dbmodel

import "github.com/chunkmeta/chunkmeta/pkg/types"

type Migration struct {
	ID             string          `gorm:"column:id;primaryKey"`
	OperationID    string          `gorm:"column:operation_id;index:idx_migrations_operation_id"`
	Namespace      string          `gorm:"column:namespace;not null"`
	CollectionUUID string          `gorm:"column:collection_uuid;not null"`
	MinKey         string          `gorm:"column:min_key;not null"`
	MaxKey         string          `gorm:"column:max_key;not null"`
	Donor          string          `gorm:"column:donor;not null"`
	Recipient      string          `gorm:"column:recipient;not null"`
	State          string          `gorm:"column:state;not null;index:idx_migrations_state"`
	AbortReason    string          `gorm:"column:abort_reason"`
	StartEpoch     string          `gorm:"column:start_epoch;not null"`
	StartMajor     uint32          `gorm:"column:start_major;type:integer;not null"`
	StartMinor     uint32          `gorm:"column:start_minor;type:integer;not null"`
	CreatedTs      types.Timestamp `gorm:"column:created_ts;type:bigint;default:0"`
	UpdatedTs      types.Timestamp `gorm:"column:updated_ts;type:bigint;default:0"`
}

func (v Migration) TableName() string {
	return "migrations"
}

//go:generate mockery --name=IMigrationDb
type IMigrationDb interface {
	DeleteAll() error
	Insert(in *Migration) error
	Get(id string) (*Migration, error)
	List(states []string) ([]*Migration, error)
	// UpdateState moves a migration from one state to another and returns the
	// number of rows changed.
	UpdateState(id string, from string, to string, reason string, ts types.Timestamp) (int64, error)
	Delete(id string) (int64, error)
}

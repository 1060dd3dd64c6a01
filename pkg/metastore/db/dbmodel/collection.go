package dbmodel

import "github.com/chunkmeta/chunkmeta/pkg/types"

type Collection struct {
	Namespace        string          `gorm:"column:namespace;primaryKey"`
	UUID             string          `gorm:"column:uuid;not null"`
	KeyPattern       string          `gorm:"column:key_pattern;not null"`
	IsUnique         bool            `gorm:"column:is_unique;type:bool;default:false"`
	Epoch            string          `gorm:"column:epoch;not null"`
	Major            uint32          `gorm:"column:major;type:integer;not null;default:0"`
	Minor            uint32          `gorm:"column:minor;type:integer;not null;default:0"`
	DistributionMode string          `gorm:"column:distribution_mode;not null"`
	CreatedTs        types.Timestamp `gorm:"column:created_ts;type:bigint;default:0"`
	UpdatedTs        types.Timestamp `gorm:"column:updated_ts;type:bigint;default:0"`
}

func (v Collection) TableName() string {
	return "collections"
}

//go:generate mockery --name=ICollectionDb
type ICollectionDb interface {
	DeleteAll() error
	Insert(in *Collection) error
	Get(namespace string) (*Collection, error)
	List() ([]*Collection, error)
	Delete(namespace string) (int64, error)
	// UpdateVersion moves the collection version from (epoch, fromMajor, fromMinor)
	// to (toMajor, toMinor) and returns the number of rows changed.
	UpdateVersion(namespace string, epoch string, fromMajor uint32, fromMinor uint32, toMajor uint32, toMinor uint32, ts types.Timestamp) (int64, error)
	// Replace overwrites the row if it is still at the expected version.
	Replace(in *Collection, expectedEpoch string, expectedMajor uint32, expectedMinor uint32) (int64, error)
}

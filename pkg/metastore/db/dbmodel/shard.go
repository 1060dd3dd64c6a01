package dbmodel

import "github.com/chunkmeta/chunkmeta/pkg/types"

type Shard struct {
	ID        string          `gorm:"column:id;primaryKey"`
	Address   string          `gorm:"column:address"`
	State     string          `gorm:"column:state;not null"`
	UpdatedTs types.Timestamp `gorm:"column:updated_ts;type:bigint;default:0"`
}

func (v Shard) TableName() string {
	return "shards"
}

//go:generate mockery --name=IShardDb
type IShardDb interface {
	DeleteAll() error
	Upsert(in *Shard) error
	Get(id string) (*Shard, error)
	List() ([]*Shard, error)
	Delete(id string) (int64, error)
}

package dbmodel

type Chunk struct {
	ID             string `gorm:"column:id;primaryKey"`
	Namespace      string `gorm:"column:namespace;not null;index:idx_chunks_ns_min,unique,priority:1;index:idx_chunks_ns_shard,priority:1;index:idx_chunks_ns_version,priority:1"`
	CollectionUUID string `gorm:"column:collection_uuid;not null"`
	MinSortKey     string `gorm:"column:min_sort_key;not null;index:idx_chunks_ns_min,unique,priority:2"`
	MinKey         string `gorm:"column:min_key;not null"`
	MaxKey         string `gorm:"column:max_key;not null"`
	Shard          string `gorm:"column:shard;not null;index:idx_chunks_ns_shard,priority:2"`
	Epoch          string `gorm:"column:epoch;not null"`
	Major          uint32 `gorm:"column:major;type:integer;not null;index:idx_chunks_ns_version,priority:2"`
	Minor          uint32 `gorm:"column:minor;type:integer;not null;index:idx_chunks_ns_version,priority:3"`
	History        string `gorm:"column:history;not null"`
}

func (v Chunk) TableName() string {
	return "chunks"
}

//go:generate mockery --name=IChunkDb
type IChunkDb interface {
	DeleteAll() error
	Insert(in []*Chunk) error
	DeleteByNamespace(namespace string) error
	DeleteByIDs(ids []string) (int64, error)
	// Update overwrites a chunk if it is still at the expected version.
	Update(in *Chunk, expectedEpoch string, expectedMajor uint32, expectedMinor uint32) (int64, error)
	GetByMinSortKey(namespace string, minSortKey string) (*Chunk, error)
	// ListPage returns up to limit chunks with a min sort key above after.
	ListPage(namespace string, after string, shard string, limit int) ([]*Chunk, error)
	ListAll(namespace string) ([]*Chunk, error)
	ListSince(namespace string, major uint32, minor uint32) ([]*Chunk, error)
	Count(namespace string) (int64, error)
	// FirstOnShard returns the lowest chunk of shard other than excludeID.
	FirstOnShard(namespace string, shard string, excludeID string) (*Chunk, error)
}

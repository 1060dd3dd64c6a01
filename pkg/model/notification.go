package model

type Notification struct {
	ID        int64             `json:"id"`
	Namespace string            `json:"namespace"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Version   CollectionVersion `json:"version"`
}

const (
	NotificationTypeCreateCollection = "create_collection"
	NotificationTypeDropCollection   = "drop_collection"
	NotificationTypeChunksChanged    = "chunks_changed"
	NotificationTypeRefineShardKey   = "refine_shard_key"
)

const (
	NotificationStatusPending = "pending"
)

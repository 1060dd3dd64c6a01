package dbmodel

import "context"

//go:generate mockery --name=IMetaDomain
type IMetaDomain interface {
	CollectionDb(ctx context.Context) ICollectionDb
	ChunkDb(ctx context.Context) IChunkDb
	ChunkOperationDb(ctx context.Context) IChunkOperationDb
	MigrationDb(ctx context.Context) IMigrationDb
	ShardDb(ctx context.Context) IShardDb
	NotificationDb(ctx context.Context) INotificationDb
}

//go:generate mockery --name=ITransaction
type ITransaction interface {
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
	// ReadTransaction runs fn against one consistent snapshot.
	ReadTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

// AllModels lists every table, in creation order. cmd/atlasloader feeds it to
// atlas to produce migrations.
func AllModels() []any {
	return []any{
		&Collection{},
		&Chunk{},
		&ChunkOperation{},
		&Migration{},
		&Shard{},
		&Notification{},
	}
}

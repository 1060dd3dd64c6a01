package dao

import (
	"context"
	"errors"
	"strings"

	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbcore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type MetaDomain struct{}

var _ dbmodel.IMetaDomain = &MetaDomain{}

func NewMetaDomain() *MetaDomain {
	return &MetaDomain{}
}

func (*MetaDomain) CollectionDb(ctx context.Context) dbmodel.ICollectionDb {
	return &collectionDb{dbcore.GetDB(ctx)}
}

func (*MetaDomain) ChunkDb(ctx context.Context) dbmodel.IChunkDb {
	return &chunkDb{dbcore.GetDB(ctx)}
}

func (*MetaDomain) ChunkOperationDb(ctx context.Context) dbmodel.IChunkOperationDb {
	return &chunkOperationDb{dbcore.GetDB(ctx)}
}

func (*MetaDomain) MigrationDb(ctx context.Context) dbmodel.IMigrationDb {
	return &migrationDb{dbcore.GetDB(ctx)}
}

func (*MetaDomain) ShardDb(ctx context.Context) dbmodel.IShardDb {
	return &shardDb{dbcore.GetDB(ctx)}
}

func (*MetaDomain) NotificationDb(ctx context.Context) dbmodel.INotificationDb {
	return &notificationDb{dbcore.GetDB(ctx)}
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return strings.Contains(err.Error(), "database is locked")
}

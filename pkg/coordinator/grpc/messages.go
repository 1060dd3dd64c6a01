package grpc

import (
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// Messages of the ChunkCatalog service. They travel with the JSON codec.

type Empty struct{}

type ShardCollectionRequest struct {
	Namespace        string      `json:"namespace"`
	KeyPattern       string      `json:"keyPattern"`
	Unique           bool        `json:"unique,omitempty"`
	NumInitialChunks int         `json:"numInitialChunks,omitempty"`
	PresplitPoints   []model.Key `json:"presplitPoints,omitempty"`
}

type NamespaceRequest struct {
	Namespace string `json:"namespace"`
}

type RefineShardKeyRequest struct {
	Namespace       string                  `json:"namespace"`
	KeyPattern      string                  `json:"keyPattern"`
	ExpectedVersion model.CollectionVersion `json:"expectedVersion"`
}

type CollectionResponse struct {
	Collection *model.CollectionMetadata `json:"collection"`
}

type CollectionsResponse struct {
	Collections []*model.CollectionMetadata `json:"collections"`
}

type ListChunksRequest struct {
	Namespace  string    `json:"namespace"`
	Shard      string    `json:"shard,omitempty"`
	BatchSize  int       `json:"batchSize,omitempty"`
	StartAfter model.Key `json:"startAfter,omitempty"`
}

type ChunksResponse struct {
	Collection *model.CollectionMetadata `json:"collection,omitempty"`
	Chunks     []*model.Chunk            `json:"chunks"`
}

type GetChunksSinceRequest struct {
	Namespace string             `json:"namespace"`
	Since     model.ChunkVersion `json:"since"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type SplitChunkRequest struct {
	OperationID     string                  `json:"operationId,omitempty"`
	Namespace       string                  `json:"namespace"`
	ExpectedVersion model.CollectionVersion `json:"expectedVersion"`
	Range           model.ChunkRange        `json:"range"`
	SplitPoints     []model.Key             `json:"splitPoints,omitempty"`
}

type MergeChunksRequest struct {
	OperationID     string                  `json:"operationId,omitempty"`
	Namespace       string                  `json:"namespace"`
	ExpectedVersion model.CollectionVersion `json:"expectedVersion"`
	Ranges          []model.ChunkRange      `json:"ranges"`
}

type MoveChunkRequest struct {
	OperationID     string                  `json:"operationId,omitempty"`
	Namespace       string                  `json:"namespace"`
	ExpectedVersion model.CollectionVersion `json:"expectedVersion"`
	Range           model.ChunkRange        `json:"range"`
	To              string                  `json:"to"`
}

type VersionResponse struct {
	Version model.CollectionVersion `json:"version"`
}

type GetMigrationRequest struct {
	ID types.UniqueID `json:"id"`
}

type MigrationResponse struct {
	Migration *model.MigrationRecord `json:"migration"`
}

type ListMigrationsRequest struct {
	IncludeTerminal bool `json:"includeTerminal,omitempty"`
}

type MigrationsResponse struct {
	Migrations []*model.MigrationRecord `json:"migrations"`
}

type ShardsResponse struct {
	Shards []*model.Shard `json:"shards"`
}

type AddShardRequest struct {
	Shard *model.Shard `json:"shard"`
}

type RemoveShardRequest struct {
	ID string `json:"id"`
}

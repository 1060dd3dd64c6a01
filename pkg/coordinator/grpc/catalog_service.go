package grpc

import (
	"context"

	"github.com/chunkmeta/chunkmeta/pkg/grpcutils"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

func (s *Server) ShardCollection(ctx context.Context, req *ShardCollectionRequest) (*CollectionResponse, error) {
	pattern, err := model.ParseShardKeyPattern(req.KeyPattern)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	coll, err := s.coordinator.ShardCollection(ctx, model.CreateCollection{
		Namespace:        req.Namespace,
		KeyPattern:       pattern,
		Unique:           req.Unique,
		NumInitialChunks: req.NumInitialChunks,
		PresplitPoints:   req.PresplitPoints,
	})
	if err != nil {
		log.Error("error sharding collection", zap.String("namespace", req.Namespace), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &CollectionResponse{Collection: coll}, nil
}

func (s *Server) DropCollection(ctx context.Context, req *NamespaceRequest) (*Empty, error) {
	if err := s.coordinator.DropCollection(ctx, req.Namespace); err != nil {
		log.Error("error dropping collection", zap.String("namespace", req.Namespace), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &Empty{}, nil
}

func (s *Server) RefineShardKey(ctx context.Context, req *RefineShardKeyRequest) (*CollectionResponse, error) {
	pattern, err := model.ParseShardKeyPattern(req.KeyPattern)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	coll, err := s.coordinator.RefineShardKey(ctx, req.Namespace, pattern, req.ExpectedVersion)
	if err != nil {
		log.Error("error refining shard key", zap.String("namespace", req.Namespace), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &CollectionResponse{Collection: coll}, nil
}

func (s *Server) GetCollection(ctx context.Context, req *NamespaceRequest) (*CollectionResponse, error) {
	coll, err := s.coordinator.GetCollection(ctx, req.Namespace)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &CollectionResponse{Collection: coll}, nil
}

func (s *Server) ListCollections(ctx context.Context, _ *Empty) (*CollectionsResponse, error) {
	collections, err := s.coordinator.ListCollections(ctx)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &CollectionsResponse{Collections: collections}, nil
}

func (s *Server) ListChunks(ctx context.Context, req *ListChunksRequest) (*ChunksResponse, error) {
	var opts []metastore.ListChunksOption
	if req.Shard != "" {
		opts = append(opts, metastore.OnShard(req.Shard))
	}
	if req.BatchSize > 0 {
		opts = append(opts, metastore.WithBatchSize(req.BatchSize))
	}
	if req.StartAfter != nil {
		opts = append(opts, metastore.StartAfter(req.StartAfter))
	}
	chunks, err := s.coordinator.ListChunks(ctx, req.Namespace, opts...)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &ChunksResponse{Chunks: chunks}, nil
}

func (s *Server) GetChunksSince(ctx context.Context, req *GetChunksSinceRequest) (*ChunksResponse, error) {
	coll, chunks, err := s.coordinator.GetChunksSince(ctx, req.Namespace, req.Since)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &ChunksResponse{Collection: coll, Chunks: chunks}, nil
}

func (s *Server) CountChunks(ctx context.Context, req *NamespaceRequest) (*CountResponse, error) {
	count, err := s.coordinator.CountChunks(ctx, req.Namespace)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &CountResponse{Count: count}, nil
}

func (s *Server) SplitChunk(ctx context.Context, req *SplitChunkRequest) (*VersionResponse, error) {
	version, err := s.coordinator.SplitChunk(ctx, sharding.SplitRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Range:           req.Range,
		SplitPoints:     req.SplitPoints,
	})
	if err != nil {
		log.Info("split rejected", zap.String("namespace", req.Namespace), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &VersionResponse{Version: version}, nil
}

func (s *Server) MergeChunks(ctx context.Context, req *MergeChunksRequest) (*VersionResponse, error) {
	version, err := s.coordinator.MergeChunks(ctx, sharding.MergeRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Ranges:          req.Ranges,
	})
	if err != nil {
		log.Info("merge rejected", zap.String("namespace", req.Namespace), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &VersionResponse{Version: version}, nil
}

func (s *Server) MoveChunk(ctx context.Context, req *MoveChunkRequest) (*VersionResponse, error) {
	version, err := s.coordinator.MoveChunk(ctx, migration.MoveRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Range:           req.Range,
		To:              req.To,
	})
	if err != nil {
		log.Info("move rejected", zap.String("namespace", req.Namespace), zap.String("to", req.To), zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &VersionResponse{Version: version}, nil
}

func (s *Server) GetMigration(ctx context.Context, req *GetMigrationRequest) (*MigrationResponse, error) {
	record, err := s.coordinator.GetMigration(ctx, req.ID)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &MigrationResponse{Migration: record}, nil
}

func (s *Server) ListMigrations(ctx context.Context, req *ListMigrationsRequest) (*MigrationsResponse, error) {
	records, err := s.coordinator.ListMigrations(ctx, req.IncludeTerminal)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &MigrationsResponse{Migrations: records}, nil
}

func (s *Server) ListShards(ctx context.Context, _ *Empty) (*ShardsResponse, error) {
	shards, err := s.coordinator.ListShards(ctx)
	if err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &ShardsResponse{Shards: shards}, nil
}

func (s *Server) AddShard(ctx context.Context, req *AddShardRequest) (*Empty, error) {
	if req.Shard == nil {
		grpcError, err := grpcutils.BuildInvalidArgumentGrpcError("shard", "shard is required")
		if err != nil {
			return nil, err
		}
		return nil, grpcError
	}
	if err := s.coordinator.AddShard(ctx, req.Shard); err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &Empty{}, nil
}

func (s *Server) RemoveShard(ctx context.Context, req *RemoveShardRequest) (*Empty, error) {
	if err := s.coordinator.RemoveShard(ctx, req.ID); err != nil {
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &Empty{}, nil
}

func (s *Server) ResetState(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.coordinator.ResetState(ctx); err != nil {
		log.Error("error resetting state", zap.Error(err))
		return nil, grpcutils.BuildGrpcError(err)
	}
	return &Empty{}, nil
}

package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "chunkmeta.ChunkCatalog"

// ChunkCatalogServer is the server API of the ChunkCatalog service.
type ChunkCatalogServer interface {
	ShardCollection(context.Context, *ShardCollectionRequest) (*CollectionResponse, error)
	DropCollection(context.Context, *NamespaceRequest) (*Empty, error)
	RefineShardKey(context.Context, *RefineShardKeyRequest) (*CollectionResponse, error)
	GetCollection(context.Context, *NamespaceRequest) (*CollectionResponse, error)
	ListCollections(context.Context, *Empty) (*CollectionsResponse, error)
	ListChunks(context.Context, *ListChunksRequest) (*ChunksResponse, error)
	GetChunksSince(context.Context, *GetChunksSinceRequest) (*ChunksResponse, error)
	CountChunks(context.Context, *NamespaceRequest) (*CountResponse, error)
	SplitChunk(context.Context, *SplitChunkRequest) (*VersionResponse, error)
	MergeChunks(context.Context, *MergeChunksRequest) (*VersionResponse, error)
	MoveChunk(context.Context, *MoveChunkRequest) (*VersionResponse, error)
	GetMigration(context.Context, *GetMigrationRequest) (*MigrationResponse, error)
	ListMigrations(context.Context, *ListMigrationsRequest) (*MigrationsResponse, error)
	ListShards(context.Context, *Empty) (*ShardsResponse, error)
	AddShard(context.Context, *AddShardRequest) (*Empty, error)
	RemoveShard(context.Context, *RemoveShardRequest) (*Empty, error)
	ResetState(context.Context, *Empty) (*Empty, error)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryMethod builds the descriptor of one unary method.
func unaryMethod[Req any, Resp any](method string, call func(ChunkCatalogServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChunkCatalogServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ChunkCatalogServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ChunkCatalogServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChunkCatalogServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ShardCollection", ChunkCatalogServer.ShardCollection),
		unaryMethod("DropCollection", ChunkCatalogServer.DropCollection),
		unaryMethod("RefineShardKey", ChunkCatalogServer.RefineShardKey),
		unaryMethod("GetCollection", ChunkCatalogServer.GetCollection),
		unaryMethod("ListCollections", ChunkCatalogServer.ListCollections),
		unaryMethod("ListChunks", ChunkCatalogServer.ListChunks),
		unaryMethod("GetChunksSince", ChunkCatalogServer.GetChunksSince),
		unaryMethod("CountChunks", ChunkCatalogServer.CountChunks),
		unaryMethod("SplitChunk", ChunkCatalogServer.SplitChunk),
		unaryMethod("MergeChunks", ChunkCatalogServer.MergeChunks),
		unaryMethod("MoveChunk", ChunkCatalogServer.MoveChunk),
		unaryMethod("GetMigration", ChunkCatalogServer.GetMigration),
		unaryMethod("ListMigrations", ChunkCatalogServer.ListMigrations),
		unaryMethod("ListShards", ChunkCatalogServer.ListShards),
		unaryMethod("AddShard", ChunkCatalogServer.AddShard),
		unaryMethod("RemoveShard", ChunkCatalogServer.RemoveShard),
		unaryMethod("ResetState", ChunkCatalogServer.ResetState),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chunkmeta/catalog",
}

func RegisterChunkCatalogServer(s grpc.ServiceRegistrar, srv ChunkCatalogServer) {
	s.RegisterService(&ChunkCatalogServiceDesc, srv)
}

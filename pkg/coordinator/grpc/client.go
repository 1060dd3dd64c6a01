package grpc

import (
	"context"

	"github.com/chunkmeta/chunkmeta/pkg/catalogcache"
	"github.com/chunkmeta/chunkmeta/pkg/grpcutils"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/otel"
	"github.com/chunkmeta/chunkmeta/pkg/router"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a remote ChunkCatalog service. Errors it returns wrap the
// same sentinels the server side reported.
type Client struct {
	conn *grpc.ClientConn
}

var (
	_ catalogcache.Source = &Client{}
	_ router.Admin        = &Client{}
)

// Dial connects to the catalog service at address. Plaintext is used unless
// opts say otherwise.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(otel.ClientGrpcInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req any, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp, grpcutils.JSONCallOption())
	return grpcutils.FromGrpcError(err)
}

func (c *Client) ShardCollection(ctx context.Context, req model.CreateCollection) (*model.CollectionMetadata, error) {
	resp := &CollectionResponse{}
	err := c.invoke(ctx, "ShardCollection", &ShardCollectionRequest{
		Namespace:        req.Namespace,
		KeyPattern:       req.KeyPattern.String(),
		Unique:           req.Unique,
		NumInitialChunks: req.NumInitialChunks,
		PresplitPoints:   req.PresplitPoints,
	}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Collection, nil
}

func (c *Client) DropCollection(ctx context.Context, namespace string) error {
	return c.invoke(ctx, "DropCollection", &NamespaceRequest{Namespace: namespace}, &Empty{})
}

func (c *Client) RefineShardKey(ctx context.Context, namespace string, pattern model.ShardKeyPattern, expected model.CollectionVersion) (*model.CollectionMetadata, error) {
	resp := &CollectionResponse{}
	err := c.invoke(ctx, "RefineShardKey", &RefineShardKeyRequest{
		Namespace:       namespace,
		KeyPattern:      pattern.String(),
		ExpectedVersion: expected,
	}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Collection, nil
}

func (c *Client) GetCollection(ctx context.Context, namespace string) (*model.CollectionMetadata, error) {
	resp := &CollectionResponse{}
	if err := c.invoke(ctx, "GetCollection", &NamespaceRequest{Namespace: namespace}, resp); err != nil {
		return nil, err
	}
	return resp.Collection, nil
}

func (c *Client) ListCollections(ctx context.Context) ([]*model.CollectionMetadata, error) {
	resp := &CollectionsResponse{}
	if err := c.invoke(ctx, "ListCollections", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

func (c *Client) ListChunks(ctx context.Context, req *ListChunksRequest) ([]*model.Chunk, error) {
	resp := &ChunksResponse{}
	if err := c.invoke(ctx, "ListChunks", req, resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

func (c *Client) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	resp := &ChunksResponse{}
	if err := c.invoke(ctx, "GetChunksSince", &GetChunksSinceRequest{Namespace: namespace, Since: since}, resp); err != nil {
		return nil, nil, err
	}
	return resp.Collection, resp.Chunks, nil
}

func (c *Client) CountChunks(ctx context.Context, namespace string) (int64, error) {
	resp := &CountResponse{}
	if err := c.invoke(ctx, "CountChunks", &NamespaceRequest{Namespace: namespace}, resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) SplitChunk(ctx context.Context, req sharding.SplitRequest) (model.CollectionVersion, error) {
	resp := &VersionResponse{}
	err := c.invoke(ctx, "SplitChunk", &SplitChunkRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Range:           req.Range,
		SplitPoints:     req.SplitPoints,
	}, resp)
	return resp.Version, err
}

func (c *Client) MergeChunks(ctx context.Context, req sharding.MergeRequest) (model.CollectionVersion, error) {
	resp := &VersionResponse{}
	err := c.invoke(ctx, "MergeChunks", &MergeChunksRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Ranges:          req.Ranges,
	}, resp)
	return resp.Version, err
}

func (c *Client) MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error) {
	resp := &VersionResponse{}
	err := c.invoke(ctx, "MoveChunk", &MoveChunkRequest{
		OperationID:     req.OperationID,
		Namespace:       req.Namespace,
		ExpectedVersion: req.ExpectedVersion,
		Range:           req.Range,
		To:              req.To,
	}, resp)
	return resp.Version, err
}

func (c *Client) GetMigration(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	resp := &MigrationResponse{}
	if err := c.invoke(ctx, "GetMigration", &GetMigrationRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp.Migration, nil
}

func (c *Client) ListMigrations(ctx context.Context, includeTerminal bool) ([]*model.MigrationRecord, error) {
	resp := &MigrationsResponse{}
	if err := c.invoke(ctx, "ListMigrations", &ListMigrationsRequest{IncludeTerminal: includeTerminal}, resp); err != nil {
		return nil, err
	}
	return resp.Migrations, nil
}

func (c *Client) ListShards(ctx context.Context) ([]*model.Shard, error) {
	resp := &ShardsResponse{}
	if err := c.invoke(ctx, "ListShards", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Shards, nil
}

func (c *Client) AddShard(ctx context.Context, shard *model.Shard) error {
	return c.invoke(ctx, "AddShard", &AddShardRequest{Shard: shard}, &Empty{})
}

func (c *Client) RemoveShard(ctx context.Context, id string) error {
	return c.invoke(ctx, "RemoveShard", &RemoveShardRequest{ID: id}, &Empty{})
}

func (c *Client) ResetState(ctx context.Context) error {
	return c.invoke(ctx, "ResetState", &Empty{}, &Empty{})
}

package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/grpcutils"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbcore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/router"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"gorm.io/gorm"
)

const testNamespace = "db.coll"

type CatalogServiceTestSuite struct {
	suite.Suite
	db       *gorm.DB
	server   *Server
	conn     *grpc.ClientConn
	client   *Client
	listener *bufconn.Listener
}

func (suite *CatalogServiceTestSuite) startServer(config Config) {
	suite.listener = bufconn.Listen(1024 * 1024)
	server, err := NewWithGrpcProvider(config, grpcutils.ListenerProvider{Listener: suite.listener}, suite.db)
	suite.Require().NoError(err)
	suite.server = server

	listener := suite.listener
	suite.conn, err = grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	suite.Require().NoError(err)
	suite.client = NewClient(suite.conn)
}

func (suite *CatalogServiceTestSuite) TearDownTest() {
	if suite.conn != nil {
		suite.conn.Close()
	}
	if suite.server != nil {
		suite.NoError(suite.server.Close())
	}
}

func testConfig() Config {
	config := DefaultConfig()
	config.GrpcConfig = &grpcutils.GrpcConfig{}
	config.Testing = true
	return config
}

func (suite *CatalogServiceTestSuite) shardCollection() *model.CollectionMetadata {
	pattern, err := model.ParseShardKeyPattern("x:1")
	suite.Require().NoError(err)
	coll, err := suite.client.ShardCollection(context.Background(), model.CreateCollection{Namespace: testNamespace, KeyPattern: pattern})
	suite.Require().NoError(err)
	return coll
}

// primary returns the shard the collection was created on and the other test
// shard.
func (suite *CatalogServiceTestSuite) primary() (string, string) {
	chunks, err := suite.client.ListChunks(context.Background(), &ListChunksRequest{Namespace: testNamespace})
	suite.Require().NoError(err)
	suite.Require().NotEmpty(chunks)
	if chunks[0].Shard == "shard0" {
		return "shard0", "shard1"
	}
	return chunks[0].Shard, "shard0"
}

func (suite *CatalogServiceTestSuite) TestHealth() {
	suite.startServer(testConfig())
	resp, err := healthgrpc.NewHealthClient(suite.conn).Check(context.Background(), &healthgrpc.HealthCheckRequest{Service: grpcutils.ReadinessProbeService})
	suite.Require().NoError(err)
	suite.Equal(healthgrpc.HealthCheckResponse_SERVING, resp.Status)
}

func (suite *CatalogServiceTestSuite) TestCollectionLifecycle() {
	suite.startServer(testConfig())
	ctx := context.Background()
	coll := suite.shardCollection()
	suite.Equal(testNamespace, coll.Namespace)
	suite.True(coll.Version.IsSet())

	got, err := suite.client.GetCollection(ctx, testNamespace)
	suite.Require().NoError(err)
	suite.Equal(coll.UUID, got.UUID)
	suite.True(coll.Version.Equal(got.Version))

	collections, err := suite.client.ListCollections(ctx)
	suite.Require().NoError(err)
	suite.Len(collections, 1)

	chunks, err := suite.client.ListChunks(ctx, &ListChunksRequest{Namespace: testNamespace})
	suite.Require().NoError(err)
	suite.Require().Len(chunks, 1)
	suite.True(chunks[0].Range.Min.IsGlobalMin())
	suite.True(chunks[0].Range.Max.IsGlobalMax())

	count, err := suite.client.CountChunks(ctx, testNamespace)
	suite.Require().NoError(err)
	suite.EqualValues(1, count)

	suite.Require().NoError(suite.client.DropCollection(ctx, testNamespace))
	_, err = suite.client.GetCollection(ctx, testNamespace)
	suite.ErrorIs(err, common.ErrCollectionNotFound)
}

func (suite *CatalogServiceTestSuite) TestErrorsKeepTheirSentinels() {
	suite.startServer(testConfig())
	ctx := context.Background()

	_, err := suite.client.GetCollection(ctx, "db.missing")
	suite.ErrorIs(err, common.ErrCollectionNotFound)

	_, err = suite.client.ShardCollection(ctx, model.CreateCollection{Namespace: "nodot", KeyPattern: model.ShardKeyPattern{Fields: []model.KeyField{{Name: "x"}}}})
	suite.ErrorIs(err, common.ErrNamespaceInvalid)
	suite.Equal(common.CodeInvalidArgument, common.CodeOf(err))

	coll := suite.shardCollection()
	primary, _ := suite.primary()
	_, err = suite.client.MoveChunk(ctx, migration.MoveRequest{
		Namespace:       testNamespace,
		ExpectedVersion: coll.Version,
		Range:           model.FullRange(1),
		To:              primary,
	})
	suite.ErrorIs(err, common.ErrMoveToSameShard)

	_, err = suite.client.GetMigration(ctx, types.NewUniqueID())
	suite.ErrorIs(err, common.ErrMigrationNotFound)

	suite.ErrorIs(suite.client.AddShard(ctx, nil), common.ErrInvalidArgument)
	suite.ErrorIs(suite.client.RemoveShard(ctx, "missing"), common.ErrShardNotFound)
}

func (suite *CatalogServiceTestSuite) TestRouterCommandsOverGrpc() {
	suite.startServer(testConfig())
	ctx := context.Background()
	suite.shardCollection()
	_, other := suite.primary()

	r := router.NewRouter(suite.client, nil, suite.client, router.DefaultConfig())
	result := r.RunCommand(ctx, router.SplitCommand{Namespace: testNamespace, Find: model.IntKey(0), Middle: model.IntKey(0)})
	suite.Require().NoError(result.Err)
	suite.Equal(common.Succeeded, result.Outcome)

	result = r.RunCommand(ctx, router.MoveCommand{Namespace: testNamespace, Find: model.IntKey(10), To: other})
	suite.Require().NoError(result.Err)

	moved, err := suite.client.ListChunks(ctx, &ListChunksRequest{Namespace: testNamespace, Shard: other})
	suite.Require().NoError(err)
	suite.Require().Len(moved, 1)
	suite.True(moved[0].Range.Min.Equal(model.IntKey(0)))

	records, err := suite.client.ListMigrations(ctx, true)
	suite.Require().NoError(err)
	suite.Require().Len(records, 1)
	suite.Equal(model.MigrationCommitted, records[0].State)

	info, err := r.Cache().GetRoutingInfo(ctx, testNamespace)
	suite.Require().NoError(err)
	coll, err := suite.client.GetCollection(ctx, testNamespace)
	suite.Require().NoError(err)
	suite.True(coll.Version.Equal(info.Version()))
}

func (suite *CatalogServiceTestSuite) TestShardRegistry() {
	suite.startServer(testConfig())
	ctx := context.Background()
	suite.Require().NoError(suite.client.AddShard(ctx, &model.Shard{ID: "remote", Address: "10.0.0.1:50052"}))
	shards, err := suite.client.ListShards(ctx)
	suite.Require().NoError(err)
	suite.Len(shards, 3)
	suite.Require().NoError(suite.client.RemoveShard(ctx, "remote"))
	shards, err = suite.client.ListShards(ctx)
	suite.Require().NoError(err)
	suite.Len(shards, 2)
}

func TestCatalogServiceTestSuite(t *testing.T) {
	suite.Run(t, new(CatalogServiceTestSuite))
}

func TestCatalogService_DatabaseCatalog(t *testing.T) {
	db := dbcore.ConfigDatabaseForTesting()
	s := &CatalogServiceTestSuite{db: db}
	s.SetT(t)
	config := testConfig()
	config.SystemCatalogProvider = "database"
	config.NotificationStoreProvider = "database"
	s.startServer(config)
	defer s.TearDownTest()

	ctx := context.Background()
	coll := s.shardCollection()
	version, err := s.client.SplitChunk(ctx, splitRequest(coll, model.IntKey(100)))
	require.NoError(t, err)
	assert.True(t, coll.Version.IsOlderThan(version))
	count, err := s.client.CountChunks(ctx, testNamespace)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func splitRequest(coll *model.CollectionMetadata, at model.Key) sharding.SplitRequest {
	return sharding.SplitRequest{
		Namespace:       coll.Namespace,
		ExpectedVersion: coll.Version,
		Range:           model.FullRange(1),
		SplitPoints:     []model.Key{at},
	}
}

package router_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/cluster"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/router"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNamespace = "db.coll"

// newSplitCluster shards testNamespace on x with chunks [MinKey, 0) and
// [0, MaxKey), both on the namespace's primary shard.
func newSplitCluster(t *testing.T) *cluster.Local {
	ctx := context.Background()
	catalog := coordinator.NewMemoryCatalog(metastore.NewNamespaceLocks(time.Second), notification.NewMemoryNotificationStore())
	local, err := cluster.NewLocal(ctx, catalog, cluster.DefaultConfig(2))
	require.NoError(t, err)
	pattern, err := model.ParseShardKeyPattern("x:1")
	require.NoError(t, err)
	coll, err := local.Engine.ShardCollection(ctx, model.CreateCollection{Namespace: testNamespace, KeyPattern: pattern})
	require.NoError(t, err)
	_, err = local.Engine.SplitChunk(ctx, sharding.SplitRequest{
		Namespace:       testNamespace,
		ExpectedVersion: coll.Version,
		Range:           model.FullRange(1),
		SplitPoints:     []model.Key{model.IntKey(0)},
	})
	require.NoError(t, err)
	return local
}

// shardsOf returns the primary shard of testNamespace and the other shard.
func shardsOf(t *testing.T, local *cluster.Local) (string, string) {
	chunks, err := metastore.CollectChunks(local.Catalog.ListChunks(context.Background(), testNamespace))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	primary := chunks[0].Shard
	for _, s := range local.Servers {
		if s.ID() != primary {
			return primary, s.ID()
		}
	}
	require.FailNow(t, "cluster has a single shard")
	return "", ""
}

func newRouter(local *cluster.Local) *router.Router {
	return router.NewRouter(local.Catalog, local.Directory, local.Engine, router.DefaultConfig())
}

func doc(id string, x int64) model.Document {
	return model.Document{shardserver.IDField: id, "x": x}
}

func ownedBy(t *testing.T, local *cluster.Local, shard string, x int64) []model.Document {
	docs, err := local.Server(shard).Find(context.Background(), shardserver.FindRequest{Namespace: testNamespace, Key: model.IntKey(x)})
	require.NoError(t, err)
	return docs
}

func TestRouter_StaleRouterRetargetsAfterMove(t *testing.T) {
	ctx := context.Background()
	local := newSplitCluster(t)
	primary, other := shardsOf(t, local)
	admin := newRouter(local)
	stale := newRouter(local)

	// load routing info before the move
	docs, err := stale.Find(ctx, testNamespace, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)

	res := admin.RunCommand(ctx, router.MoveCommand{Namespace: testNamespace, Find: model.IntKey(5), To: other})
	require.NoError(t, res.Err)
	assert.Equal(t, common.Succeeded, res.Outcome)

	require.NoError(t, stale.Upsert(ctx, testNamespace, doc("a", 5)))
	assert.Equal(t, int64(1), stale.Stats().StaleRetries)
	assert.Len(t, ownedBy(t, local, other, 5), 1)
	assert.Empty(t, ownedBy(t, local, primary, 5))

	// the router now routes with fresh info
	require.NoError(t, stale.Upsert(ctx, testNamespace, doc("b", 6)))
	assert.Equal(t, int64(1), stale.Stats().StaleRetries)

	found, err := stale.Find(ctx, testNamespace, model.IntKey(5))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a", found[0][shardserver.IDField])
}

func TestRouter_AlternatingMovesWithTwoRouters(t *testing.T) {
	ctx := context.Background()
	local := newSplitCluster(t)
	first := newRouter(local)
	second := newRouter(local)

	primary, other := shardsOf(t, local)
	owner := primary
	next := 0
	insert := func(r *router.Router) {
		x := int64(next)
		next++
		require.NoError(t, r.Upsert(ctx, testNamespace, doc(fmt.Sprintf("doc%d", x), x)))
		assert.Len(t, ownedBy(t, local, owner, x), 1, "doc%d should be on %s", x, owner)
	}

	insert(first)
	insert(second)
	for i := 0; i < 4; i++ {
		to := other
		if owner == other {
			to = primary
		}
		movedBy := first
		if i%2 == 1 {
			movedBy = second
		}
		res := movedBy.RunCommand(ctx, router.MoveCommand{Namespace: testNamespace, Find: model.IntKey(0), To: to})
		require.NoError(t, res.Err, "move %d", i)
		owner = to

		insert(first)
		insert(second)
	}

	fresh := newRouter(local)
	all, err := fresh.Find(ctx, testNamespace, nil)
	require.NoError(t, err)
	assert.Len(t, all, next)
	seen := make(map[any]bool)
	for _, d := range all {
		assert.False(t, seen[d[shardserver.IDField]], "duplicate %v", d[shardserver.IDField])
		seen[d[shardserver.IDField]] = true
	}
	assert.Equal(t, primary, owner)
	assert.Positive(t, first.Stats().StaleRetries+second.Stats().StaleRetries)
}

func TestRouter_RunCommand(t *testing.T) {
	ctx := context.Background()
	local := newSplitCluster(t)
	primary, _ := shardsOf(t, local)
	r := newRouter(local)

	res := r.RunCommand(ctx, router.SplitCommand{Namespace: testNamespace, Find: model.IntKey(5), Middle: model.IntKey(10)})
	require.NoError(t, res.Err)
	assert.Equal(t, common.CodeOK, res.Code)
	count, err := local.Engine.CountChunks(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	res = r.RunCommand(ctx, router.MergeCommand{Namespace: testNamespace, Min: model.IntKey(0), Max: model.IntKey(5)})
	assert.ErrorIs(t, res.Err, common.ErrChunkNotFound)
	assert.Equal(t, common.NotApplied, res.Outcome)

	res = r.RunCommand(ctx, router.MergeCommand{Namespace: testNamespace, Min: model.IntKey(0), Max: model.GlobalMax(1)})
	require.NoError(t, res.Err)
	count, err = local.Engine.CountChunks(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	res = r.RunCommand(ctx, router.MoveCommand{Namespace: testNamespace, Find: model.IntKey(5), To: primary})
	assert.ErrorIs(t, res.Err, common.ErrMoveToSameShard)
	assert.Equal(t, common.CodeInvalidArgument, res.Code)
	assert.Equal(t, common.NotApplied, res.Outcome)

	res = r.RunCommand(ctx, router.SplitCommand{Namespace: "nodot", Find: model.IntKey(5)})
	assert.ErrorIs(t, res.Err, common.ErrNamespaceInvalid)
	assert.Equal(t, common.NotApplied, res.Outcome)

	res = r.RunCommand(ctx, router.RefreshCommand{Namespace: testNamespace})
	require.NoError(t, res.Err)
	info, ok := r.Cache().Peek(testNamespace)
	require.True(t, ok)
	assert.Equal(t, info.Version(), res.Version)
}

type staleAdmin struct{ calls int }

func (a *staleAdmin) SplitChunk(ctx context.Context, req sharding.SplitRequest) (model.CollectionVersion, error) {
	a.calls++
	return model.CollectionVersion{}, fmt.Errorf("%w: always", common.ErrStaleVersion)
}

func (a *staleAdmin) MergeChunks(ctx context.Context, req sharding.MergeRequest) (model.CollectionVersion, error) {
	return model.CollectionVersion{}, nil
}

func (a *staleAdmin) MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error) {
	return model.CollectionVersion{}, nil
}

func TestRouter_StaleRetriesAreBounded(t *testing.T) {
	local := newSplitCluster(t)
	admin := &staleAdmin{}
	r := router.NewRouter(local.Catalog, local.Directory, admin, router.Config{MaxAttempts: 3, RetryDeadline: time.Second})

	res := r.RunCommand(context.Background(), router.SplitCommand{Namespace: testNamespace, Find: model.IntKey(5)})
	assert.ErrorIs(t, res.Err, common.ErrStaleVersion)
	assert.Equal(t, common.CodeStaleVersion, res.Code)
	assert.Equal(t, 3, admin.calls)
	assert.Equal(t, int64(2), r.Stats().StaleRetries)
}

func TestRouter_UnshardedNamespace(t *testing.T) {
	local := newSplitCluster(t)
	r := newRouter(local)
	err := r.Upsert(context.Background(), "db.other", doc("a", 1))
	assert.ErrorIs(t, err, common.ErrCollectionNotFound)
}

func TestRouter_MissingShardKey(t *testing.T) {
	local := newSplitCluster(t)
	r := newRouter(local)
	err := r.Upsert(context.Background(), testNamespace, model.Document{shardserver.IDField: "a"})
	assert.ErrorIs(t, err, common.ErrMissingShardKeyField)
	assert.Zero(t, r.Stats().StaleRetries)
}

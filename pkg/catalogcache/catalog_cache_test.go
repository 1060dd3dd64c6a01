package catalogcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/chunkops"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// The pulsar client pulls in a keyring whose dbus connection reads for the
// life of the process.
var ignoredGoroutines = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus/v5.(*Conn).inWorker"),
	goleak.IgnoreAnyFunction("github.com/godbus/dbus.(*Conn).outWorker"),
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, ignoredGoroutines...)
}

const testNamespace = "db.coll"

func newTestCatalog(t *testing.T) *coordinator.MemoryCatalog {
	t.Helper()
	return coordinator.NewMemoryCatalog(metastore.NewNamespaceLocks(time.Second), notification.NewMemoryNotificationStore())
}

func shardCollection(t *testing.T, catalog metastore.Catalog, ns string, points ...int64) *model.CollectionMetadata {
	t.Helper()
	pattern, err := model.ParseShardKeyPattern("x:1")
	require.NoError(t, err)
	coll := &model.CollectionMetadata{
		Namespace:        ns,
		UUID:             types.NewUniqueID(),
		KeyPattern:       pattern,
		Version:          model.NewChunkVersion(types.NewUniqueID(), 0, 0),
		DistributionMode: common.DistributionModeSharded,
	}
	presplit := make([]model.Key, 0, len(points))
	for _, p := range points {
		presplit = append(presplit, model.IntKey(p))
	}
	chunks, _, err := chunkops.PlanInitialChunks(chunkops.InitialChunksRequest{
		Collection:     coll,
		Shards:         []string{"shard0", "shard1"},
		Primary:        "shard0",
		PresplitPoints: presplit,
		Now:            10,
	}, types.NewUniqueID)
	require.NoError(t, err)
	created, err := catalog.CreateCollection(context.Background(), coll, chunks)
	require.NoError(t, err)
	return created
}

func TestCatalogCache_IncrementalRefreshAfterSplit(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	coll := shardCollection(t, catalog, testNamespace, 0)
	cache := NewCatalogCache(catalog)

	info, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 2, info.NumChunks())
	assert.True(t, coll.Version.Equal(info.Version()))

	again, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Same(t, info, again)

	version, err := catalog.ApplyChunkOperation(ctx, testNamespace, model.SplitOperation{
		OperationID:     "split-1",
		ExpectedVersion: coll.Version,
		Range:           model.MustRange(model.IntKey(0), model.GlobalMax(1)),
		SplitPoints:     []model.Key{model.IntKey(50)},
	})
	require.NoError(t, err)

	// not marked stale yet
	cached, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 2, cached.NumChunks())

	cache.MarkStaleFor(testNamespace, version)
	refreshed, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 3, refreshed.NumChunks())
	assert.True(t, version.Equal(refreshed.Version()))

	expected, err := metastore.CollectChunks(catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)
	if diff := cmp.Diff(expected, refreshed.Chunks()); diff != "" {
		t.Errorf("routing info differs from catalog (-want +got):\n%s", diff)
	}

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.FullRefreshes)
	assert.Equal(t, int64(1), stats.IncrementalRefreshes)
	assert.Equal(t, int64(2), stats.Hits)
}

func TestCatalogCache_MoveUpdatesShardVersions(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	coll := shardCollection(t, catalog, testNamespace, 0, 100)
	cache := NewCatalogCache(catalog)

	info, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	moved, err := info.FindChunk(model.IntKey(10))
	require.NoError(t, err)
	require.Equal(t, "shard1", moved.Shard)

	version, err := catalog.ApplyChunkOperation(ctx, testNamespace, model.MoveOperation{
		OperationID:          "move-1",
		ExpectedChunkVersion: moved.Version,
		Range:                moved.Range,
		From:                 "shard1",
		To:                   "shard0",
		ValidAfter:           20,
	})
	require.NoError(t, err)
	cache.MarkStaleFor(testNamespace, version)

	info, err = cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	after, err := info.FindChunk(model.IntKey(10))
	require.NoError(t, err)
	assert.Equal(t, "shard0", after.Shard)
	assert.Equal(t, coll.Version.Major+1, info.ShardVersion("shard0").Major)
	assert.Equal(t, []string{"shard0"}, info.Shards())
	assert.True(t, info.ShardVersion("shard1").Equal(info.Epoch()))
}

func TestCatalogCache_EpochChange(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	old := shardCollection(t, catalog, testNamespace, 0)
	cache := NewCatalogCache(catalog)

	_, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)

	require.NoError(t, catalog.DropCollection(ctx, testNamespace))
	recreated := shardCollection(t, catalog, testNamespace)
	cache.Invalidate(testNamespace)

	info, err := cache.GetRoutingInfoForEpoch(ctx, testNamespace, recreated.Version)
	require.NoError(t, err)
	assert.Equal(t, 1, info.NumChunks())
	assert.Equal(t, int64(2), cache.Stats().FullRefreshes)

	_, err = cache.GetRoutingInfoForEpoch(ctx, testNamespace, old.Version)
	assert.ErrorIs(t, err, common.ErrStaleEpoch)
}

func TestCatalogCache_DroppedCollection(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	shardCollection(t, catalog, testNamespace)
	cache := NewCatalogCache(catalog)

	_, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	require.NoError(t, catalog.DropCollection(ctx, testNamespace))
	cache.Invalidate(testNamespace)

	_, err = cache.GetRoutingInfo(ctx, testNamespace)
	assert.ErrorIs(t, err, common.ErrCollectionNotFound)
	_, ok := cache.Peek(testNamespace)
	assert.False(t, ok)
}

type scriptedSource struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	respond func(since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error)
}

func (s *scriptedSource) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	s.calls.Add(1)
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	return s.respond(since)
}

func TestCatalogCache_ErrorsAreReturnedVerbatim(t *testing.T) {
	sourceErr := errors.New("catalog unavailable")
	cache := NewCatalogCache(&scriptedSource{
		respond: func(model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
			return nil, nil, sourceErr
		},
	})
	_, err := cache.GetRoutingInfo(context.Background(), testNamespace)
	assert.Same(t, sourceErr, err)
	assert.Equal(t, int64(1), cache.Stats().RefreshErrors)
}

func TestCatalogCache_ConcurrentRefreshesCoalesce(t *testing.T) {
	catalog := newTestCatalog(t)
	shardCollection(t, catalog, testNamespace, 0)
	source := &scriptedSource{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
		respond: func(since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
			return catalog.GetChunksSince(context.Background(), testNamespace, since)
		},
	}
	cache := NewCatalogCache(source)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*RoutingInfo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Refresh(context.Background(), testNamespace)
		}(i)
	}
	<-source.entered
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestCatalogCache_CallerDeadlineDoesNotFailSharedRefresh(t *testing.T) {
	catalog := newTestCatalog(t)
	shardCollection(t, catalog, testNamespace)
	source := &scriptedSource{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
		respond: func(since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
			return catalog.GetChunksSince(context.Background(), testNamespace, since)
		},
	}
	cache := NewCatalogCache(source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Refresh(ctx, testNamespace)
		done <- err
	}()
	<-source.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(source.release)
	info, err := cache.GetRoutingInfo(context.Background(), testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, info.NumChunks())
}

// hungSource never answers until the load is cancelled, then serves from
// the catalog once healthy is set.
type hungSource struct {
	catalog *coordinator.MemoryCatalog
	healthy atomic.Bool
}

func (s *hungSource) GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
	if s.healthy.Load() {
		return s.catalog.GetChunksSince(ctx, namespace, since)
	}
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestCatalogCache_HungRefreshTimesOut(t *testing.T) {
	catalog := newTestCatalog(t)
	shardCollection(t, catalog, testNamespace)
	source := &hungSource{catalog: catalog}
	cache := NewCatalogCache(source, WithRefreshTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := cache.Refresh(context.Background(), testNamespace)
	require.ErrorIs(t, err, common.ErrExceededTimeLimit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), cache.Stats().RefreshErrors)

	// the failed load does not block the next one
	source.healthy.Store(true)
	info, err := cache.GetRoutingInfo(context.Background(), testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 1, info.NumChunks())
}

func TestCatalogCache_FallsBackToFullRefresh(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	coll := shardCollection(t, catalog, testNamespace, 0)
	full := 0
	source := &scriptedSource{
		respond: func(since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error) {
			current, chunks, err := catalog.GetChunksSince(ctx, testNamespace, model.ChunkVersion{})
			if err != nil || !since.IsSet() {
				full++
				return current, chunks, err
			}
			// a broken incremental answer: claims a newer version without the chunks
			current.Version = current.Version.IncMinor()
			return current, nil, nil
		},
	}
	cache := NewCatalogCache(source)
	_, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)

	_, err = catalog.ApplyChunkOperation(ctx, testNamespace, model.SplitOperation{
		ExpectedVersion: coll.Version,
		Range:           model.MustRange(model.GlobalMin(1), model.IntKey(0)),
		SplitPoints:     []model.Key{model.IntKey(-5)},
	})
	require.NoError(t, err)
	cache.Invalidate(testNamespace)
	info, err := cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 3, info.NumChunks())

	cache.MarkStaleFor(testNamespace, info.Version().IncMinor())
	info, err = cache.GetRoutingInfo(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, 3, info.NumChunks())
	assert.Equal(t, 3, full)
}

func TestCatalogCache_RefreshAll(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	shardCollection(t, catalog, "db.a", 0)
	shardCollection(t, catalog, "db.b")
	cache := NewCatalogCache(catalog)

	require.NoError(t, cache.RefreshAll(ctx, []string{"db.a", "db.b"}))
	a, ok := cache.Peek("db.a")
	require.True(t, ok)
	assert.Equal(t, 2, a.NumChunks())
	_, ok = cache.Peek("db.b")
	assert.True(t, ok)

	assert.ErrorIs(t, cache.RefreshAll(ctx, []string{"db.a", "db.missing"}), common.ErrCollectionNotFound)
}

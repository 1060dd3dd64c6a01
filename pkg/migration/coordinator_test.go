package migration_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/chunkops"
	"github.com/chunkmeta/chunkmeta/pkg/cluster"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/migration/archive"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/chunkmeta/chunkmeta/pkg/types"
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

func newCluster(t *testing.T, shards int, configure func(*cluster.Config)) *cluster.Local {
	t.Helper()
	config := cluster.DefaultConfig(shards)
	config.RangeDeletionDelay = 0
	config.Migration.ShardRetryInterval = time.Millisecond
	if configure != nil {
		configure(&config)
	}
	catalog := coordinator.NewMemoryCatalog(metastore.NewNamespaceLocks(time.Second), notification.NewMemoryNotificationStore())
	local, err := cluster.NewLocal(context.Background(), catalog, config)
	require.NoError(t, err)
	return local
}

// createCollection shards testNamespace on x with chunks alternating between
// shard0 and shard1 at points.
func createCollection(t *testing.T, local *cluster.Local, points ...int64) *model.CollectionMetadata {
	t.Helper()
	ctx := context.Background()
	pattern, err := model.ParseShardKeyPattern("x:1")
	require.NoError(t, err)
	coll := &model.CollectionMetadata{
		Namespace:        testNamespace,
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
		Now:            1,
	}, types.NewUniqueID)
	require.NoError(t, err)
	created, err := local.Catalog.CreateCollection(ctx, coll, chunks)
	require.NoError(t, err)
	for _, s := range local.Servers {
		require.NoError(t, s.RefreshCollection(ctx, testNamespace))
	}
	return created
}

func chunkAt(t *testing.T, local *cluster.Local, x int64) *model.Chunk {
	t.Helper()
	chunks, err := metastore.CollectChunks(local.Catalog.ListChunks(context.Background(), testNamespace))
	require.NoError(t, err)
	c, ok := model.FindChunk(chunks, model.IntKey(x))
	require.True(t, ok)
	return c
}

func insert(t *testing.T, local *cluster.Local, x int64) {
	t.Helper()
	owner := chunkAt(t, local, x).Shard
	require.NoError(t, local.Server(owner).Upsert(context.Background(), shardserver.WriteRequest{
		Namespace: testNamespace,
		Document:  model.Document{shardserver.IDField: fmt.Sprintf("doc%d", x), "x": x},
	}))
}

// placement returns the shard every visible document is found on. A document
// visible on two shards fails the test.
func placement(t *testing.T, local *cluster.Local) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, s := range local.Servers {
		docs, err := s.Find(context.Background(), shardserver.FindRequest{Namespace: testNamespace})
		require.NoError(t, err)
		for _, doc := range docs {
			id := doc[shardserver.IDField].(string)
			require.NotContains(t, out, id, "document %s is visible on two shards", id)
			out[id] = s.ID()
		}
	}
	return out
}

func TestMoveChunk_MovesDocuments(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, nil)
	createCollection(t, local, 0)
	for _, x := range []int64{-5, 1, 2, 3} {
		insert(t, local, x)
	}
	moved := chunkAt(t, local, 1)
	require.Equal(t, "shard1", moved.Shard)
	before, err := local.Catalog.GetCollection(ctx, testNamespace)
	require.NoError(t, err)

	version, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     moved.Range,
		To:        "shard0",
	})
	require.NoError(t, err)
	assert.Equal(t, before.Version.IncMajor(), version)
	assert.Equal(t, "shard0", chunkAt(t, local, 1).Shard)

	assert.Equal(t, map[string]string{
		"doc-5": "shard0",
		"doc1":  "shard0",
		"doc2":  "shard0",
		"doc3":  "shard0",
	}, placement(t, local))

	// the donor keeps orphans until the range deleter runs
	assert.Equal(t, 3, local.Server("shard1").StoredDocuments(testNamespace))
	local.Server("shard1").RangeDeleter().RunDue(ctx)
	assert.Equal(t, 0, local.Server("shard1").StoredDocuments(testNamespace))
	assert.Equal(t, 0, local.Migrations.ActiveMigrations())
}

func TestMoveChunk_CatchesUpWritesDuringClone(t *testing.T) {
	ctx := context.Background()
	var local *cluster.Local
	local = newCluster(t, 2, func(c *cluster.Config) {
		c.MigrationOptions = append(c.MigrationOptions, migration.WithStateHook(func(ctx context.Context, record *model.MigrationRecord) {
			if record.State != model.MigrationCatchingUp {
				return
			}
			donor := local.Server(record.Donor)
			require.NoError(t, donor.Upsert(ctx, shardserver.WriteRequest{
				Namespace: testNamespace,
				Document:  model.Document{shardserver.IDField: "late", "x": 7},
			}))
			require.NoError(t, donor.Delete(ctx, shardserver.DeleteRequest{
				Namespace:  testNamespace,
				Key:        model.IntKey(2),
				DocumentID: "doc2",
			}))
		}))
	})
	createCollection(t, local, 0)
	insert(t, local, 1)
	insert(t, local, 2)

	_, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"doc1": "shard0", "late": "shard0"}, placement(t, local))
}

func TestMoveChunk_DisjointShardPairsRunInParallel(t *testing.T) {
	ctx := context.Background()
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	local := newCluster(t, 4, func(c *cluster.Config) {
		c.MigrationOptions = append(c.MigrationOptions, migration.WithStateHook(func(ctx context.Context, record *model.MigrationRecord) {
			if record.State == model.MigrationCatchingUp {
				arrived.Done()
				<-release
			}
		}))
	})
	createCollection(t, local, 10, 30, 50)
	first := chunkAt(t, local, 10)
	second := chunkAt(t, local, 30)
	require.Equal(t, "shard1", first.Shard)
	require.Equal(t, "shard0", second.Shard)

	type result struct {
		version model.CollectionVersion
		err     error
	}
	results := make(chan result, 2)
	for _, req := range []migration.MoveRequest{
		{Namespace: testNamespace, Range: first.Range, To: "shard2"},
		{Namespace: testNamespace, Range: second.Range, To: "shard3"},
	} {
		go func() {
			v, err := local.Migrations.MoveChunk(ctx, req)
			results <- result{v, err}
		}()
	}

	paused := make(chan struct{})
	go func() {
		arrived.Wait()
		close(paused)
	}()
	select {
	case <-paused:
	case <-time.After(10 * time.Second):
		close(release)
		t.Fatal("migrations did not run in parallel")
	}

	assert.Equal(t, 2, local.Migrations.ActiveMigrations())
	assert.True(t, local.Migrations.IsRangeActive(testNamespace, first.Range))
	assert.False(t, local.Migrations.IsRangeActive(testNamespace, chunkAt(t, local, 60).Range))
	// shard2 is already a recipient
	_, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 60).Range,
		To:        "shard2",
	})
	assert.ErrorIs(t, err, common.ErrConflictingOperationInProgress)
	close(release)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
	}
	assert.Equal(t, "shard2", chunkAt(t, local, 10).Shard)
	assert.Equal(t, "shard3", chunkAt(t, local, 30).Shard)
	chunks, err := metastore.CollectChunks(local.Catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)
	require.NoError(t, model.ValidateChunkSet(chunks, 1))
}

func TestMoveChunk_CriticalSectionTimeoutAborts(t *testing.T) {
	ctx := context.Background()
	var states []model.MigrationState
	var local *cluster.Local
	local = newCluster(t, 4, func(c *cluster.Config) {
		c.Migration.CriticalSectionTimeout = 0
		c.MigrationOptions = append(c.MigrationOptions, migration.WithStateHook(func(ctx context.Context, record *model.MigrationRecord) {
			states = append(states, record.State)
			if record.State != model.MigrationCatchingUp {
				return
			}
			// more writes than one catch-up batch carries
			for x := int64(1000); x < 1250; x++ {
				insert(t, local, x)
			}
		}))
	})
	createCollection(t, local, 0)
	for _, x := range []int64{-2, -1, 1, 2} {
		insert(t, local, x)
	}
	before, err := metastore.CollectChunks(local.Catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)

	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard3",
	})
	require.ErrorIs(t, err, common.ErrMigrationAborted)
	require.ErrorIs(t, err, common.ErrCriticalSectionTimeout)
	assert.Equal(t, common.CodeCriticalSectionTimeout, common.CodeOf(err))
	assert.Equal(t, []model.MigrationState{
		model.MigrationNotStarted,
		model.MigrationCloning,
		model.MigrationCatchingUp,
		model.MigrationAborted,
	}, states)

	after, err := metastore.CollectChunks(local.Catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	got := placement(t, local)
	assert.Len(t, got, 4+250)
	for id, shard := range map[string]string{
		"doc-2":   "shard0",
		"doc-1":   "shard0",
		"doc1":    "shard1",
		"doc2":    "shard1",
		"doc1249": "shard1",
	} {
		assert.Equal(t, shard, got[id], id)
	}

	records, err := local.Catalog.ListMigrations(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.MigrationAborted, records[0].State)
	assert.Contains(t, records[0].AbortReason, "critical section timeout")

	// the donor accepts writes again
	insert(t, local, 3)
}

func TestMoveChunk_ZeroTimeoutCommitsWhenCaughtUp(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, func(c *cluster.Config) {
		c.Migration.CriticalSectionTimeout = 0
	})
	createCollection(t, local, 0)
	insert(t, local, 1)
	insert(t, local, 2)

	_, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.NoError(t, err)
	assert.Equal(t, "shard0", chunkAt(t, local, 1).Shard)
	assert.Equal(t, map[string]string{"doc1": "shard0", "doc2": "shard0"}, placement(t, local))
}

// endlessModifications reports pending donor modifications on every catch-up
// batch applied after the donor entered its critical section.
type endlessModifications struct {
	shardserver.Directory
	critical *atomic.Bool
	batches  *atomic.Int64
}

func (d endlessModifications) Shard(ctx context.Context, id string) (shardserver.Client, error) {
	client, err := d.Directory.Shard(ctx, id)
	if err != nil {
		return nil, err
	}
	return endlessModificationsClient{Client: client, dir: d}, nil
}

type endlessModificationsClient struct {
	shardserver.Client
	dir endlessModifications
}

func (c endlessModificationsClient) EnterCriticalSection(ctx context.Context, id types.UniqueID) error {
	err := c.Client.EnterCriticalSection(ctx, id)
	if err == nil {
		c.dir.critical.Store(true)
	}
	return err
}

func (c endlessModificationsClient) ApplyCatchupBatch(ctx context.Context, id types.UniqueID) (int, error) {
	remaining, err := c.Client.ApplyCatchupBatch(ctx, id)
	if err != nil || !c.dir.critical.Load() {
		return remaining, err
	}
	c.dir.batches.Add(1)
	return max(remaining, 1), nil
}

func TestMoveChunk_CriticalSectionDrainIsBounded(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, nil)
	createCollection(t, local, 0)
	insert(t, local, 1)
	before, err := metastore.CollectChunks(local.Catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)

	dir := endlessModifications{Directory: local.Directory, critical: &atomic.Bool{}, batches: &atomic.Int64{}}
	config := migration.DefaultConfig()
	config.CriticalSectionTimeout = 20 * time.Millisecond
	config.ShardRetryInterval = time.Millisecond
	var states []model.MigrationState
	migrations := migration.NewCoordinator(local.Catalog, dir, config, migration.WithStateHook(func(ctx context.Context, record *model.MigrationRecord) {
		states = append(states, record.State)
	}))

	_, err = migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.ErrorIs(t, err, common.ErrCriticalSectionTimeout)
	require.ErrorIs(t, err, common.ErrMigrationAborted)
	assert.Greater(t, dir.batches.Load(), int64(0))
	assert.Equal(t, model.MigrationCriticalSection, states[len(states)-2])
	assert.Equal(t, model.MigrationAborted, states[len(states)-1])

	after, err := metastore.CollectChunks(local.Catalog.ListChunks(ctx, testNamespace))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, map[string]string{"doc1": "shard1"}, placement(t, local))
	// the donor left its critical section
	insert(t, local, 2)
}

// failingCommitRecord fails the first failures attempts to mark a migration
// Committed, after the ownership change is already in the catalog.
type failingCommitRecord struct {
	metastore.Catalog
	failures int
}

func (c *failingCommitRecord) UpdateMigrationState(ctx context.Context, id types.UniqueID, from model.MigrationState, to model.MigrationState, reason string, ts types.Timestamp) error {
	if to == model.MigrationCommitted && c.failures != 0 {
		c.failures--
		return fmt.Errorf("%w: connection reset", common.ErrWriteConflict)
	}
	return c.Catalog.UpdateMigrationState(ctx, id, from, to, reason, ts)
}

func TestMoveChunk_CommitRecordFailureDoesNotUndoMove(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, nil)
	createCollection(t, local, 0)
	for _, x := range []int64{-5, 1, 2} {
		insert(t, local, x)
	}
	config := migration.DefaultConfig()
	config.ShardRetryInterval = time.Millisecond
	catalog := &failingCommitRecord{Catalog: local.Catalog, failures: 1}
	migrations := migration.NewCoordinator(catalog, local.Directory, config)

	_, err := migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.NoError(t, err)
	assert.Equal(t, "shard0", chunkAt(t, local, 1).Shard)
	assert.Equal(t, map[string]string{"doc-5": "shard0", "doc1": "shard0", "doc2": "shard0"}, placement(t, local))
	records, err := local.Catalog.ListMigrations(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.MigrationCommitted, records[0].State)
}

func TestMoveChunk_UnrecordedCommitIsCompletedByRecovery(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, nil)
	createCollection(t, local, 0)
	insert(t, local, 1)
	config := migration.DefaultConfig()
	config.ShardRetryInterval = time.Millisecond
	catalog := &failingCommitRecord{Catalog: local.Catalog, failures: -1}
	migrations := migration.NewCoordinator(catalog, local.Directory, config)

	_, err := migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"doc1": "shard0"}, placement(t, local))
	records, err := local.Catalog.ListMigrations(ctx, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.MigrationCriticalSection, records[0].State)

	require.NoError(t, migration.NewCoordinator(local.Catalog, local.Directory, config).Recover(ctx))
	got, err := local.Catalog.GetMigration(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationCommitted, got.State)
	assert.Equal(t, map[string]string{"doc1": "shard0"}, placement(t, local))
}

func TestMoveChunk_Preconditions(t *testing.T) {
	ctx := context.Background()
	local := newCluster(t, 2, nil)
	coll := createCollection(t, local, 0)

	_, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     model.MustRange(model.IntKey(0), model.IntKey(5)),
		To:        "shard0",
	})
	assert.ErrorIs(t, err, common.ErrStaleVersion)

	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace:       testNamespace,
		Range:           chunkAt(t, local, 1).Range,
		To:              "shard0",
		ExpectedVersion: model.NewChunkVersion(types.NewUniqueID(), 1, 1),
	})
	assert.ErrorIs(t, err, common.ErrStaleEpoch)

	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard1",
	})
	assert.ErrorIs(t, err, common.ErrMoveToSameShard)

	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard9",
	})
	assert.ErrorIs(t, err, common.ErrShardNotFound)

	require.NoError(t, local.Catalog.UpsertShard(ctx, &model.Shard{ID: "shard0", State: model.ShardStateDraining}))
	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	assert.ErrorIs(t, err, common.ErrShardUnreachable)

	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: "db.missing",
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	assert.ErrorIs(t, err, common.ErrCollectionNotFound)

	// a chunk that changed after the caller's version
	require.NoError(t, local.Catalog.UpsertShard(ctx, &model.Shard{ID: "shard0", State: model.ShardStateReady}))
	_, err = local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace:       testNamespace,
		Range:           chunkAt(t, local, 1).Range,
		To:              "shard0",
		ExpectedVersion: model.NewChunkVersion(coll.Version.Epoch, 1, 0),
	})
	assert.ErrorIs(t, err, common.ErrStaleVersion)
}

func TestMoveChunk_RetryWithOperationID(t *testing.T) {
	ctx := context.Background()
	mem := archive.NewMemoryArchive("migrations")
	local := newCluster(t, 2, func(c *cluster.Config) {
		c.MigrationOptions = append(c.MigrationOptions, migration.WithArchive(mem))
	})
	createCollection(t, local, 0)
	req := migration.MoveRequest{
		OperationID: "move-1",
		Namespace:   testNamespace,
		Range:       chunkAt(t, local, 1).Range,
		To:          "shard0",
	}

	first, err := local.Migrations.MoveChunk(ctx, req)
	require.NoError(t, err)
	second, err := local.Migrations.MoveChunk(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// the committed record lives in the archive only
	records, err := local.Catalog.ListMigrations(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, records)
	archived, err := mem.List(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, model.MigrationCommitted, archived[0].State)

	got, err := local.Migrations.GetMigration(ctx, archived[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "move-1", got.OperationID)
	_, err = local.Migrations.GetMigration(ctx, types.NewUniqueID())
	assert.ErrorIs(t, err, common.ErrMigrationNotFound)
}

func TestMoveChunk_ContextCanceledDuringCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local := newCluster(t, 2, func(c *cluster.Config) {
		c.MigrationOptions = append(c.MigrationOptions, migration.WithStateHook(func(_ context.Context, record *model.MigrationRecord) {
			if record.State == model.MigrationCatchingUp {
				cancel()
			}
		}))
	})
	createCollection(t, local, 0)
	insert(t, local, 1)
	_, err := local.Migrations.MoveChunk(ctx, migration.MoveRequest{
		Namespace: testNamespace,
		Range:     chunkAt(t, local, 1).Range,
		To:        "shard0",
	})
	require.ErrorIs(t, err, common.ErrMigrationAborted)
	assert.ErrorIs(t, err, common.ErrExceededTimeLimit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "shard1", chunkAt(t, local, 1).Shard)
	assert.Equal(t, map[string]string{"doc1": "shard1"}, placement(t, local))
}

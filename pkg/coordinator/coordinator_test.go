package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/cluster"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	metastorecoordinator "github.com/chunkmeta/chunkmeta/pkg/metastore/coordinator"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNamespace = "db.coll"

type fixture struct {
	coordinator *coordinator.Coordinator
	catalog     metastore.Catalog
	notifier    *notification.MemoryNotifier
}

func newFixture(t *testing.T, opts ...coordinator.Option) *fixture {
	ctx := context.Background()
	store := notification.NewMemoryNotificationStore()
	catalog := metastorecoordinator.NewMemoryCatalog(metastore.NewNamespaceLocks(time.Second), store)
	local, err := cluster.NewLocal(ctx, catalog, cluster.DefaultConfig(2))
	require.NoError(t, err)
	notifier := notification.NewMemoryNotifier()
	return &fixture{
		coordinator: coordinator.NewCoordinator(ctx, catalog, local, store, notifier, opts...),
		catalog:     catalog,
		notifier:    notifier,
	}
}

func shardCollection(t *testing.T, c *coordinator.Coordinator) *model.CollectionMetadata {
	pattern, err := model.ParseShardKeyPattern("x:1")
	require.NoError(t, err)
	coll, err := c.ShardCollection(context.Background(), model.CreateCollection{Namespace: testNamespace, KeyPattern: pattern})
	require.NoError(t, err)
	return coll
}

func TestCoordinator_DeliversNotifications(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coordinator.Start())
	defer f.coordinator.Stop()
	assert.True(t, f.coordinator.IsLeader())

	shardCollection(t, f.coordinator)

	assert.Eventually(t, func() bool {
		for _, msg := range f.notifier.Messages() {
			if msg.Key == testNamespace {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinator_RecoversMigrationsOnStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	coll := shardCollection(t, f.coordinator)

	chunks, err := f.coordinator.ListChunks(ctx, testNamespace)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	recipient := "shard1"
	if chunks[0].Shard == recipient {
		recipient = "shard0"
	}
	record := &model.MigrationRecord{
		ID:             types.NewUniqueID(),
		Namespace:      testNamespace,
		CollectionUUID: coll.UUID,
		Range:          chunks[0].Range,
		Donor:          chunks[0].Shard,
		Recipient:      recipient,
		State:          model.MigrationCloning,
		StartVersion:   chunks[0].Version,
		CreatedAt:      1,
		UpdatedAt:      1,
	}
	require.NoError(t, f.catalog.RecordMigration(ctx, record))

	require.NoError(t, f.coordinator.Start())
	defer f.coordinator.Stop()

	got, err := f.coordinator.GetMigration(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationCommitted, got.State)
	chunks, err = f.coordinator.ListChunks(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, recipient, chunks[0].Shard)
}

func TestCoordinator_BackgroundWorkFollowsLeadership(t *testing.T) {
	lose := make(chan struct{})
	elector := func(ctx context.Context, onStartedLeading func(context.Context)) {
		leaderCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-lose:
			case <-ctx.Done():
			}
			cancel()
		}()
		onStartedLeading(leaderCtx)
	}
	f := newFixture(t, coordinator.WithElector(elector))
	require.NoError(t, f.coordinator.Start())

	assert.Eventually(t, f.coordinator.IsLeader, 5*time.Second, 10*time.Millisecond)
	close(lose)
	assert.Eventually(t, func() bool { return !f.coordinator.IsLeader() }, 5*time.Second, 10*time.Millisecond)

	// Catalog operations keep working without the lease.
	shardCollection(t, f.coordinator)
	require.NoError(t, f.coordinator.Stop())
}

func TestCoordinator_AddShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.coordinator.AddShard(ctx, &model.Shard{}), common.ErrInvalidArgument)
	assert.ErrorIs(t, f.coordinator.AddShard(ctx, &model.Shard{ID: "shard9", State: "gone"}), common.ErrInvalidArgument)

	require.NoError(t, f.coordinator.AddShard(ctx, &model.Shard{ID: "shard9", Address: "10.0.0.9:9000"}))
	shards, err := f.coordinator.ListShards(ctx)
	require.NoError(t, err)
	var found *model.Shard
	for _, s := range shards {
		if s.ID == "shard9" {
			found = s
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, model.ShardStateReady, found.State)

	require.NoError(t, f.coordinator.RemoveShard(ctx, "shard9"))
	_, err = f.catalog.GetShard(ctx, "shard9")
	assert.ErrorIs(t, err, common.ErrShardNotFound)
}

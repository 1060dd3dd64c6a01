package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Config describes an in-process cluster: a catalog, a set of shard servers
// and the coordinator services that act on them.
type Config struct {
	Shards             int
	RangeDeletionDelay time.Duration
	DeleterInterval    time.Duration
	Migration          migration.Config
	MigrationOptions   []migration.Option
}

func DefaultConfig(shards int) Config {
	return Config{
		Shards:             shards,
		RangeDeletionDelay: common.DefaultRangeDeletionDelay,
		DeleterInterval:    time.Minute,
		Migration:          migration.DefaultConfig(),
	}
}

// ShardName is the id of the i-th local shard.
func ShardName(i int) string {
	return fmt.Sprintf("shard%d", i)
}

// Local runs shard servers in process against a catalog. The coordinator
// uses it for single binary deployments and tests use it as a fixture.
type Local struct {
	Catalog    metastore.Catalog
	Directory  *shardserver.LocalDirectory
	Servers    []*shardserver.Server
	Migrations *migration.Coordinator
	Engine     *sharding.Engine
}

var _ common.Component = &Local{}

// NewLocal registers config.Shards ready shards in the catalog and builds a
// server for each of them.
func NewLocal(ctx context.Context, catalog metastore.Catalog, config Config) (*Local, error) {
	directory := shardserver.NewLocalDirectory()
	l := &Local{
		Catalog:   catalog,
		Directory: directory,
	}
	for i := 0; i < config.Shards; i++ {
		id := ShardName(i)
		if err := catalog.UpsertShard(ctx, &model.Shard{ID: id, Address: "local://" + id, State: model.ShardStateReady}); err != nil {
			return nil, err
		}
		server := shardserver.NewServer(shardserver.Config{
			ID:                 id,
			RangeDeletionDelay: config.RangeDeletionDelay,
			DeleterInterval:    config.DeleterInterval,
		}, catalog, directory)
		directory.Add(server)
		l.Servers = append(l.Servers, server)
	}
	l.Migrations = migration.NewCoordinator(catalog, directory, config.Migration, config.MigrationOptions...)
	l.Engine = sharding.NewEngine(catalog, directory, l.Migrations)
	log.Info("local cluster ready", zap.Int("shards", config.Shards))
	return l, nil
}

func (l *Local) Start() error {
	for _, s := range l.Servers {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Stop() error {
	var firstErr error
	for _, s := range l.Servers {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Server returns the local shard with the given id.
func (l *Local) Server(id string) *shardserver.Server {
	for _, s := range l.Servers {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

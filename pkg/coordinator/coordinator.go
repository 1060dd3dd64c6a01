package coordinator

import (
	"context"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/cluster"
	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var _ ICoordinator = (*Coordinator)(nil)

// Elector runs onStartedLeading whenever this process becomes leader. The
// context it passes is cancelled when leadership is lost. It blocks until ctx
// is done.
type Elector func(ctx context.Context, onStartedLeading func(context.Context))

// Coordinator is the implementation of ICoordinator. It is the top level
// component: it owns the catalog, the local shard servers, the chunk engine,
// the migration coordinator and the notification processor.
//
// Migration recovery and notification delivery only run while the
// coordinator leads. Without an elector it always leads.
type Coordinator struct {
	ctx               context.Context
	cancel            context.CancelFunc
	catalog           metastore.Catalog
	local             *cluster.Local
	engine            *sharding.Engine
	migrations        *migration.Coordinator
	notificationStore notification.NotificationStore
	notifier          notification.Notifier
	elector           Elector

	mu                    sync.Mutex
	notificationProcessor notification.NotificationProcessor
	leading               bool
	wg                    sync.WaitGroup
}

type Option func(*Coordinator)

func WithElector(elector Elector) Option {
	return func(c *Coordinator) {
		c.elector = elector
	}
}

// NewCoordinator wires the coordinator around a catalog and an in-process
// cluster. Notifications go to notifier and to the catalog cache of every
// local shard.
func NewCoordinator(ctx context.Context, catalog metastore.Catalog, local *cluster.Local, notificationStore notification.NotificationStore, notifier notification.Notifier, opts ...Option) *Coordinator {
	notifiers := notification.MultiNotifier{}
	if notifier != nil {
		notifiers = append(notifiers, notifier)
	}
	for _, server := range local.Servers {
		notifiers = append(notifiers, notification.NewCacheNotifier(server.Cache()))
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		ctx:               ctx,
		cancel:            cancel,
		catalog:           catalog,
		local:             local,
		engine:            local.Engine,
		migrations:        local.Migrations,
		notificationStore: notificationStore,
		notifier:          notifiers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Start() error {
	if err := c.local.Start(); err != nil {
		return err
	}
	if c.elector == nil {
		c.lead(c.ctx)
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.elector(c.ctx, func(leaderCtx context.Context) {
			c.lead(leaderCtx)
			<-leaderCtx.Done()
			c.stepDown()
		})
	}()
	return nil
}

// lead recovers migrations left by a previous leader and starts delivering
// notifications.
func (c *Coordinator) lead(ctx context.Context) {
	log.Info("coordinator is leading")
	if err := c.migrations.Recover(ctx); err != nil {
		log.Error("migration recovery failed", zap.Error(err))
	}
	processor := notification.NewSimpleNotificationProcessor(ctx, c.notificationStore, c.notifier)
	if err := processor.Start(); err != nil {
		log.Error("Failed to start notification processor", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.notificationProcessor = processor
	c.leading = true
	c.mu.Unlock()
}

func (c *Coordinator) stepDown() {
	c.mu.Lock()
	processor := c.notificationProcessor
	c.notificationProcessor = nil
	c.leading = false
	c.mu.Unlock()
	if processor != nil {
		if err := processor.Stop(); err != nil {
			log.Error("Failed to stop notification processor", zap.Error(err))
		}
	}
	log.Info("coordinator stepped down")
}

// IsLeader reports whether background work currently runs here.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leading
}

func (c *Coordinator) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.stepDown()
	if err := c.local.Stop(); err != nil {
		log.Error("Failed to stop local shards", zap.Error(err))
		return err
	}
	return nil
}

// Cluster is the in-process cluster the coordinator drives.
func (c *Coordinator) Cluster() *cluster.Local {
	return c.local
}

func (c *Coordinator) trigger(ctx context.Context, namespace string) {
	c.mu.Lock()
	processor := c.notificationProcessor
	c.mu.Unlock()
	if processor == nil {
		return
	}
	processor.Trigger(ctx, notification.TriggerMessage{
		Msg: model.Notification{Namespace: namespace, Status: model.NotificationStatusPending},
	})
}

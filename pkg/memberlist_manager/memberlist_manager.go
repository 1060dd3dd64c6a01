package memberlist_manager

import (
	"context"
	"sync"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"
)

// A memberlist manager keeps the catalog's shard registry in line with the
// shard pods running in the cluster. The watcher reports pod changes, and the
// manager reconciles the ready pods into the store in batches.

type IMemberlistManager interface {
	common.Component
}

const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultReconcileCount    = uint(10)

	reconcileTimeoutSlack = 10 * time.Second
)

type MemberlistManager struct {
	workqueue         workqueue.RateLimitingInterface
	nodeWatcher       IWatcher
	memberlistStore   IMemberlistStore
	reconcileInterval time.Duration
	reconcileCount    uint // pending keys that trigger a reconcile before the tick
	wg                sync.WaitGroup
}

func NewMemberlistManager(nodeWatcher IWatcher, memberlistStore IMemberlistStore) *MemberlistManager {
	queue := workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter())

	return &MemberlistManager{
		workqueue:         queue,
		nodeWatcher:       nodeWatcher,
		memberlistStore:   memberlistStore,
		reconcileInterval: DefaultReconcileInterval,
		reconcileCount:    DefaultReconcileCount,
	}
}

func (m *MemberlistManager) Start() error {
	m.nodeWatcher.RegisterCallback(func(podKey string) {
		m.workqueue.Add(podKey)
	})
	if err := m.nodeWatcher.Start(); err != nil {
		return err
	}
	log.Info("memberlist manager started",
		zap.Duration("interval", m.reconcileInterval),
		zap.Uint("count", m.reconcileCount))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	return nil
}

// pendingKeys are pod keys taken off the queue and not yet reconciled.
type pendingKeys map[string]struct{}

func (m *MemberlistManager) reconcileMemberlist(pending pendingKeys) {
	defer func() {
		for key := range pending {
			m.workqueue.Done(key)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.reconcileInterval+reconcileTimeoutSlack)
	defer cancel()

	current, err := m.memberlistStore.GetMemberlist(ctx)
	if err != nil {
		log.Error("failed to read shard registry", zap.Error(err))
		return
	}
	ready, err := m.nodeWatcher.ListReadyMembers()
	if err != nil {
		log.Error("failed to list ready shard pods", zap.Error(err))
		return
	}
	if memberlistSame(current, ready) {
		log.Debug("shard registry up to date", zap.Int("pending", len(pending)))
		return
	}
	log.Info("reconciling shard registry",
		zap.Array("registered", current),
		zap.Array("ready", ready))
	if err := m.memberlistStore.UpdateMemberlist(ctx, ready); err != nil {
		log.Error("failed to update shard registry", zap.Error(err))
	}
}

// drainQueue forwards queue keys to keys until the queue shuts down.
func (m *MemberlistManager) drainQueue(keys chan<- string) {
	defer close(keys)
	for {
		item, shutdown := m.workqueue.Get()
		if shutdown {
			return
		}
		key, ok := item.(string)
		if !ok {
			log.Error("unexpected workqueue item", zap.Any("item", item))
			m.workqueue.Done(item)
			continue
		}
		keys <- key
	}
}

func (m *MemberlistManager) run() {
	keys := make(chan string)
	go m.drainQueue(keys)

	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()
	pending := pendingKeys{}
	for {
		select {
		case key, ok := <-keys:
			if !ok {
				log.Info("memberlist manager stopped")
				return
			}
			pending[key] = struct{}{}
			if uint(len(pending)) >= m.reconcileCount {
				m.reconcileMemberlist(pending)
				pending = pendingKeys{}
			}
		case <-ticker.C:
			m.reconcileMemberlist(pending)
			pending = pendingKeys{}
		}
	}
}

// memberlistSame compares two member lists as sets of (id, address).
func memberlistSame(registered Memberlist, ready Memberlist) bool {
	if len(registered) != len(ready) {
		return false
	}
	addressOf := make(map[string]string, len(ready))
	for _, member := range ready {
		addressOf[member.ID] = member.Address
	}
	for _, member := range registered {
		if address, ok := addressOf[member.ID]; !ok || address != member.Address {
			return false
		}
	}
	return true
}

func (m *MemberlistManager) SetReconcileInterval(interval time.Duration) {
	m.reconcileInterval = interval
}

func (m *MemberlistManager) SetReconcileCount(count uint) {
	m.reconcileCount = count
}

func (m *MemberlistManager) Stop() error {
	m.workqueue.ShutDown()
	err := m.nodeWatcher.Stop()
	m.wg.Wait()
	return err
}

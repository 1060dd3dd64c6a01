package catalogcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/notification"
	"github.com/pingcap/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var meter = otel.Meter("github.com/chunkmeta/chunkmeta/pkg/catalogcache")

// Source is where the cache loads chunk maps from. The catalog store and the
// coordinator's gRPC client both implement it.
type Source interface {
	GetChunksSince(ctx context.Context, namespace string, since model.ChunkVersion) (*model.CollectionMetadata, []*model.Chunk, error)
}

type entry struct {
	info *RoutingInfo
	// staleFor is the newest version some caller has seen for the namespace.
	staleFor model.CollectionVersion
	// generation moves on every MarkStaleFor or Invalidate so that a refresh
	// that started before them does not clear them.
	generation  uint64
	invalidated bool
}

func (e *entry) needsRefresh() bool {
	if e.info == nil || e.invalidated {
		return true
	}
	if !e.staleFor.IsSet() {
		return false
	}
	return !e.staleFor.SameEpoch(e.info.Version()) || e.info.Version().Compare(e.staleFor) < 0
}

type Stats struct {
	Hits                 int64
	FullRefreshes        int64
	IncrementalRefreshes int64
	RefreshErrors        int64
}

// CatalogCache holds routing info per namespace and refreshes it from a
// Source. Concurrent refreshes of one namespace share a single load.
type CatalogCache struct {
	source         Source
	group          singleflight.Group
	refreshTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	hits                 atomic.Int64
	fullRefreshes        atomic.Int64
	incrementalRefreshes atomic.Int64
	refreshErrors        atomic.Int64
	refreshCounter       metric.Int64Counter
}

var _ notification.Invalidator = &CatalogCache{}

type Option func(*CatalogCache)

// WithRefreshTimeout bounds a single load from the source. Non-positive
// values keep the default.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *CatalogCache) {
		if timeout > 0 {
			c.refreshTimeout = timeout
		}
	}
}

func NewCatalogCache(source Source, opts ...Option) *CatalogCache {
	counter, err := meter.Int64Counter("catalog_cache_refreshes",
		metric.WithDescription("Number of routing info refreshes"),
		metric.WithUnit("{refreshes}"))
	if err != nil {
		log.Error("failed to create metric", zap.Error(err))
	}
	c := &CatalogCache{
		source:         source,
		refreshTimeout: common.DefaultCacheRefreshTimeout,
		entries:        make(map[string]*entry),
		refreshCounter: counter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CatalogCache) entryLocked(namespace string) *entry {
	e, ok := c.entries[namespace]
	if !ok {
		e = &entry{}
		c.entries[namespace] = e
	}
	return e
}

// GetRoutingInfo returns the cached routing info, refreshing it first when it
// is missing or was marked stale.
func (c *CatalogCache) GetRoutingInfo(ctx context.Context, namespace string) (*RoutingInfo, error) {
	c.mu.Lock()
	e := c.entryLocked(namespace)
	if !e.needsRefresh() {
		info := e.info
		c.mu.Unlock()
		c.hits.Add(1)
		return info, nil
	}
	c.mu.Unlock()
	return c.Refresh(ctx, namespace)
}

// GetRoutingInfoForEpoch is GetRoutingInfo for a caller that already targets
// epoch. It fails with ErrStaleEpoch rather than serve another epoch.
func (c *CatalogCache) GetRoutingInfoForEpoch(ctx context.Context, namespace string, epoch model.ChunkVersion) (*RoutingInfo, error) {
	info, err := c.GetRoutingInfo(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if !info.Version().SameEpoch(epoch) {
		return nil, fmt.Errorf("%w: %s is at epoch %s, caller expected %s", common.ErrStaleEpoch, namespace, info.Version().Epoch, epoch.Epoch)
	}
	return info, nil
}

// Peek returns the cached routing info without refreshing. Invalidated
// entries are not returned.
func (c *CatalogCache) Peek(namespace string) (*RoutingInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[namespace]
	if !ok || e.info == nil || e.invalidated {
		return nil, false
	}
	return e.info, true
}

// Refresh reloads the namespace from the source. Only chunks newer than the
// cached version are fetched unless the cache is empty, invalidated or the
// epoch changed. Source errors are returned as is. A load that outlives the
// refresh timeout fails with ErrExceededTimeLimit.
func (c *CatalogCache) Refresh(ctx context.Context, namespace string) (*RoutingInfo, error) {
	ch := c.group.DoChan(namespace, func() (interface{}, error) {
		// A caller giving up must not fail the others sharing this load.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		info, err := c.refresh(loadCtx, namespace)
		if err != nil && loadCtx.Err() != nil && !errors.Is(err, common.ErrExceededTimeLimit) {
			err = fmt.Errorf("%w: refreshing %s took longer than %s: %w", common.ErrExceededTimeLimit, namespace, c.refreshTimeout, err)
		}
		return info, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RoutingInfo), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CatalogCache) refresh(ctx context.Context, namespace string) (*RoutingInfo, error) {
	c.mu.Lock()
	e := c.entryLocked(namespace)
	current := e.info
	if e.invalidated {
		current = nil
	}
	generation := e.generation
	c.mu.Unlock()

	info, incremental, err := c.load(ctx, namespace, current)
	if err != nil {
		c.refreshErrors.Add(1)
		if errors.Is(err, common.ErrCollectionNotFound) {
			c.mu.Lock()
			delete(c.entries, namespace)
			c.mu.Unlock()
		}
		log.Warn("routing info refresh failed", zap.String("namespace", namespace), zap.Error(err))
		return nil, err
	}
	kind := "full"
	if incremental {
		kind = "incremental"
		c.incrementalRefreshes.Add(1)
	} else {
		c.fullRefreshes.Add(1)
	}
	if c.refreshCounter != nil {
		c.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.entryLocked(namespace)
	if e.info != nil && e.info.Version().SameEpoch(info.Version()) && e.info.Version().Compare(info.Version()) > 0 && !e.invalidated {
		// Someone installed something newer meanwhile.
		return e.info, nil
	}
	e.info = info
	if e.generation == generation {
		e.invalidated = false
		e.staleFor = model.CollectionVersion{}
	}
	log.Debug("routing info refreshed", zap.String("namespace", namespace), zap.String("kind", kind), zap.Object("version", info.Version()))
	return info, nil
}

func (c *CatalogCache) load(ctx context.Context, namespace string, current *RoutingInfo) (*RoutingInfo, bool, error) {
	var since model.ChunkVersion
	if current != nil {
		since = current.Version()
	}
	coll, chunks, err := c.source.GetChunksSince(ctx, namespace, since)
	if err != nil {
		return nil, false, err
	}
	if current == nil || !coll.Version.SameEpoch(current.Version()) {
		info, err := newRoutingInfo(coll, chunks)
		return info, false, err
	}
	if coll.Version.Compare(current.Version()) <= 0 {
		return current, true, nil
	}
	info, err := current.merge(coll, chunks)
	if err == nil {
		return info, true, nil
	}
	log.Warn("incremental refresh produced an invalid chunk map, reloading",
		zap.String("namespace", namespace), zap.Error(err))
	coll, chunks, err = c.source.GetChunksSince(ctx, namespace, model.ChunkVersion{})
	if err != nil {
		return nil, false, err
	}
	info, err = newRoutingInfo(coll, chunks)
	return info, false, err
}

// MarkStaleFor makes the next GetRoutingInfo refresh unless the cache already
// holds version or newer.
func (c *CatalogCache) MarkStaleFor(namespace string, version model.CollectionVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(namespace)
	if !e.staleFor.IsSet() || !e.staleFor.SameEpoch(version) || e.staleFor.Compare(version) < 0 {
		e.staleFor = version
	}
	e.generation++
}

// Invalidate forces a full reload on the next GetRoutingInfo.
func (c *CatalogCache) Invalidate(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(namespace)
	e.invalidated = true
	e.generation++
}

// RefreshAll refreshes several namespaces concurrently.
func (c *CatalogCache) RefreshAll(ctx context.Context, namespaces []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, ns := range namespaces {
		g.Go(func() error {
			_, err := c.Refresh(gctx, ns)
			return err
		})
	}
	return g.Wait()
}

func (c *CatalogCache) Stats() Stats {
	return Stats{
		Hits:                 c.hits.Load(),
		FullRefreshes:        c.fullRefreshes.Load(),
		IncrementalRefreshes: c.incrementalRefreshes.Load(),
		RefreshErrors:        c.refreshErrors.Load(),
	}
}

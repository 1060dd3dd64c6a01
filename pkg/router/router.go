package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/catalogcache"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/migration"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/sharding"
	"github.com/chunkmeta/chunkmeta/pkg/shardserver"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Admin applies chunk operations. The sharding engine and the coordinator's
// gRPC client both implement it.
type Admin interface {
	SplitChunk(ctx context.Context, req sharding.SplitRequest) (model.CollectionVersion, error)
	MergeChunks(ctx context.Context, req sharding.MergeRequest) (model.CollectionVersion, error)
	MoveChunk(ctx context.Context, req migration.MoveRequest) (model.CollectionVersion, error)
}

type Config struct {
	// MaxAttempts bounds how many times one request is retargeted after a
	// stale version.
	MaxAttempts int
	// RetryDeadline bounds the total time spent retargeting one request.
	RetryDeadline time.Duration
	// CacheRefreshTimeout bounds one routing info load from the catalog.
	CacheRefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:         common.DefaultShardVersionRetries,
		RetryDeadline:       30 * time.Second,
		CacheRefreshTimeout: common.DefaultCacheRefreshTimeout,
	}
}

type Stats struct {
	Requests     int64
	StaleRetries int64
}

// Router sends document operations to the shards that own them according to
// its own routing info cache, and forwards administrative commands.
type Router struct {
	cache  *catalogcache.CatalogCache
	shards shardserver.Directory
	admin  Admin
	config Config

	requests     atomic.Int64
	staleRetries atomic.Int64
}

func NewRouter(source catalogcache.Source, shards shardserver.Directory, admin Admin, config Config) *Router {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = common.DefaultShardVersionRetries
	}
	return &Router{
		cache:  catalogcache.NewCatalogCache(source, catalogcache.WithRefreshTimeout(config.CacheRefreshTimeout)),
		shards: shards,
		admin:  admin,
		config: config,
	}
}

// Cache is the router's routing info cache.
func (r *Router) Cache() *catalogcache.CatalogCache {
	return r.cache
}

func (r *Router) Stats() Stats {
	return Stats{
		Requests:     r.requests.Load(),
		StaleRetries: r.staleRetries.Load(),
	}
}

// withRetry runs op against the current routing info. A stale version makes
// the router refresh and try again, at most config.MaxAttempts times and
// within config.RetryDeadline.
func (r *Router) withRetry(ctx context.Context, namespace string, op func(context.Context, *catalogcache.RoutingInfo) error) error {
	r.requests.Add(1)
	if r.config.RetryDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.RetryDeadline)
		defer cancel()
	}
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		info, err := r.cache.GetRoutingInfo(ctx, namespace)
		if err != nil {
			return err
		}
		lastErr = op(ctx, info)
		if !errors.Is(lastErr, common.ErrStaleVersion) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrExceededTimeLimit, lastErr)
		}
		if attempt == r.config.MaxAttempts {
			break
		}
		r.staleRetries.Add(1)
		log.Debug("router retargeting after stale version",
			zap.String("namespace", namespace),
			zap.Int("attempt", attempt),
			zap.Object("routerVersion", info.Version()),
			zap.Error(lastErr))
		if errors.Is(lastErr, common.ErrStaleEpoch) {
			r.cache.Invalidate(namespace)
			continue
		}
		if _, err := r.cache.Refresh(ctx, namespace); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up on %s after %d attempts: %w", namespace, r.config.MaxAttempts, lastErr)
}

func (r *Router) ownerOf(ctx context.Context, info *catalogcache.RoutingInfo, key model.Key) (shardserver.Client, model.ChunkVersion, error) {
	chunk, err := info.FindChunk(key)
	if err != nil {
		return nil, model.ChunkVersion{}, err
	}
	client, err := r.shards.Shard(ctx, chunk.Shard)
	if err != nil {
		return nil, model.ChunkVersion{}, err
	}
	return client, info.ShardVersion(chunk.Shard), nil
}

// Upsert inserts or replaces doc on the shard owning its shard key.
func (r *Router) Upsert(ctx context.Context, namespace string, doc model.Document) error {
	return r.withRetry(ctx, namespace, func(ctx context.Context, info *catalogcache.RoutingInfo) error {
		key, err := info.KeyPattern().ExtractKey(doc)
		if err != nil {
			return err
		}
		client, version, err := r.ownerOf(ctx, info, key)
		if err != nil {
			return err
		}
		return client.Upsert(ctx, shardserver.WriteRequest{
			Namespace:    namespace,
			ShardVersion: version,
			Document:     doc,
		})
	})
}

// Delete removes the document with the given id and shard key.
func (r *Router) Delete(ctx context.Context, namespace string, key model.Key, documentID string) error {
	return r.withRetry(ctx, namespace, func(ctx context.Context, info *catalogcache.RoutingInfo) error {
		client, version, err := r.ownerOf(ctx, info, key)
		if err != nil {
			return err
		}
		return client.Delete(ctx, shardserver.DeleteRequest{
			Namespace:    namespace,
			ShardVersion: version,
			Key:          key,
			DocumentID:   documentID,
		})
	})
}

// Find returns the documents with the given shard key. A nil key reads the
// whole collection from every shard owning a chunk.
func (r *Router) Find(ctx context.Context, namespace string, key model.Key) ([]model.Document, error) {
	var out []model.Document
	err := r.withRetry(ctx, namespace, func(ctx context.Context, info *catalogcache.RoutingInfo) error {
		out = nil
		if key != nil {
			client, version, err := r.ownerOf(ctx, info, key)
			if err != nil {
				return err
			}
			docs, err := client.Find(ctx, shardserver.FindRequest{Namespace: namespace, ShardVersion: version, Key: key})
			out = docs
			return err
		}
		for _, shard := range info.Shards() {
			client, err := r.shards.Shard(ctx, shard)
			if err != nil {
				return err
			}
			docs, err := client.Find(ctx, shardserver.FindRequest{Namespace: namespace, ShardVersion: info.ShardVersion(shard)})
			if err != nil {
				return err
			}
			out = append(out, docs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Result reports how an administrative command ended.
type Result struct {
	Outcome common.Outcome
	Code    string
	Version model.CollectionVersion
	Err     error
}

// RunCommand validates and applies cmd. Chunk operations carry the router's
// collection version as their expected version, so a router that missed a
// change gets StaleVersion, refreshes and retries.
func (r *Router) RunCommand(ctx context.Context, cmd Command) Result {
	if err := cmd.Validate(); err != nil {
		return resultOf(model.CollectionVersion{}, err)
	}
	if refresh, ok := cmd.(RefreshCommand); ok {
		r.cache.Invalidate(refresh.Namespace)
		info, err := r.cache.GetRoutingInfo(ctx, refresh.Namespace)
		if err != nil {
			return resultOf(model.CollectionVersion{}, err)
		}
		return resultOf(info.Version(), nil)
	}
	if r.admin == nil {
		return resultOf(model.CollectionVersion{}, fmt.Errorf("%w: router has no coordinator", common.ErrInvalidArgument))
	}
	var version model.CollectionVersion
	err := r.withRetry(ctx, cmd.CommandNamespace(), func(ctx context.Context, info *catalogcache.RoutingInfo) error {
		var err error
		version, err = r.apply(ctx, info, cmd)
		return err
	})
	if err == nil {
		r.cache.MarkStaleFor(cmd.CommandNamespace(), version)
	}
	return resultOf(version, err)
}

func (r *Router) apply(ctx context.Context, info *catalogcache.RoutingInfo, cmd Command) (model.CollectionVersion, error) {
	switch c := cmd.(type) {
	case SplitCommand:
		chunk, err := info.FindChunk(c.Find)
		if err != nil {
			return model.CollectionVersion{}, err
		}
		req := sharding.SplitRequest{
			OperationID:     c.OperationID,
			Namespace:       c.Namespace,
			ExpectedVersion: info.Version(),
			Range:           chunk.Range,
		}
		if c.Middle != nil {
			req.SplitPoints = []model.Key{c.Middle}
		}
		return r.admin.SplitChunk(ctx, req)
	case MergeCommand:
		bounds, err := model.NewChunkRange(c.Min, c.Max)
		if err != nil {
			return model.CollectionVersion{}, err
		}
		chunks := info.OverlappingChunks(bounds)
		if len(chunks) == 0 || !chunks[0].Min().Equal(c.Min) || !chunks[len(chunks)-1].Max().Equal(c.Max) {
			return model.CollectionVersion{}, fmt.Errorf("%w: %s is not bounded by chunks", common.ErrChunkNotFound, bounds)
		}
		ranges := make([]model.ChunkRange, len(chunks))
		for i, chunk := range chunks {
			ranges[i] = chunk.Range
		}
		return r.admin.MergeChunks(ctx, sharding.MergeRequest{
			OperationID:     c.OperationID,
			Namespace:       c.Namespace,
			ExpectedVersion: info.Version(),
			Ranges:          ranges,
		})
	case MoveCommand:
		chunk, err := info.FindChunk(c.Find)
		if err != nil {
			return model.CollectionVersion{}, err
		}
		return r.admin.MoveChunk(ctx, migration.MoveRequest{
			OperationID:     c.OperationID,
			Namespace:       c.Namespace,
			Range:           chunk.Range,
			To:              c.To,
			ExpectedVersion: info.Version(),
		})
	default:
		return model.CollectionVersion{}, fmt.Errorf("%w: %T", common.ErrUnknownCommand, cmd)
	}
}

func resultOf(version model.CollectionVersion, err error) Result {
	return Result{
		Outcome: common.Classify(err),
		Code:    common.CodeOf(err),
		Version: version,
		Err:     err,
	}
}

package shardserver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/catalogcache"
	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const catchupBatchSize = 100

type Config struct {
	ID                 string
	RangeDeletionDelay time.Duration
	DeleterInterval    time.Duration
}

type donation struct {
	namespace string
	rng       model.ChunkRange
	pending   []Modification
	// critical is set while donor writes to rng are blocked and closed on exit.
	critical chan struct{}
}

type cloneSession struct {
	namespace string
	rng       model.ChunkRange
	donor     string
	docs      map[string]model.Document
}

// Server is an in-process shard. It stores documents, filters them by the
// ownership recorded in its own catalog cache and plays donor or recipient in
// chunk migrations.
type Server struct {
	id      string
	cache   *catalogcache.CatalogCache
	peers   Directory
	storage *storage
	deleter *RangeDeleter

	mu        sync.Mutex
	donations map[types.UniqueID]*donation
	clones    map[types.UniqueID]*cloneSession
}

var _ Client = &Server{}
var _ common.Component = &Server{}

func NewServer(config Config, source catalogcache.Source, peers Directory) *Server {
	s := &Server{
		id:        config.ID,
		cache:     catalogcache.NewCatalogCache(source),
		peers:     peers,
		storage:   newStorage(),
		donations: make(map[types.UniqueID]*donation),
		clones:    make(map[types.UniqueID]*cloneSession),
	}
	s.deleter = NewRangeDeleter(config.RangeDeletionDelay, config.DeleterInterval, s.deleteOrphans)
	return s
}

func (s *Server) Start() error {
	return s.deleter.Start()
}

func (s *Server) Stop() error {
	return s.deleter.Stop()
}

func (s *Server) ID() string {
	return s.id
}

// Cache is the shard's own view of the catalog.
func (s *Server) Cache() *catalogcache.CatalogCache {
	return s.cache
}

func (s *Server) RangeDeleter() *RangeDeleter {
	return s.deleter
}

// StoredDocuments counts every stored document of namespace, orphans included.
func (s *Server) StoredDocuments(namespace string) int {
	return s.storage.count(namespace)
}

func staleVersionError(namespace string, shard string, received model.ChunkVersion, current model.ChunkVersion) error {
	if !received.SameEpoch(current) {
		return fmt.Errorf("%w: %w: %s on %s is at %s, request carried %s",
			common.ErrStaleVersion, common.ErrStaleEpoch, namespace, shard, current, received)
	}
	return fmt.Errorf("%w: %s on %s is at %s, request carried %s",
		common.ErrStaleVersion, namespace, shard, current, received)
}

// checkShardVersion compares the version a router targeted this shard with to
// the shard's own. When the router may know more, the shard refreshes first.
func (s *Server) checkShardVersion(ctx context.Context, namespace string, received model.ChunkVersion) (*catalogcache.RoutingInfo, error) {
	info, err := s.cache.GetRoutingInfo(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if !received.IsSet() {
		return info, nil
	}
	mine := info.ShardVersion(s.id)
	if mine.Equal(received) {
		return info, nil
	}
	if !received.SameEpoch(mine) || received.Compare(mine) > 0 {
		info, err = s.cache.Refresh(ctx, namespace)
		if err != nil {
			return nil, err
		}
		mine = info.ShardVersion(s.id)
		if mine.Equal(received) {
			return info, nil
		}
	}
	return nil, staleVersionError(namespace, s.id, received, mine)
}

func (s *Server) owns(info *catalogcache.RoutingInfo, key model.Key) bool {
	chunk, err := info.FindChunk(key)
	return err == nil && chunk.Shard == s.id
}

func (s *Server) ownsDocument(info *catalogcache.RoutingInfo, doc model.Document) (model.Key, bool) {
	key, err := info.KeyPattern().ExtractKey(doc)
	if err != nil {
		return nil, false
	}
	return key, s.owns(info, key)
}

func (s *Server) donationForLocked(namespace string, key model.Key) *donation {
	for _, d := range s.donations {
		if d.namespace == namespace && d.rng.Contains(key) {
			return d
		}
	}
	return nil
}

// installOwnedClonesLocked makes cloned data live once the catalog names this
// shard the owner of the cloned range.
func (s *Server) installOwnedClonesLocked(namespace string, info *catalogcache.RoutingInfo) {
	for id, session := range s.clones {
		if session.namespace != namespace || !s.owns(info, session.rng.Min) {
			continue
		}
		pattern := info.KeyPattern()
		removed := s.storage.deleteWhere(namespace, func(doc model.Document) bool {
			key, err := pattern.ExtractKey(doc)
			return err == nil && session.rng.Contains(key)
		})
		for docID, doc := range session.docs {
			s.storage.upsert(namespace, docID, doc)
		}
		delete(s.clones, id)
		log.Info("installed cloned range",
			zap.String("shard", s.id),
			zap.String("namespace", namespace),
			zap.Object("range", session.rng),
			zap.Int("documents", len(session.docs)),
			zap.Int("replaced", removed))
	}
}

// write applies a write to an owned key. Writes into a range in its migration
// critical section wait for it to end and then report StaleVersion so the
// router retargets.
func (s *Server) write(ctx context.Context, namespace string, key model.Key, received model.ChunkVersion, apply func() Modification) error {
	s.mu.Lock()
	info, ok := s.cache.Peek(namespace)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, namespace)
	}
	if !s.owns(info, key) {
		s.mu.Unlock()
		return staleVersionError(namespace, s.id, received, info.ShardVersion(s.id))
	}
	s.installOwnedClonesLocked(namespace, info)
	d := s.donationForLocked(namespace, key)
	if d != nil && d.critical != nil {
		wait := d.critical
		s.mu.Unlock()
		select {
		case <-wait:
			return fmt.Errorf("%w: %s of %s was migrating", common.ErrStaleVersion, key, namespace)
		case <-ctx.Done():
			return fmt.Errorf("%w: write to %s waited for a migration critical section", common.ErrExceededTimeLimit, namespace)
		}
	}
	mod := apply()
	if d != nil {
		d.pending = append(d.pending, mod)
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) Upsert(ctx context.Context, req WriteRequest) error {
	id, err := DocumentID(req.Document)
	if err != nil {
		return err
	}
	info, err := s.checkShardVersion(ctx, req.Namespace, req.ShardVersion)
	if err != nil {
		return err
	}
	key, err := info.KeyPattern().ExtractKey(req.Document)
	if err != nil {
		return err
	}
	doc := maps.Clone(req.Document)
	return s.write(ctx, req.Namespace, key, req.ShardVersion, func() Modification {
		s.storage.upsert(req.Namespace, id, doc)
		return Modification{DocumentID: id, Document: maps.Clone(doc)}
	})
}

func (s *Server) Delete(ctx context.Context, req DeleteRequest) error {
	if _, err := s.checkShardVersion(ctx, req.Namespace, req.ShardVersion); err != nil {
		return err
	}
	return s.write(ctx, req.Namespace, req.Key, req.ShardVersion, func() Modification {
		s.storage.delete(req.Namespace, req.DocumentID)
		return Modification{Deleted: true, DocumentID: req.DocumentID}
	})
}

// Find returns the documents this shard owns, never orphans.
func (s *Server) Find(ctx context.Context, req FindRequest) ([]model.Document, error) {
	info, err := s.checkShardVersion(ctx, req.Namespace, req.ShardVersion)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.installOwnedClonesLocked(req.Namespace, info)
	s.mu.Unlock()

	var out []model.Document
	s.storage.scan(req.Namespace, func(_ string, doc model.Document) bool {
		key, owned := s.ownsDocument(info, doc)
		if owned && (req.Key == nil || key.Equal(req.Key)) {
			out = append(out, doc)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i][IDField]) < fmt.Sprint(out[j][IDField])
	})
	return out, nil
}

func (s *Server) RefreshCollection(ctx context.Context, namespace string) error {
	info, err := s.cache.Refresh(ctx, namespace)
	if err != nil {
		return err
	}
	log.Debug("shard refreshed routing info", zap.String("shard", s.id), zap.String("namespace", namespace), zap.Object("version", info.Version()))
	return nil
}

func (s *Server) DropCollection(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.donations {
		if d.namespace == namespace {
			if d.critical != nil {
				close(d.critical)
			}
			delete(s.donations, id)
		}
	}
	for id, c := range s.clones {
		if c.namespace == namespace {
			delete(s.clones, id)
		}
	}
	s.storage.dropNamespace(namespace)
	s.deleter.Cancel(namespace)
	s.cache.Invalidate(namespace)
	log.Info("dropped collection data", zap.String("shard", s.id), zap.String("namespace", namespace))
	return nil
}

func (s *Server) MedianKey(ctx context.Context, namespace string, rng model.ChunkRange) (model.Key, error) {
	info, err := s.cache.GetRoutingInfo(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var keys []model.Key
	s.storage.scan(namespace, func(_ string, doc model.Document) bool {
		if key, owned := s.ownsDocument(info, doc); owned && rng.Contains(key) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	distinct := keys[:0]
	for _, k := range keys {
		if len(distinct) == 0 || !distinct[len(distinct)-1].Equal(k) {
			distinct = append(distinct, k)
		}
	}
	if len(distinct) < 2 {
		return nil, fmt.Errorf("%w: %w: %s holds %d distinct keys", common.ErrInvalidSplitPoint, common.ErrNotEnoughKeysForSplit, rng, len(distinct))
	}
	return distinct[len(distinct)/2], nil
}

func (s *Server) BeginDonation(ctx context.Context, req DonationRequest) ([]model.Document, error) {
	info, err := s.cache.Refresh(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.donations {
		if id != req.MigrationID && d.namespace == req.Namespace && d.rng.Overlaps(req.Range) {
			return nil, fmt.Errorf("%w: %s is already donating %s", common.ErrConflictingOperationInProgress, s.id, d.rng)
		}
	}
	var snapshot []model.Document
	s.storage.scan(req.Namespace, func(_ string, doc model.Document) bool {
		if key, owned := s.ownsDocument(info, doc); owned && req.Range.Contains(key) {
			snapshot = append(snapshot, doc)
		}
		return true
	})
	s.donations[req.MigrationID] = &donation{namespace: req.Namespace, rng: req.Range.Clone()}
	log.Info("began donation",
		zap.String("shard", s.id),
		zap.String("migration", req.MigrationID.String()),
		zap.Object("range", req.Range),
		zap.Int("documents", len(snapshot)))
	return snapshot, nil
}

func (s *Server) FetchModifications(ctx context.Context, migrationID types.UniqueID, limit int) ([]Modification, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[migrationID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: no donation %s on %s", common.ErrMigrationNotFound, migrationID, s.id)
	}
	n := min(limit, len(d.pending))
	batch := append([]Modification(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	return batch, len(d.pending), nil
}

func (s *Server) EnterCriticalSection(ctx context.Context, migrationID types.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.donations[migrationID]
	if !ok {
		return fmt.Errorf("%w: no donation %s on %s", common.ErrMigrationNotFound, migrationID, s.id)
	}
	if d.critical == nil {
		d.critical = make(chan struct{})
	}
	log.Info("entered critical section", zap.String("shard", s.id), zap.String("migration", migrationID.String()))
	return nil
}

func (s *Server) ExitCriticalSection(ctx context.Context, migrationID types.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.donations[migrationID]; ok && d.critical != nil {
		close(d.critical)
		d.critical = nil
		log.Info("exited critical section", zap.String("shard", s.id), zap.String("migration", migrationID.String()))
	}
	return nil
}

func (s *Server) EndDonation(ctx context.Context, migrationID types.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.donations[migrationID]; ok {
		if d.critical != nil {
			close(d.critical)
		}
		delete(s.donations, migrationID)
	}
	return nil
}

func (s *Server) StartClone(ctx context.Context, req CloneRequest) error {
	donor, err := s.peers.Shard(ctx, req.Donor)
	if err != nil {
		return err
	}
	docs, err := donor.BeginDonation(ctx, DonationRequest{
		MigrationID: req.MigrationID,
		Namespace:   req.Namespace,
		Range:       req.Range,
	})
	if err != nil {
		return err
	}
	session := &cloneSession{
		namespace: req.Namespace,
		rng:       req.Range.Clone(),
		donor:     req.Donor,
		docs:      make(map[string]model.Document, len(docs)),
	}
	for _, doc := range docs {
		id, err := DocumentID(doc)
		if err != nil {
			return err
		}
		session.docs[id] = doc
	}
	s.mu.Lock()
	s.clones[req.MigrationID] = session
	s.mu.Unlock()
	log.Info("started clone",
		zap.String("shard", s.id),
		zap.String("migration", req.MigrationID.String()),
		zap.String("donor", req.Donor),
		zap.Int("documents", len(docs)))
	return nil
}

func (s *Server) ApplyCatchupBatch(ctx context.Context, migrationID types.UniqueID) (int, error) {
	s.mu.Lock()
	session, ok := s.clones[migrationID]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: no clone %s on %s", common.ErrMigrationNotFound, migrationID, s.id)
	}
	donor, err := s.peers.Shard(ctx, session.donor)
	if err != nil {
		return 0, err
	}
	mods, remaining, err := donor.FetchModifications(ctx, migrationID, catchupBatchSize)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mod := range mods {
		if mod.Deleted {
			delete(session.docs, mod.DocumentID)
		} else {
			session.docs[mod.DocumentID] = mod.Document
		}
	}
	return remaining, nil
}

func (s *Server) AbortClone(ctx context.Context, migrationID types.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.clones[migrationID]; ok {
		delete(s.clones, migrationID)
		log.Info("discarded clone", zap.String("shard", s.id), zap.String("migration", migrationID.String()), zap.Int("documents", len(session.docs)))
	}
	return nil
}

func (s *Server) CommitOwnershipChange(ctx context.Context, req OwnershipChange) error {
	info, err := s.cache.Refresh(ctx, req.Namespace)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.id {
	case req.To:
		s.installOwnedClonesLocked(req.Namespace, info)
	case req.From:
		if d, ok := s.donations[req.MigrationID]; ok {
			if d.critical != nil {
				close(d.critical)
			}
			delete(s.donations, req.MigrationID)
		}
		s.deleter.Schedule(req.Namespace, req.Range)
	default:
		return fmt.Errorf("%w: %s is neither donor nor recipient of %s", common.ErrInvalidArgument, s.id, req.MigrationID)
	}
	return nil
}

// deleteOrphans removes documents in rng that the shard does not own.
func (s *Server) deleteOrphans(ctx context.Context, namespace string, rng model.ChunkRange) (int, error) {
	info, err := s.cache.GetRoutingInfo(ctx, namespace)
	if errors.Is(err, common.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pattern := info.KeyPattern()
	return s.storage.deleteWhere(namespace, func(doc model.Document) bool {
		key, err := pattern.ExtractKey(doc)
		return err == nil && rng.Contains(key) && !s.owns(info, key)
	}), nil
}

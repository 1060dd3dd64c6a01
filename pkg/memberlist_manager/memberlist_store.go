package memberlist_manager

import (
	"context"
	"errors"

	"github.com/chunkmeta/chunkmeta/pkg/metastore"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type IMemberlistStore interface {
	// GetMemberlist returns the shards currently registered as ready.
	GetMemberlist(ctx context.Context) (Memberlist, error)
	// UpdateMemberlist makes exactly the given members ready.
	UpdateMemberlist(ctx context.Context, memberlist Memberlist) error
}

type Member struct {
	ID      string
	Address string
}

func (m Member) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", m.ID)
	enc.AddString("address", m.Address)
	return nil
}

type Memberlist []Member

func (ml Memberlist) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, member := range ml {
		if err := enc.AppendObject(member); err != nil {
			return err
		}
	}
	return nil
}

// CatalogMemberlistStore keeps the memberlist in the catalog's shard
// registry. Shards that leave the list are marked not ready rather than
// removed since chunks may still name them. Draining shards are left alone.
type CatalogMemberlistStore struct {
	catalog metastore.Catalog
}

var _ IMemberlistStore = &CatalogMemberlistStore{}

func NewCatalogMemberlistStore(catalog metastore.Catalog) *CatalogMemberlistStore {
	return &CatalogMemberlistStore{catalog: catalog}
}

func (s *CatalogMemberlistStore) GetMemberlist(ctx context.Context) (Memberlist, error) {
	shards, err := s.catalog.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	memberlist := Memberlist{}
	for _, shard := range shards {
		if shard.Ready() {
			memberlist = append(memberlist, Member{ID: shard.ID, Address: shard.Address})
		}
	}
	return memberlist, nil
}

func (s *CatalogMemberlistStore) UpdateMemberlist(ctx context.Context, memberlist Memberlist) error {
	shards, err := s.catalog.ListShards(ctx)
	if err != nil {
		return err
	}
	current := make(map[string]*model.Shard, len(shards))
	for _, shard := range shards {
		current[shard.ID] = shard
	}
	var errs []error
	wanted := make(map[string]bool, len(memberlist))
	for _, member := range memberlist {
		wanted[member.ID] = true
		if shard, ok := current[member.ID]; ok && shard.State == model.ShardStateDraining {
			continue
		}
		err := s.catalog.UpsertShard(ctx, &model.Shard{ID: member.ID, Address: member.Address, State: model.ShardStateReady})
		if err != nil {
			errs = append(errs, err)
		}
	}
	for id, shard := range current {
		if wanted[id] || shard.State != model.ShardStateReady {
			continue
		}
		log.Info("shard left the memberlist", zap.String("shard", id))
		shard.State = model.ShardStateNotReady
		if err := s.catalog.UpsertShard(ctx, shard); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

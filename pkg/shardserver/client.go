package shardserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// Client is what the coordinator, routers and peer shards call on a shard.
type Client interface {
	ID() string

	Upsert(ctx context.Context, req WriteRequest) error
	Delete(ctx context.Context, req DeleteRequest) error
	Find(ctx context.Context, req FindRequest) ([]model.Document, error)

	RefreshCollection(ctx context.Context, namespace string) error
	DropCollection(ctx context.Context, namespace string) error
	// MedianKey returns the median shard key of the owned documents in rng.
	MedianKey(ctx context.Context, namespace string, rng model.ChunkRange) (model.Key, error)

	// Donor side of a migration.
	BeginDonation(ctx context.Context, req DonationRequest) ([]model.Document, error)
	FetchModifications(ctx context.Context, migrationID types.UniqueID, limit int) ([]Modification, int, error)
	EnterCriticalSection(ctx context.Context, migrationID types.UniqueID) error
	ExitCriticalSection(ctx context.Context, migrationID types.UniqueID) error
	EndDonation(ctx context.Context, migrationID types.UniqueID) error

	// Recipient side of a migration.
	StartClone(ctx context.Context, req CloneRequest) error
	// ApplyCatchupBatch applies one batch of donor modifications and returns
	// how many are still pending.
	ApplyCatchupBatch(ctx context.Context, migrationID types.UniqueID) (int, error)
	AbortClone(ctx context.Context, migrationID types.UniqueID) error

	// CommitOwnershipChange tells donor and recipient that the catalog now
	// records req.To as the owner of req.Range.
	CommitOwnershipChange(ctx context.Context, req OwnershipChange) error
}

// WriteRequest carries the shard version the router targeted with. An unset
// version skips the check.
type WriteRequest struct {
	Namespace    string
	ShardVersion model.ChunkVersion
	Document     model.Document
}

type DeleteRequest struct {
	Namespace    string
	ShardVersion model.ChunkVersion
	Key          model.Key
	DocumentID   string
}

// FindRequest reads documents owned by the shard. A nil Key reads them all.
type FindRequest struct {
	Namespace    string
	ShardVersion model.ChunkVersion
	Key          model.Key
}

type DonationRequest struct {
	MigrationID types.UniqueID
	Namespace   string
	Range       model.ChunkRange
}

type CloneRequest struct {
	MigrationID types.UniqueID
	Namespace   string
	Range       model.ChunkRange
	Donor       string
}

type OwnershipChange struct {
	MigrationID types.UniqueID
	Namespace   string
	Range       model.ChunkRange
	From        string
	To          string
}

// Modification is a write the donor accepted in a range being migrated.
type Modification struct {
	Deleted    bool
	DocumentID string
	Document   model.Document
}

// Directory resolves shard ids to clients.
type Directory interface {
	Shard(ctx context.Context, id string) (Client, error)
}

// LocalDirectory connects in-process shard servers. Shards can be marked
// unreachable to exercise failure handling.
type LocalDirectory struct {
	mu          sync.RWMutex
	shards      map[string]Client
	unreachable map[string]bool
}

var _ Directory = &LocalDirectory{}

func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{
		shards:      make(map[string]Client),
		unreachable: make(map[string]bool),
	}
}

func (d *LocalDirectory) Add(client Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shards[client.ID()] = client
}

func (d *LocalDirectory) SetUnreachable(id string, unreachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable[id] = unreachable
}

func (d *LocalDirectory) Shard(ctx context.Context, id string) (Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	client, ok := d.shards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrShardNotFound, id)
	}
	if d.unreachable[id] {
		return nil, fmt.Errorf("%w: %s", common.ErrShardUnreachable, id)
	}
	return client, nil
}

func (d *LocalDirectory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.shards))
	for id := range d.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

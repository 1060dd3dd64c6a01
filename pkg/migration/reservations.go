package migration

import (
	"fmt"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// reservations hold the ranges and shards of running migrations. A range is
// in at most one migration and a shard takes part in at most one.
type reservations struct {
	mu     sync.Mutex
	active map[types.UniqueID]*model.MigrationRecord
}

func newReservations() *reservations {
	return &reservations{active: make(map[types.UniqueID]*model.MigrationRecord)}
}

func (r *reservations) reserve(record *model.MigrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, other := range r.active {
		if id == record.ID {
			return fmt.Errorf("%w: migration %s is already running", common.ErrConflictingOperationInProgress, id)
		}
		if other.Namespace == record.Namespace && other.Range.Overlaps(record.Range) {
			return fmt.Errorf("%w: %s of %s is being migrated by %s",
				common.ErrConflictingOperationInProgress, other.Range, other.Namespace, id)
		}
		for _, shard := range []string{record.Donor, record.Recipient} {
			if other.Involves(shard) {
				return fmt.Errorf("%w: %s takes part in migration %s",
					common.ErrConflictingOperationInProgress, shard, id)
			}
		}
	}
	r.active[record.ID] = record
	return nil
}

func (r *reservations) release(id types.UniqueID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func (r *reservations) rangeActive(namespace string, rng model.ChunkRange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.active {
		if other.Namespace == namespace && other.Range.Overlaps(rng) {
			return true
		}
	}
	return false
}

func (r *reservations) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

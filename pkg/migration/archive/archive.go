package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// Archive keeps terminal migration records after they leave the catalog.
type Archive interface {
	Put(ctx context.Context, record *model.MigrationRecord) error
	// Get fails with ErrMigrationNotFound when nothing is archived under id.
	Get(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error)
	List(ctx context.Context, namespace string) ([]*model.MigrationRecord, error)
}

// ObjectKey is <prefix>/<namespace>/migrations/<id>.json.
func ObjectKey(prefix string, namespace string, id types.UniqueID) string {
	return path.Join(prefix, namespace, "migrations", id.String()+".json")
}

func isRecordKey(key string, id types.UniqueID) bool {
	return strings.HasSuffix(key, "/migrations/"+id.String()+".json")
}

func encodeRecord(record *model.MigrationRecord) ([]byte, error) {
	if !record.State.IsTerminal() {
		return nil, fmt.Errorf("%w: migration %s is %s", common.ErrInvalidArgument, record.ID, record.State)
	}
	return json.Marshal(record)
}

func decodeRecord(payload []byte) (*model.MigrationRecord, error) {
	var record model.MigrationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrMigrationCorrupted, err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
	prefix  string
}

var _ Archive = &MemoryArchive{}

func NewMemoryArchive(prefix string) *MemoryArchive {
	return &MemoryArchive{
		objects: make(map[string][]byte),
		prefix:  prefix,
	}
}

func (a *MemoryArchive) Put(ctx context.Context, record *model.MigrationRecord) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[ObjectKey(a.prefix, record.Namespace, record.ID)] = payload
	return nil
}

func (a *MemoryArchive) Get(ctx context.Context, id types.UniqueID) (*model.MigrationRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for key, payload := range a.objects {
		if isRecordKey(key, id) {
			return decodeRecord(payload)
		}
	}
	return nil, fmt.Errorf("%w: %s is not archived", common.ErrMigrationNotFound, id)
}

func (a *MemoryArchive) List(ctx context.Context, namespace string) ([]*model.MigrationRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	dir := path.Join(a.prefix, namespace, "migrations") + "/"
	var out []*model.MigrationRecord
	for key, payload := range a.objects {
		if !strings.HasPrefix(key, dir) {
			continue
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

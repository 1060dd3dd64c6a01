package model

import (
	"fmt"
	"strings"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// CollectionMetadata is the single catalog record describing a sharded namespace.
type CollectionMetadata struct {
	Namespace        string            `json:"namespace"`
	UUID             types.UniqueID    `json:"uuid"`
	KeyPattern       ShardKeyPattern   `json:"keyPattern"`
	Unique           bool              `json:"unique"`
	Version          CollectionVersion `json:"version"`
	DistributionMode string            `json:"distributionMode"`
	CreatedAt        types.Timestamp   `json:"createdAt"`
	UpdatedAt        types.Timestamp   `json:"updatedAt"`
}

func (c *CollectionMetadata) Epoch() types.UniqueID {
	return c.Version.Epoch
}

func (c *CollectionMetadata) Clone() *CollectionMetadata {
	if c == nil {
		return nil
	}
	out := *c
	out.KeyPattern = ShardKeyPattern{Fields: append([]KeyField(nil), c.KeyPattern.Fields...)}
	return &out
}

// ValidateNamespace checks the <db>.<collection> form.
func ValidateNamespace(ns string) error {
	db, coll, found := strings.Cut(ns, ".")
	if !found || db == "" || coll == "" || strings.ContainsAny(ns, " \t\n$") {
		return fmt.Errorf("%w: %q", common.ErrNamespaceInvalid, ns)
	}
	return nil
}

// CreateCollection describes a request to shard a namespace.
type CreateCollection struct {
	Namespace        string
	KeyPattern       ShardKeyPattern
	Unique           bool
	NumInitialChunks int
	PresplitPoints   []Key
}

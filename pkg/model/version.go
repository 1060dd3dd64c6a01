package model

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/types"
	"go.uber.org/zap/zapcore"
)

// ChunkVersion is the (epoch, major, minor) triple attached to every chunk.
// Versions are only comparable within one epoch.
type ChunkVersion struct {
	Epoch types.UniqueID `json:"epoch"`
	Major uint32         `json:"major"`
	Minor uint32         `json:"minor"`
}

// CollectionVersion is the highest chunk version of a collection.
type CollectionVersion = ChunkVersion

func NewChunkVersion(epoch types.UniqueID, major uint32, minor uint32) ChunkVersion {
	return ChunkVersion{Epoch: epoch, Major: major, Minor: minor}
}

func (v ChunkVersion) IsSet() bool {
	return !v.Epoch.IsNil()
}

func (v ChunkVersion) SameEpoch(o ChunkVersion) bool {
	return v.Epoch == o.Epoch
}

// Compare orders versions by (major, minor) and ignores the epoch.
func (v ChunkVersion) Compare(o ChunkVersion) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

// IsOlderThan is true when both versions share an epoch and v is lower.
func (v ChunkVersion) IsOlderThan(o ChunkVersion) bool {
	return v.SameEpoch(o) && v.Compare(o) < 0
}

func (v ChunkVersion) Equal(o ChunkVersion) bool {
	return v.SameEpoch(o) && v.Compare(o) == 0
}

func (v ChunkVersion) IncMinor() ChunkVersion {
	return ChunkVersion{Epoch: v.Epoch, Major: v.Major, Minor: v.Minor + 1}
}

func (v ChunkVersion) IncMajor() ChunkVersion {
	return ChunkVersion{Epoch: v.Epoch, Major: v.Major + 1, Minor: 0}
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch)
}

func (v ChunkVersion) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("epoch", v.Epoch.String())
	enc.AddUint32("major", v.Major)
	enc.AddUint32("minor", v.Minor)
	return nil
}

// MaxVersion returns the higher of two versions of the same epoch.
func MaxVersion(a ChunkVersion, b ChunkVersion) ChunkVersion {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

package model

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"go.uber.org/zap/zapcore"
)

// ChunkRange is the half open interval [Min, Max) of shard key space.
type ChunkRange struct {
	Min Key `json:"min"`
	Max Key `json:"max"`
}

func NewChunkRange(min Key, max Key) (ChunkRange, error) {
	r := ChunkRange{Min: min, Max: max}
	if err := r.Validate(); err != nil {
		return ChunkRange{}, err
	}
	return r, nil
}

// MustRange is NewChunkRange for bounds known to be valid.
func MustRange(min Key, max Key) ChunkRange {
	r, err := NewChunkRange(min, max)
	if err != nil {
		panic(err)
	}
	return r
}

// FullRange covers the whole key space of a shard key with the given number of fields.
func FullRange(fields int) ChunkRange {
	return ChunkRange{Min: GlobalMin(fields), Max: GlobalMax(fields)}
}

func (r ChunkRange) Validate() error {
	if len(r.Min) == 0 || len(r.Max) == 0 {
		return fmt.Errorf("%w: empty bound", common.ErrInvalidRange)
	}
	if len(r.Min) != len(r.Max) {
		return fmt.Errorf("%w: bounds %s and %s have different arity", common.ErrInvalidRange, r.Min, r.Max)
	}
	if r.Min.Compare(r.Max) >= 0 {
		return fmt.Errorf("%w: min %s is not below max %s", common.ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

func (r ChunkRange) Contains(key Key) bool {
	return r.Min.Compare(key) <= 0 && key.Compare(r.Max) < 0
}

func (r ChunkRange) Overlaps(other ChunkRange) bool {
	return r.Min.Compare(other.Max) < 0 && other.Min.Compare(r.Max) < 0
}

// Covers reports whether other lies entirely inside r.
func (r ChunkRange) Covers(other ChunkRange) bool {
	return r.Min.Compare(other.Min) <= 0 && other.Max.Compare(r.Max) <= 0
}

// CompareBounds orders ranges by min bound, then by max bound.
func (r ChunkRange) CompareBounds(other ChunkRange) int {
	if c := r.Min.Compare(other.Min); c != 0 {
		return c
	}
	return r.Max.Compare(other.Max)
}

func (r ChunkRange) Equal(other ChunkRange) bool {
	return r.CompareBounds(other) == 0
}

func (r ChunkRange) Clone() ChunkRange {
	return ChunkRange{Min: r.Min.Clone(), Max: r.Max.Clone()}
}

func (r ChunkRange) String() string {
	return "[" + r.Min.String() + ", " + r.Max.String() + ")"
}

func (r ChunkRange) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("min", r.Min.String())
	enc.AddString("max", r.Max.String())
	return nil
}

package chunkops

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

// ChunkLookup reads the current chunks of one namespace for planning. Each
// method returns nil when nothing matches.
type ChunkLookup interface {
	// ChunkByRange returns the chunk whose bounds are exactly r.
	ChunkByRange(r model.ChunkRange) (*model.Chunk, error)
	// ControlChunk returns the lowest chunk on shard other than exclude.
	ControlChunk(shard string, exclude types.UniqueID) (*model.Chunk, error)
}

// PlanOperation resolves the chunks op refers to and plans its transition.
func PlanOperation(coll *model.CollectionMetadata, op model.ChunkOperation, lookup ChunkLookup, newID IDGenerator) (*Transition, error) {
	switch o := op.(type) {
	case model.SplitOperation:
		if err := CheckExpectedVersion(coll.Version, o.ExpectedVersion); err != nil {
			return nil, err
		}
		parent, err := exactChunk(lookup, o.Range)
		if err != nil {
			return nil, err
		}
		return PlanSplit(coll, parent, o, newID)
	case model.MergeOperation:
		if err := CheckExpectedVersion(coll.Version, o.ExpectedVersion); err != nil {
			return nil, err
		}
		chunks := make([]*model.Chunk, 0, len(o.Ranges))
		for _, r := range o.Ranges {
			c, err := exactChunk(lookup, r)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
		}
		return PlanMerge(coll, chunks, o, newID)
	case model.MoveOperation:
		if err := o.Range.Validate(); err != nil {
			return nil, err
		}
		moved, err := lookup.ChunkByRange(o.Range)
		if err != nil {
			return nil, err
		}
		if moved == nil {
			if !o.ExpectedChunkVersion.SameEpoch(coll.Version) {
				return nil, fmt.Errorf("%w: %w: expected %s, current %s", common.ErrStaleVersion, common.ErrStaleEpoch, o.ExpectedChunkVersion, coll.Version)
			}
			return nil, fmt.Errorf("%w: no chunk has bounds %s", common.ErrStaleVersion, o.Range)
		}
		control, err := lookup.ControlChunk(o.From, moved.ID)
		if err != nil {
			return nil, err
		}
		return PlanMove(coll, moved, control, o)
	default:
		return nil, fmt.Errorf("%w: unknown chunk operation %T", common.ErrInvalidArgument, op)
	}
}

func exactChunk(lookup ChunkLookup, r model.ChunkRange) (*model.Chunk, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c, err := lookup.ChunkByRange(r)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no chunk has bounds %s", common.ErrChunkNotFound, r)
	}
	return c, nil
}

// SliceLookup is a ChunkLookup over a sorted chunk slice.
type SliceLookup []*model.Chunk

func (s SliceLookup) ChunkByRange(r model.ChunkRange) (*model.Chunk, error) {
	c, ok := model.FindChunkByRange(s, r)
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (s SliceLookup) ControlChunk(shard string, exclude types.UniqueID) (*model.Chunk, error) {
	for _, c := range s {
		if c.Shard == shard && c.ID != exclude {
			return c, nil
		}
	}
	return nil, nil
}

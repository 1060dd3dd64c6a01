package model

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
)

type ShardState string

const (
	ShardStateReady    ShardState = "ready"
	ShardStateNotReady ShardState = "not_ready"
	ShardStateDraining ShardState = "draining"
)

// Shard is a registered data bearing node.
type Shard struct {
	ID      string     `json:"id"`
	Address string     `json:"address"`
	State   ShardState `json:"state"`
}

func (s *Shard) Ready() bool {
	return s.State == ShardStateReady
}

func (s ShardState) Validate() error {
	switch s {
	case ShardStateReady, ShardStateNotReady, ShardStateDraining:
		return nil
	}
	return fmt.Errorf("%w: unknown shard state %q", common.ErrInvalidArgument, s)
}

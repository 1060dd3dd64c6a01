package migration

import (
	"time"

	"github.com/chunkmeta/chunkmeta/pkg/common"
)

type Config struct {
	// CriticalSectionTimeout bounds catch-up. A migration whose recipient has
	// not caught up by then aborts.
	CriticalSectionTimeout time.Duration `yaml:"criticalSectionTimeout"`
	// ShardRetryBudget is how many times a shard is tried before it is
	// considered unreachable.
	ShardRetryBudget   int           `yaml:"shardRetryBudget"`
	ShardRetryInterval time.Duration `yaml:"shardRetryInterval"`
	CommitRetries      int           `yaml:"commitRetries"`
}

func DefaultConfig() Config {
	return Config{
		CriticalSectionTimeout: common.DefaultCriticalSectionTimeout,
		ShardRetryBudget:       5,
		ShardRetryInterval:     200 * time.Millisecond,
		CommitRetries:          3,
	}
}

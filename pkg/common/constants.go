package common

import "time"

const (
	// DistributionModeSharded is the only distribution mode a catalog entry can have.
	DistributionModeSharded = "sharded"

	// DefaultShardVersionRetries bounds how often a router re-targets after StaleVersion.
	DefaultShardVersionRetries = 10

	DefaultCriticalSectionTimeout = 5 * time.Second
	DefaultRangeDeletionDelay     = 15 * time.Minute
	DefaultListChunksBatchSize    = 500
	DefaultNamespaceLockTimeout   = 15 * time.Second
	DefaultCacheRefreshTimeout    = 30 * time.Second

	// Membership labels used on shard pods.
	ShardMemberType = "shard"
	ShardIDLabel    = "shard-id"
)

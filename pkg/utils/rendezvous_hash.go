package utils

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/spaolacci/murmur3"
)

type Hasher = func(member string, key string) uint64

// Assign picks the member with the highest score for key. Every caller that
// sees the same member set picks the same member, whatever the order.
func Assign(key string, members []string, hasher Hasher) (string, error) {
	if len(members) == 0 {
		return "", common.ErrNoShards
	}
	if len(members) == 1 {
		return members[0], nil
	}
	if key == "" {
		return "", fmt.Errorf("%w: cannot assign empty key", common.ErrInvalidArgument)
	}

	best, bestScore := members[0], hasher(members[0], key)
	for _, member := range members[1:] {
		score := hasher(member, key)
		if score > bestScore || (score == bestScore && member < best) {
			best, bestScore = member, score
		}
	}
	return best, nil
}

// Murmur3Hasher scores member for key by hashing their concatenation.
func Murmur3Hasher(member string, key string) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte(member))
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// PrimaryShard is the shard unsharded data of a namespace lives on.
func PrimaryShard(namespace string, shards []string) (string, error) {
	return Assign(namespace, shards, Murmur3Hasher)
}

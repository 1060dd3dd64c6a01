package utils

import (
	"strconv"
	"testing"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignIsOrderIndependent(t *testing.T) {
	members := []string{"shard0", "shard1", "shard2", "shard3"}
	reversed := []string{"shard3", "shard2", "shard1", "shard0"}
	for i := 0; i < 100; i++ {
		key := "db.coll" + strconv.Itoa(i)
		a, err := Assign(key, members, Murmur3Hasher)
		require.NoError(t, err)
		b, err := Assign(key, reversed, Murmur3Hasher)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestAssignSpreadsKeys(t *testing.T) {
	members := []string{"shard0", "shard1", "shard2"}
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		m, err := PrimaryShard("db.coll"+strconv.Itoa(i), members)
		require.NoError(t, err)
		counts[m]++
	}
	for _, m := range members {
		assert.Greater(t, counts[m], 700, m)
	}
}

func TestAssignEdgeCases(t *testing.T) {
	_, err := Assign("db.coll", nil, Murmur3Hasher)
	assert.ErrorIs(t, err, common.ErrNoShards)

	m, err := Assign("", []string{"only"}, Murmur3Hasher)
	require.NoError(t, err)
	assert.Equal(t, "only", m)

	_, err = Assign("", []string{"a", "b"}, Murmur3Hasher)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

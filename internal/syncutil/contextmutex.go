// Package syncutil holds locking primitives shared by the stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when given n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-backed
// locks. Distinct keys may share a shard, so a holder must never lock a
// second key while holding the first.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext blocks until key is held or ctx is done. On success it returns
// the unlock function, which the caller must call exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards))) //nolint:gosec // len is positive and small
}

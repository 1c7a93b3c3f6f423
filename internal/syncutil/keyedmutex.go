// Package syncutil provides per-key mutual exclusion within one process.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is used when NewKeyedMutex is given a non-positive size.
const DefaultShards = 256

// KeyedMutex serializes work per string key (a booking or dispute ID)
// using a fixed pool of channel-backed locks. Memory stays bounded no
// matter how many keys are seen; unrelated keys that share a shard wait
// on each other.
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

// Lock blocks until key is free or ctx is done. The returned function
// must be called exactly once to unlock.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

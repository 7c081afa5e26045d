// Package syncutil provides bounded per-key locks. Keys hash onto a fixed
// pool of shards, so two keys may occasionally share a lock but memory never
// grows with the number of keys.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a per-key mutex. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a per-key lock whose waiters give up when their
// context ends. Operations that call out to the network while holding it use
// this variant so a stuck holder cannot pin every later request.
type ContextShardedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{} // holds a token while unlocked
}

// NewContextShardedMutex creates a context-aware sharded lock.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext waits for the lock on key. It returns the release function, or
// ctx.Err() if ctx ends first. The release function must be called exactly
// once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	token := m.shards[shardOf(key)]

	select {
	case <-token:
		return func() { token <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Package syncutil holds small locking helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex serializes work per key using a fixed pool of mutexes.
// Memory stays bounded no matter how many keys are seen; keys that share a
// shard also share a lock. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the lock for key.
func (s *ShardedMutex) Do(key string, fn func()) {
	unlock := s.Lock(key)
	defer unlock()
	fn()
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

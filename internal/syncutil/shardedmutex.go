// Package syncutil provides keyed locking primitives shared by the order
// and dispute engines. Every state transition on an aggregate (order or
// dispute) runs under the lock for that aggregate's ID, so two concurrent
// operations can never both observe the same pre-transition state.
package syncutil

import "sync"

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
//
//	defer locks.Lock(orderID)()
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// shardIndex is FNV-1a inlined so the hot path stays allocation-free.
func shardIndex(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h % 256
}

package store

import (
	"hash/fnv"
	"sync"
)

const keyedMutexShards = 64

// KeyedMutex serializes read-modify-write cycles per string key. Keys are
// hashed onto a fixed set of shards, so unrelated keys may occasionally
// share a lock; that only over-serializes, never under-serializes.
type KeyedMutex struct {
	shards [keyedMutexShards]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (k *KeyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := &k.shards[h.Sum32()%keyedMutexShards]
	shard.Lock()
	return shard.Unlock
}

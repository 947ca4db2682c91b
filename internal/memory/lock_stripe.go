package memory

import "sync"

// lockStripe gives the Store fine-grained per-key locking sufficient to
// serialize writes to the same key, adapted from the FNV-1a shard-striped
// map used by the threat-intel indicator store — here the shards hold no
// data of their own, only a mutex, since the actual values live in the
// backing KvStore.
type lockStripe struct {
	mus  []sync.Mutex
	mask uint64
}

func newLockStripe(shardPow uint8) *lockStripe {
	if shardPow > 10 {
		shardPow = 10
	}
	n := 1 << shardPow
	return &lockStripe{
		mus:  make([]sync.Mutex, n),
		mask: uint64(n - 1),
	}
}

func (l *lockStripe) lockFor(key string) *sync.Mutex {
	h := fnv32(key)
	return &l.mus[uint64(h)&l.mask]
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	const prime = 16777619
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

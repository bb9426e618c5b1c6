package delivery

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// KeyLock serializes work per delivery key. Keys hash onto a fixed arena of
// mutexes, so unrelated keys may share a shard; holders must never take a
// second key while holding one.
type KeyLock struct {
	shards []sync.Mutex
}

// NewKeyLock creates an arena with n shards (at least 1).
func NewKeyLock(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	return &KeyLock{shards: make([]sync.Mutex, n)}
}

// Lock acquires the shard for k and returns its unlock function.
func (l *KeyLock) Lock(k model.DeliveryKey) func() {
	m := &l.shards[l.shard(k)]
	m.Lock()
	return m.Unlock
}

func (l *KeyLock) shard(k model.DeliveryKey) uint64 {
	return xxhash.Sum64String(k.EventID+"\x00"+k.SubscriptionID) % uint64(len(l.shards))
}

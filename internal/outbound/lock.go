// Package outbound delivers agent messages through the gateway. Sends to the
// same destination are serialized by a keyed expiring lock, which is what
// the provider's per-destination rate constraints require.
package outbound

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// SendLock is a keyed mutual-exclusion primitive with expiry. The TTL is a
// liveness guard: a worker that dies mid-send cannot wedge its destination
// for longer than the lock lifetime.
type SendLock struct {
	cache *cache.Cache
}

// NewSendLock builds a lock set with the given TTL per key.
func NewSendLock(ttl time.Duration) *SendLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SendLock{cache: cache.New(ttl, 2*ttl)}
}

// TryAcquire takes the lock for key, returning false when it is held.
// Acquisition is atomic under the cache's internal mutex.
func (l *SendLock) TryAcquire(key string) bool {
	return l.cache.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

// Release frees the lock for key.
func (l *SendLock) Release(key string) {
	l.cache.Delete(key)
}

// Held reports how many destinations are currently locked.
func (l *SendLock) Held() int {
	return l.cache.ItemCount()
}

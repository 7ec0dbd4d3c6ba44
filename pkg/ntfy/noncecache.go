package ntfy

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NonceCacheSize is how many recent nonces the replay cache holds.
// Insertion-order eviction: the 101st nonce evicts the oldest.
const NonceCacheSize = 100

// nonceCache is the replay detector for the notification channel. It is
// the only structure mutated from the receive path; CheckAndRecord is a
// single critical section so check-then-insert stays atomic under
// concurrent duplicate deliveries. Never persisted.
type nonceCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func newNonceCache() *nonceCache {
	// Size is constant and positive, so New cannot fail.
	c, _ := lru.New[string, struct{}](NonceCacheSize)
	return &nonceCache{cache: c}
}

// CheckAndRecord returns true and records the nonce if it was not seen
// before; a replay returns false and records nothing. Contains does not
// refresh recency, so eviction order stays first-in first-out.
func (n *nonceCache) CheckAndRecord(nonce []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := string(nonce)
	if n.cache.Contains(key) {
		return false
	}
	n.cache.Add(key, struct{}{})
	return true
}

// Seen reports whether the nonce is already recorded, without touching
// recency or inserting anything.
func (n *nonceCache) Seen(nonce []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cache.Contains(string(nonce))
}

// Len returns the number of cached nonces.
func (n *nonceCache) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cache.Len()
}

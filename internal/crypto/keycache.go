package crypto

import (
	"sync"
)

// KeyCache holds the encryption password per user for sessions using
// useLoginPassword=true, so a later decrypt in the same session doesn't
// require re-entering it. Per-process, keyed by userID; entries are removed
// on logout or explicit lock, never persisted.
type KeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string][]byte)}
}

// Unlock caches the password for userID.
func (c *KeyCache) Unlock(userID string, password []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID] = password
}

// Lock zeroizes and removes the cached password for userID.
func (c *KeyCache) Lock(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[userID]; ok {
		for i := range k {
			k[i] = 0
		}
		delete(c.keys, userID)
	}
}

// Get returns the cached password for userID, consulted by
// DecryptProfilePath when the caller omits a password.
func (c *KeyCache) Get(userID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[userID]
	return k, ok
}

package security

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zeebo/blake3"
)

// Cache remembers certificates whose chain has already been verified,
// keyed by a fingerprint of the DER bytes. A nil *Cache never hits.
type Cache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[[32]byte]time.Time
}

func NewCache(ttl time.Duration, clock clockwork.Clock) *Cache {
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[[32]byte]time.Time),
	}
}

// Fingerprint returns the blake3 digest of a DER certificate.
func Fingerprint(der []byte) [32]byte {
	return blake3.Sum256(der)
}

// Valid reports whether der was verified within the TTL.
func (c *Cache) Valid(der []byte) bool {
	if c == nil {
		return false
	}
	key := Fingerprint(der)

	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.clock.Now().Before(expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Store records a successful verification of der.
func (c *Cache) Store(der []byte) {
	if c == nil {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
	c.entries[Fingerprint(der)] = now.Add(c.ttl)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

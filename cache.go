package dnsfwd

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// cacheKey identifies a cache slot by lowercased qname and qtype, per the
// data model's (QNAME, QTYPE) key.
type cacheKey struct {
	name string
	qtype uint16
}

func keyFor(q dns.Question) cacheKey {
	return cacheKey{name: strings.ToLower(q.Name), qtype: q.Qtype}
}

// CacheEntry pairs a decoded message with its absolute expiry time, per the
// data model.
type CacheEntry struct {
	Msg    *dns.Msg
	Expiry time.Time
}

// CacheBackend is the storage strategy behind Cache. It must be safe for
// concurrent use by multiple goroutines.
type CacheBackend interface {
	// Lookup returns the cached message for q, if present and unexpired.
	Lookup(q dns.Question) (*dns.Msg, bool)
	// Store inserts msg for q, computing its expiry from cacheAge and the
	// message's own answer TTLs. Replaces any existing entry.
	Store(q dns.Question, msg *dns.Msg, cacheAge int)
	// Flush removes every entry.
	Flush()
	// Size returns the number of entries currently stored.
	Size() int
}

// Cache is the concurrent (QNAME, QTYPE) response cache shared by every
// Agent under a Supervisor.
type Cache struct {
	backend CacheBackend
}

// NewCache returns a Cache backed by an in-memory map. Use NewCacheWithBackend
// to plug in an alternate backend such as Redis.
func NewCache() *Cache {
	return &Cache{backend: newMemoryBackend()}
}

// NewCacheWithBackend returns a Cache using the given backend.
func NewCacheWithBackend(b CacheBackend) *Cache {
	return &Cache{backend: b}
}

// Lookup returns a deep-enough copy of the cached message for q, if present
// and not expired, so the caller may overwrite its transaction id and TSIG
// options without corrupting the stored entry.
func (c *Cache) Lookup(q dns.Question) (*dns.Msg, bool) {
	return c.backend.Lookup(q)
}

// Insert computes the effective TTL per the data model
// (min(cacheAge, minAnswerTTL) if cacheAge > 0, else minAnswerTTL) and
// stores msg, replacing any existing entry unconditionally (last write
// wins). An entry with no answer records, or whose effective TTL is zero,
// is not stored, but it still removes any existing entry for q, just as an
// immediately expired entry would.
func (c *Cache) Insert(q dns.Question, msg *dns.Msg, cacheAge int) {
	c.backend.Store(q, msg, cacheAge)
}

// Flush removes all cached entries. Used on rule-list reload.
func (c *Cache) Flush() {
	c.backend.Flush()
}

// Size reports the number of entries currently cached.
func (c *Cache) Size() int {
	return c.backend.Size()
}

// effectiveTTL computes the cache lifetime for msg per the data model.
func effectiveTTL(msg *dns.Msg, cacheAge int) (time.Duration, bool) {
	min, ok := minAnswerTTL(msg)
	if !ok {
		return 0, false
	}
	ttl := min
	if cacheAge > 0 && uint32(cacheAge) < ttl {
		ttl = uint32(cacheAge)
	}
	return time.Duration(ttl) * time.Second, true
}

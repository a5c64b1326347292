package dnsfwd

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// memoryBackend is the default CacheBackend: a mutex-guarded map with lazy
// expiry on read. There is no capacity limit and no singleflight: duplicate
// concurrent misses for the same key may each hit upstream.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[cacheKey]*memoryEntry
}

type memoryEntry struct {
	msg    *dns.Msg
	stored time.Time
	expiry time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[cacheKey]*memoryEntry)}
}

func (b *memoryBackend) Lookup(q dns.Question) (*dns.Msg, bool) {
	k := keyFor(q)

	b.mu.Lock()
	e, ok := b.entries[k]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	if now.After(e.expiry) {
		// Lazy expiry: treat as a miss. An opportunistic sweep could also
		// delete it here; we do, to bound memory growth.
		b.mu.Lock()
		delete(b.entries, k)
		b.mu.Unlock()
		return nil, false
	}

	// Age the answer's TTLs down by however long it has sat in the cache,
	// so a client doesn't see a TTL longer than reality.
	age := uint32(now.Sub(e.stored).Seconds())
	out := e.msg.Copy()
	for _, rr := range out.Answer {
		h := rr.Header()
		if h.Ttl > age {
			h.Ttl -= age
		} else {
			h.Ttl = 0
		}
	}
	return out, true
}

func (b *memoryBackend) Store(q dns.Question, msg *dns.Msg, cacheAge int) {
	ttl, ok := effectiveTTL(msg, cacheAge)
	if !ok || ttl <= 0 {
		b.mu.Lock()
		delete(b.entries, keyFor(q))
		b.mu.Unlock()
		return
	}
	now := time.Now()
	b.mu.Lock()
	b.entries[keyFor(q)] = &memoryEntry{
		msg:    msg.Copy(),
		stored: now,
		expiry: now.Add(ttl),
	}
	b.mu.Unlock()
}

func (b *memoryBackend) Flush() {
	b.mu.Lock()
	b.entries = make(map[cacheKey]*memoryEntry)
	b.mu.Unlock()
}

func (b *memoryBackend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

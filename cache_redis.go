package dnsfwd

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisBackend is an optional CacheBackend that stores answers in Redis so
// multiple processes can share one cache. Entries are stored as the packed
// wire bytes prefixed with an 8-byte big-endian Unix timestamp of when they
// were stored, and expired using Redis's own key TTL so no background
// sweep is needed.
type redisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// RedisBackendOptions configures a Redis-backed cache.
type RedisBackendOptions struct {
	Options   redis.Options
	KeyPrefix string
}

// NewRedisBackend returns a CacheBackend backed by Redis.
func NewRedisBackend(opt RedisBackendOptions) *redisBackend {
	return &redisBackend{
		client:    redis.NewClient(&opt.Options),
		keyPrefix: opt.KeyPrefix,
	}
}

func (b *redisBackend) redisKey(q dns.Question) string {
	return fmt.Sprintf("%s%s:%d", b.keyPrefix, keyFor(q).name, q.Qtype)
}

func (b *redisBackend) Lookup(q dns.Question) (*dns.Msg, bool) {
	ctx := context.Background()
	raw, err := b.client.Get(ctx, b.redisKey(q)).Bytes()
	if err != nil {
		if err != redis.Nil {
			Log.Warn("redis cache lookup failed", "error", err)
		}
		return nil, false
	}
	if len(raw) <= 8 {
		return nil, false
	}
	stored := int64(binary.BigEndian.Uint64(raw[:8]))
	msg := new(dns.Msg)
	if err := msg.Unpack(raw[8:]); err != nil {
		Log.Warn("redis cache entry corrupt", "error", err)
		return nil, false
	}

	age := uint32(time.Now().Unix() - stored)
	for _, rr := range msg.Answer {
		h := rr.Header()
		if h.Ttl > age {
			h.Ttl -= age
		} else {
			h.Ttl = 0
		}
	}
	return msg, true
}

func (b *redisBackend) Store(q dns.Question, msg *dns.Msg, cacheAge int) {
	ttl, ok := effectiveTTL(msg, cacheAge)
	if !ok || ttl <= 0 {
		b.client.Del(context.Background(), b.redisKey(q))
		return
	}
	wire, err := msg.Pack()
	if err != nil {
		Log.Warn("failed to pack message for redis cache", "error", err)
		return
	}
	buf := make([]byte, 8+len(wire))
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().Unix()))
	copy(buf[8:], wire)

	ctx := context.Background()
	if err := b.client.Set(ctx, b.redisKey(q), buf, ttl).Err(); err != nil {
		Log.Warn("redis cache store failed", "error", errors.WithStack(err))
	}
}

func (b *redisBackend) Flush() {
	ctx := context.Background()
	iter := b.client.Scan(ctx, 0, b.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		b.client.Del(ctx, iter.Val())
	}
}

func (b *redisBackend) Size() int {
	ctx := context.Background()
	var n int
	iter := b.client.Scan(ctx, 0, b.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}

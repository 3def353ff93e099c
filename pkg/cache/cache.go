// Package cache implements a fixed-byte-budget cache fronting Redis, with
// per-entry TTL adapted to observed hit-rate decay and values above a
// compression threshold stored compressed. A get
// that misses returns absence only; it never self-populates, leaving that
// decision to the caller.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/redis/go-redis/v9"
)

// EvictionPolicy selects which local tracking discipline governs which key
// is evicted first once Capacity is exceeded.
type EvictionPolicy int

const (
	PolicyLRU EvictionPolicy = iota
	PolicyLFU
	PolicyFIFO
)

// Config sizes and tunes one BoundedCache instance.
type Config struct {
	// Capacity is the maximum number of bytes of (possibly compressed)
	// values this cache will hold before evicting.
	Capacity int64
	Policy   EvictionPolicy

	// DefaultTTLSeconds is the base per-entry TTL before the adaptive
	// multiplier is applied.
	DefaultTTLSeconds int64
	// MinTTLMultiplier / MaxTTLMultiplier bound how far observed hit-rate
	// decay can shrink or extend DefaultTTLSeconds.
	MinTTLMultiplier float64
	MaxTTLMultiplier float64

	// CompressionThresholdBytes: values at or above this size are
	// s2-compressed before storage.
	CompressionThresholdBytes int

	KeyPrefix string
}

// Cache is a Redis-backed BoundedCache with local byte-budget eviction
// tracking and hit-rate-adaptive TTL.
type Cache struct {
	cfg    Config
	client *redis.Client
	policy policy

	hitRate *ewma
}

// New constructs a Cache over an existing Redis client.
func New(cfg Config, client *redis.Client) *Cache {
	return &Cache{
		cfg:     cfg,
		client:  client,
		policy:  newPolicy(cfg.Policy),
		hitRate: newEWMA(0.2),
	}
}

const compressedFlagByte = 0x01
const rawFlagByte = 0x00

func (c *Cache) key(k string) string {
	return c.cfg.KeyPrefix + k
}

// Get fetches key. It returns (nil, false, nil) on a cache miss and updates
// the hit-rate estimator either way.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		c.hitRate.observe(0)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	c.hitRate.observe(1)
	c.policy.touch(key)

	if len(raw) == 0 {
		return nil, false, fmt.Errorf("cache: get %s: empty stored record", key)
	}
	flag, body := raw[0], raw[1:]
	if flag == rawFlagByte {
		return body, true, nil
	}
	decoded, err := s2.Decode(nil, body)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decompress %s: %w", key, err)
	}
	return decoded, true, nil
}

// Set stores value under key with an adaptive TTL, compressing it first if
// it is at or above CompressionThresholdBytes. Eviction runs synchronously
// after the write if Capacity is now exceeded.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	var stored []byte
	if len(value) >= c.cfg.CompressionThresholdBytes {
		stored = append([]byte{compressedFlagByte}, s2.Encode(nil, value)...)
	} else {
		stored = append([]byte{rawFlagByte}, value...)
	}

	ttl := c.adaptiveTTL()
	if err := c.client.Set(ctx, c.key(key), stored, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	c.policy.add(key, int64(len(stored)))

	c.evictUntilWithinCapacity(ctx)
	return nil
}

// Delete removes key from the cache and its eviction tracking.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	c.policy.remove(key)
	return nil
}

func (c *Cache) evictUntilWithinCapacity(ctx context.Context) {
	for c.policy.totalBytes() > c.cfg.Capacity {
		victim, ok := c.policy.evictionCandidate()
		if !ok {
			return
		}
		_ = c.client.Del(ctx, c.key(victim)).Err()
		c.policy.remove(victim)
	}
}

// adaptiveTTL scales DefaultTTLSeconds by the current hit rate: a cache
// with a high observed hit rate earns a longer TTL (up to MaxTTLMultiplier);
// one decaying toward misses is shortened (down to MinTTLMultiplier), so
// cold entries are freed sooner.
func (c *Cache) adaptiveTTL() time.Duration {
	rate := c.hitRate.value()
	multiplier := c.cfg.MinTTLMultiplier + rate*(c.cfg.MaxTTLMultiplier-c.cfg.MinTTLMultiplier)
	if multiplier < c.cfg.MinTTLMultiplier {
		multiplier = c.cfg.MinTTLMultiplier
	}
	if multiplier > c.cfg.MaxTTLMultiplier {
		multiplier = c.cfg.MaxTTLMultiplier
	}
	return time.Duration(float64(c.cfg.DefaultTTLSeconds) * multiplier * float64(time.Second))
}

// HitRate reports the current EWMA hit rate, in [0, 1].
func (c *Cache) HitRate() float64 {
	return c.hitRate.value()
}

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the last ListRecords result for a short time so bursts of
// callers share one round trip to the peer.
type Cache interface {
	Get(ctx context.Context) ([]Record, bool, error)
	Set(ctx context.Context, records []Record) error
}

// MemoryCache is a single-process Cache.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	records []Record
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(context.Context) ([]Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return append([]Record(nil), c.records...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append([]Record{}, records...)
	c.expires = c.now().Add(c.ttl)
	return nil
}

const defaultRedisKey = "busbridge:records"

// RedisCache shares the cached records between bridge processes. Records
// are stored as one JSON array under a key with the cache TTL.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisCache connects to addr, either host:port or a redis:// URL.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	var client redis.UniversalClient
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("discovery: redis url: %w", err)
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("discovery: redis ping %s: %w", addr, err)
	}
	return NewRedisCacheClient(client, defaultRedisKey, ttl), nil
}

// NewRedisCacheClient wraps an existing client.
func NewRedisCacheClient(client redis.UniversalClient, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) ([]Record, bool, error) {
	b, err := c.client.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, false, fmt.Errorf("discovery: decode cached records: %w", err)
	}
	return records, true, nil
}

func (c *RedisCache) Set(ctx context.Context, records []Record) error {
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, b, c.ttl).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }

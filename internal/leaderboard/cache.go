package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores aggregated payloads per game id with a freshness TTL. Get
// reports the payload's age so handlers can surface cacheMs.
type Cache interface {
	Get(ctx context.Context, gameID int) (*Payload, time.Duration, bool)
	Set(ctx context.Context, gameID int, p *Payload)
}

// MemoryCache is the default single-process cache.
type MemoryCache struct {
	mu  sync.Mutex
	m   map[int]memoryEntry
	ttl time.Duration
}

type memoryEntry struct {
	fetchedAt time.Time
	payload   *Payload
}

// NewMemoryCache creates an in-memory cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{m: make(map[int]memoryEntry), ttl: ttl}
}

// Get returns a copy of the cached payload while still fresh.
func (c *MemoryCache) Get(_ context.Context, gameID int) (*Payload, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[gameID]
	if !ok {
		return nil, 0, false
	}
	age := time.Since(e.fetchedAt)
	if age >= c.ttl {
		delete(c.m, gameID)
		return nil, 0, false
	}
	cp := *e.payload
	return &cp, age, true
}

// Set stores a payload, stamping it now.
func (c *MemoryCache) Set(_ context.Context, gameID int, p *Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[gameID] = memoryEntry{fetchedAt: time.Now(), payload: p}
}

// RedisCache shares the aggregated payload across replicas through Redis.
// It is a cache only; a cold Redis simply means a re-fetch.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

type redisEnvelope struct {
	FetchedAt time.Time `json:"fetchedAt"`
	Payload   *Payload  `json:"payload"`
}

// NewRedisCache connects to Redis and verifies connectivity; the caller
// falls back to the in-memory cache on error.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[LB-CACHE] ", log.LstdFlags),
	}, nil
}

func redisKey(gameID int) string {
	return fmt.Sprintf("leaderboard:%d", gameID)
}

// Get fetches and decodes the cached payload; any Redis or decode error is
// treated as a miss.
func (c *RedisCache) Get(ctx context.Context, gameID int) (*Payload, time.Duration, bool) {
	raw, err := c.rdb.Get(ctx, redisKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, 0, false
	}
	if err != nil {
		c.logger.Printf("get failed, treating as miss: %v", err)
		return nil, 0, false
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Payload == nil {
		return nil, 0, false
	}
	age := time.Since(env.FetchedAt)
	if age >= c.ttl {
		return nil, 0, false
	}
	return env.Payload, age, true
}

// Set stores the payload with the cache TTL as the Redis expiry.
func (c *RedisCache) Set(ctx context.Context, gameID int, p *Payload) {
	raw, err := json.Marshal(redisEnvelope{FetchedAt: time.Now(), Payload: p})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(gameID), raw, c.ttl).Err(); err != nil {
		c.logger.Printf("set failed: %v", err)
	}
}

// Close shuts down the Redis client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

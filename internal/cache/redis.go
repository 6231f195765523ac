// Package cache holds the Redis-backed entitlements cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"riskmate/api/internal/entitlements"
)

// DefaultTTL bounds how stale cached entitlements can be when an invalidation is missed.
const DefaultTTL = 5 * time.Minute

// ErrMiss is returned by Get when no cached value exists.
var ErrMiss = errors.New("cache miss")

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// EntitlementsCache stores one hash per organization, keyed by user id, so a
// subscription change can drop every member's entry with a single DEL. Each
// field carries its write time because the hash expiry is refreshed by every
// member's write.
type EntitlementsCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type cachedEntry struct {
	CachedAt     int64                     `json:"cached_at"`
	Entitlements entitlements.Entitlements `json:"entitlements"`
}

func NewEntitlementsCache(client *redis.Client, ttl time.Duration) *EntitlementsCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EntitlementsCache{client: client, prefix: "entitlements:", ttl: ttl, now: time.Now}
}

func (c *EntitlementsCache) key(orgID string) string {
	return c.prefix + orgID
}

func (c *EntitlementsCache) Get(ctx context.Context, orgID, userID string) (entitlements.Entitlements, error) {
	raw, err := c.client.HGet(ctx, c.key(orgID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return entitlements.Entitlements{}, ErrMiss
	}
	if err != nil {
		return entitlements.Entitlements{}, fmt.Errorf("read entitlements: %w", err)
	}

	var entry cachedEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entitlements.Entitlements{}, fmt.Errorf("unmarshal entitlements: %w", err)
	}
	if c.now().Sub(time.UnixMilli(entry.CachedAt)) >= c.ttl {
		return entitlements.Entitlements{}, ErrMiss
	}
	return entry.Entitlements, nil
}

func (c *EntitlementsCache) Set(ctx context.Context, orgID, userID string, ent entitlements.Entitlements) error {
	raw, err := json.Marshal(cachedEntry{CachedAt: c.now().UnixMilli(), Entitlements: ent})
	if err != nil {
		return fmt.Errorf("marshal entitlements: %w", err)
	}

	key := c.key(orgID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, userID, raw)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write entitlements: %w", err)
	}
	return nil
}

// Invalidate drops cached entitlements for every given organization.
func (c *EntitlementsCache) Invalidate(ctx context.Context, orgIDs ...string) error {
	if len(orgIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(orgIDs))
	for _, id := range orgIDs {
		if id != "" {
			keys = append(keys, c.key(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate entitlements: %w", err)
	}
	return nil
}

func (c *EntitlementsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

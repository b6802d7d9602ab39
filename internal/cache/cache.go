// Package cache holds the optional redis-backed hot-path caches. Redis is
// optional infrastructure: with no REDIS_ADDR configured every cache is a
// nil no-op and callers fall through to the database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/focusgate/internal/config"
	"go.uber.org/fx"
)

const usageTodayTTL = 30 * time.Second

func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// UsageCache keeps the per-day minute map hot for the policy engine's
// pull path. Entries are short-lived; the database stays authoritative.
type UsageCache struct {
	client *redis.Client
}

func NewUsageCache(client *redis.Client) *UsageCache {
	if client == nil {
		return nil
	}
	return &UsageCache{client: client}
}

func usageKey(userID, day string) string {
	return fmt.Sprintf("usage:day:%s:%s", userID, day)
}

func (c *UsageCache) Get(ctx context.Context, userID, day string) (map[string]int, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, usageKey(userID, day)).Bytes()
	if err != nil {
		return nil, false
	}
	var minutes map[string]int
	if err := json.Unmarshal(raw, &minutes); err != nil {
		return nil, false
	}
	return minutes, true
}

func (c *UsageCache) Set(ctx context.Context, userID, day string, minutes map[string]int) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(minutes)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, usageKey(userID, day), raw, usageTodayTTL).Err()
}

func (c *UsageCache) Invalidate(ctx context.Context, userID, day string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, usageKey(userID, day)).Err()
}

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(NewUsageCache),
)

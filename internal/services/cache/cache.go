package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a small JSON read-through cache for dashboard payloads.
// Daily summaries are immutable once the day closes, so short TTLs keep
// the dashboard cheap without a consistency protocol.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to the redis URL. An empty URL yields a nil cache; all
// methods on a nil cache degrade to misses and no-op writes.
func New(url string) (*Cache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Cache{client: redis.NewClient(opts), prefix: "xpilot"}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, prefix: "xpilot"}
}

func (c *Cache) key(parts ...string) string {
	key := c.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// DashboardKey names the cached dashboard payload for one agent-date.
func DashboardKey(agentID int64, date time.Time) []string {
	return []string{"dashboard", fmt.Sprintf("%d", agentID), date.Format("2006-01-02")}
}

func (c *Cache) Get(ctx context.Context, keyParts []string, dest any) error {
	if c == nil {
		return ErrMiss
	}
	data, err := c.client.Get(ctx, c.key(keyParts...)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *Cache) Set(ctx context.Context, keyParts []string, value any, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(keyParts...), data, ttl).Err()
}

// Invalidate drops one key; used after agent mutations so the next
// dashboard read sees fresh rows.
func (c *Cache) Invalidate(ctx context.Context, keyParts []string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(keyParts...)).Err()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

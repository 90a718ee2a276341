package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/streamgate/services/scraper/internal/domain"
)

const keyPrefix = "scraper:bundle:"

// Redis is a Store shared by every replica. Redis expiry replaces the sweep.
type Redis struct {
	Client *redis.Client
	Log    *zap.Logger
}

func NewRedis(url string, log *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{Client: redis.NewClient(opt), Log: log}, nil
}

// Get treats any Redis failure as a miss so a cache outage only costs a scrape.
func (c *Redis) Get(ctx context.Context, key string) (domain.StreamBundle, bool) {
	val, err := c.Client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Log.Warn("redis get", zap.String("key", key), zap.Error(err))
		}
		return domain.StreamBundle{}, false
	}
	var b domain.StreamBundle
	if err := json.Unmarshal(val, &b); err != nil {
		c.Log.Warn("redis decode", zap.String("key", key), zap.Error(err))
		return domain.StreamBundle{}, false
	}
	return b, true
}

func (c *Redis) Put(ctx context.Context, key string, v domain.StreamBundle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, keyPrefix+key, b, ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, key string) error {
	return c.Client.Del(ctx, keyPrefix+key).Err()
}

// Clear removes every bundle key. SCAN keeps it from blocking the server.
func (c *Redis) Clear(ctx context.Context) error {
	iter := c.Client.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.Client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.Client.Del(ctx, batch...).Err()
	}
	return nil
}

// Ping backs /readyz.
func (c *Redis) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.Client.Close()
}

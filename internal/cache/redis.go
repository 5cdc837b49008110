package cache

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/domainvault/vault/internal/domain"
)

type redisCache struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCache constructs a Redis backed domain cache. Reads fail open:
// any backend error is reported as a cache miss.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (DomainCache, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisCache{
		client:  client,
		logger:  logger,
		prefix:  "domainvault:domain:",
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, name string) (*domain.Snapshot, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := c.client.Get(opCtx, c.prefix+name).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logRedisError("get", err)
		}
		return nil, false
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		c.logRedisError("decode", err)
		return nil, false
	}
	return &snapshot, true
}

func (c *redisCache) Set(ctx context.Context, snapshot domain.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		c.logRedisError("encode", err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(opCtx, c.prefix+snapshot.Domain.Name, payload, c.ttl).Err(); err != nil {
		c.logRedisError("set", err)
	}
}

func (c *redisCache) Invalidate(ctx context.Context, name string) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Del(opCtx, c.prefix+name).Err(); err != nil {
		c.logRedisError("del", err)
	}
}

func (c *redisCache) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
}

func (c *redisCache) logRedisError(op string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Error("domain cache error", "op", op, "error", err)
}

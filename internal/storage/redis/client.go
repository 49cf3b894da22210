package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carelink/internal/model"
)

const identityKeyPrefix = "identity:"

// Client реализует storage.IdentityCache поверх Redis: identity:{credential hash} -> JSON с TTL.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Get(ctx context.Context, key string) (*model.Identity, error) {
	raw, err := c.cli.Get(ctx, identityKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	var id model.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		// битая запись — удаляем и считаем промахом
		c.cli.Del(ctx, identityKeyPrefix+key)
		return nil, nil
	}
	return &id, nil
}

func (c *Client) Set(ctx context.Context, key string, id *model.Identity, ttl time.Duration) error {
	if id == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("redis marshal identity: %w", err)
	}
	if err := c.cli.Set(ctx, identityKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set identity: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.cli.Del(ctx, identityKeyPrefix+key).Err()
}

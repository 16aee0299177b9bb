// Package redis wraps the go-redis client used to mirror gateway state.
//
// Graceful fallback: every method works on a nil *Client and returns zero
// values, so callers never branch on whether Redis is configured.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyAdaptors is the hash of adaptor key -> JSON record, inside the
// configured namespace.
const KeyAdaptors = "adaptors"

// ErrNotConfigured is returned by Connect when no URL is set.
var ErrNotConfigured = errors.New("redis URL not configured")

// Config holds Redis connection settings.
type Config struct {
	URL       string // redis://host:port/db
	Password  string
	KeyPrefix string
}

// Client is a connected Redis client scoped to a key namespace.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Connect parses cfg.URL, dials and pings. The caller owns Close.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[Redis] ✅ Connected to %s", opts.Addr)
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	log.Println("[Redis] Connection closed")
	return c.rdb.Close()
}

// Available reports whether c is usable.
func (c *Client) Available() bool { return c != nil && c.rdb != nil }

// Key returns name inside the client's namespace.
func (c *Client) Key(name string) string {
	if c == nil {
		return name
	}
	return c.prefix + name
}

// --- Hash operations ---

// HashSetJSON stores value as JSON in field of hash key. Returns false on failure.
func (c *Client) HashSetJSON(ctx context.Context, key, field string, value any) bool {
	if !c.Available() {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[Redis] hset marshal failed (%s/%s): %v", key, field, err)
		return false
	}
	if err := c.rdb.HSet(ctx, c.Key(key), field, data).Err(); err != nil {
		log.Printf("[Redis] hset failed (%s/%s): %v", key, field, err)
		return false
	}
	return true
}

// HashGetAll returns every field of hash key. Returns nil if unavailable.
func (c *Client) HashGetAll(ctx context.Context, key string) map[string]string {
	if !c.Available() {
		return nil
	}
	vals, err := c.rdb.HGetAll(ctx, c.Key(key)).Result()
	if err != nil {
		log.Printf("[Redis] hgetall failed (%s): %v", key, err)
		return nil
	}
	return vals
}

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnect_NotConfigured(t *testing.T) {
	c, err := Connect(context.Background(), Config{})
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "http://not-redis"})
	assert.Error(t, err)
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, Config{URL: "redis://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNilClient_GracefulFallback(t *testing.T) {
	var c *Client
	ctx := context.Background()

	assert.False(t, c.Available())
	assert.False(t, c.HashSetJSON(ctx, KeyAdaptors, "f", map[string]string{"a": "b"}))
	assert.Nil(t, c.HashGetAll(ctx, KeyAdaptors))
	assert.Equal(t, "adaptors", c.Key(KeyAdaptors))
	assert.NoError(t, c.Close())
}

func TestKey_UsesPrefix(t *testing.T) {
	c := &Client{prefix: "beacon:"}
	assert.Equal(t, "beacon:adaptors", c.Key(KeyAdaptors))
	// no connection yet
	assert.False(t, c.Available())
}

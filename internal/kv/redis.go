// SPDX-License-Identifier: MPL-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Keys are namespaced by label
// so several labels can share one server.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOptions parses addr as a redis:// or rediss:// URL, or as a bare
// host:port.
func RedisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url %q: %w", addr, err)
		}
		return opts, nil
	}
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	return &redis.Options{Addr: addr}, nil
}

// NewRedis opens a Redis store for label. The connection is made lazily.
func NewRedis(addr, label string) (*Redis, error) {
	opts, err := RedisOptions(addr)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opts), prefix: "wasmshim:" + label + ":"}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

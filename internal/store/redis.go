package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/roach88/twin/internal/value"
)

// Redis is a KV stored in one Redis hash. Field names are twin keys and
// field values are canonical JSON.
type Redis struct {
	client *redis.Client
	hash   string
}

var _ KV = (*Redis)(nil)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Hash is the Redis key holding all entries. Defaults to "twin:kv".
	Hash string
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Hash == "" {
		opts.Hash = "twin:kv"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", opts.Addr, err)
	}

	return &Redis{client: client, hash: opts.Hash}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (value.Value, bool, error) {
	raw, err := r.client.HGet(ctx, r.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}

	v, err := value.Parse([]byte(raw))
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: decode: %w", key, err)
	}
	return v, true, nil
}

// Set stores v under key.
func (r *Redis) Set(ctx context.Context, key string, v value.Value) error {
	data, err := value.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	if err := r.client.HSet(ctx, r.hash, key, string(data)).Err(); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// GetAll returns every entry in the hash.
func (r *Redis) GetAll(ctx context.Context) (map[string]value.Value, error) {
	raw, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("kv get all: %w", err)
	}

	out := make(map[string]value.Value, len(raw))
	for k, s := range raw {
		v, err := value.Parse([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("kv get all: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Clear deletes the whole hash. Used by tests.
func (r *Redis) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.hash).Err()
}

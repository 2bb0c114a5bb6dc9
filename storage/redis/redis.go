// Package redis provides a storage.Store backed by Redis. Each item is a
// JSON document under a prefixed key; expiry is delegated to Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/jsonrpc-stdio-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every key when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "jsonrpc:storage:"

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: JSONRPC_STDIO_REDIS_KEY_PREFIX
	KeyPrefix string `env:"JSONRPC_STDIO_REDIS_KEY_PREFIX,default=jsonrpc:storage:"`
}

// ConfigFromEnv loads a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("redis: decode config: %w", err)
	}
	return cfg, nil
}

// Store implements storage.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type storedItem struct {
	Value     []byte     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	redisKey := s.keyPrefix + o.Namespace.Key(key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", redisKey, err)
	}

	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", redisKey, err)
	}

	item := &storage.Item{Value: stored.Value, CreatedAt: stored.CreatedAt}
	if item.Value == nil {
		item.Value = []byte{}
	}
	if stored.ExpiresAt != nil {
		item.ExpiresAt = *stored.ExpiresAt
	}
	// Redis expiry has millisecond granularity; do not hand out a value
	// that is already past its deadline.
	if item.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return item, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	redisKey := s.keyPrefix + o.Namespace.Key(key)

	now := s.now()
	stored := storedItem{Value: value, CreatedAt: now}
	if o.TTL > 0 {
		exp := now.Add(o.TTL)
		stored.ExpiresAt = &exp
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", redisKey, err)
	}

	// A zero expiration means the key persists.
	if err := s.client.Set(ctx, redisKey, data, o.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", redisKey, err)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	redisKey := s.keyPrefix + o.Namespace.Key(key)

	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", redisKey, err)
	}
	return nil
}

// Clear implements storage.Store. Nested namespaces are cleared with their
// parent.
func (s *Store) Clear(ctx context.Context, opts ...storage.Option) error {
	o, err := storage.ApplyOptions(opts...)
	if err != nil {
		return err
	}
	pattern := escapeGlob(s.keyPrefix+o.Namespace.Prefix()) + "*"

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ storage.Store = (*Store)(nil)

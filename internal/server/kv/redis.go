package kv

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func init() {
	Register("redis", func(dsn string, logger *log.Logger) (Store, error) {
		return NewRedis(dsn, logger)
	})
	Register("rediss", func(dsn string, logger *log.Logger) (Store, error) {
		return NewRedis(dsn, logger)
	})
}

// redisKeyPrefix scopes every entry so the store can share a database
// with other applications.
const redisKeyPrefix = "zeke:kv:"

// redisStore keeps entries in Redis, the backend for multi-instance
// deployments. TTLs ride on Redis's native key expiry, so
// CleanupExpired has nothing to do.
type redisStore struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedis connects to the Redis at the DSN (redis://host:port/db,
// rediss:// for TLS) and verifies the connection.
func NewRedis(dsn string, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[kv] ", log.LstdFlags)
	}

	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Printf("Connected to redis at %s", opts.Addr)

	return &redisStore{client: client, logger: logger}, nil
}

func (s *redisStore) redisKey(namespace, key string) string {
	return redisKeyPrefix + join(namespace, key)
}

func (s *redisStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return false, err
	}
	claimed, err := s.client.SetNX(ctx, s.redisKey(namespace, key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim kv %s/%s: %w", namespace, key, err)
	}
	return claimed, nil
}

func (s *redisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, err
	}
	value, err := s.client.Get(ctx, s.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("kv %s/%s: %w", namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

func (s *redisStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	nsPrefix := redisKeyPrefix + namespace + "/"
	pattern := nsPrefix + globEscape(prefix) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), nsPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list kv namespace %s: %w", namespace, err)
	}
	return sortKeys(keys), nil
}

func (s *redisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *redisStore) ClearNamespace(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	pattern := redisKeyPrefix + namespace + "/*"

	var batch []string
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to clear kv namespace %s: %w", namespace, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan kv namespace %s: %w", namespace, err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to clear kv namespace %s: %w", namespace, err)
		}
	}
	return nil
}

// CleanupExpired is a no-op: Redis expires keys itself.
func (s *redisStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *redisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// globEscape neutralizes Redis MATCH wildcards so a prefix matches
// literally.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

package kv

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

func init() {
	Register("memory", func(dsn string, logger *log.Logger) (Store, error) {
		return NewMemory(), nil
	})
}

// memoryStore keeps entries in process memory. State is lost on
// restart, which makes it the development and test backend.
type memoryStore struct {
	c *gocache.Cache
}

// NewMemory creates the in-process backend.
func NewMemory() Store {
	// No janitor; CleanupExpired owns the sweep so callers control
	// when (and whether) it runs.
	return &memoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (s *memoryStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.c.Set(join(namespace, key), append([]byte(nil), value...), ttl)
	return nil
}

func (s *memoryStore) SetIfAbsent(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return false, err
	}
	// Add is atomic under the cache's lock and succeeds over an
	// expired entry.
	err := s.c.Add(join(namespace, key), append([]byte(nil), value...), ttl)
	return err == nil, nil
}

func (s *memoryStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, err
	}
	v, ok := s.c.Get(join(namespace, key))
	if !ok {
		return nil, fmt.Errorf("kv %s/%s: %w", namespace, key, ErrNotFound)
	}
	value, _ := v.([]byte)
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	nsPrefix := namespace + "/"

	var keys []string
	// Items copies only unexpired entries, so lazy expiry holds here.
	for composite := range s.c.Items() {
		if !strings.HasPrefix(composite, nsPrefix) {
			continue
		}
		key := composite[len(nsPrefix):]
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return sortKeys(keys), nil
}

func (s *memoryStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.c.Delete(join(namespace, key))
	return nil
}

func (s *memoryStore) ClearNamespace(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	nsPrefix := namespace + "/"
	for composite := range s.c.Items() {
		if strings.HasPrefix(composite, nsPrefix) {
			s.c.Delete(composite)
		}
	}
	return nil
}

func (s *memoryStore) CleanupExpired(ctx context.Context) (int, error) {
	// Approximate under concurrent writes; the count is a stat, not a
	// correctness anchor.
	before := s.c.ItemCount()
	s.c.DeleteExpired()
	removed := before - s.c.ItemCount()
	if removed < 0 {
		removed = 0
	}
	return removed, nil
}

func (s *memoryStore) Close() error {
	s.c.Flush()
	return nil
}

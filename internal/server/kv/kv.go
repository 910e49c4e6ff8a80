// Package kv implements the namespaced TTL key-value store the server's
// subsystems share.
//
// Independent subsystems (session context, automation state, the
// idempotency guard) keep their entries in separate namespaces of one
// physical store, so their keys can never collide. Every entry may carry
// a TTL; an expired entry is invisible to reads even before a cleanup
// sweep has physically removed it.
//
// Three backends are registered, selected by DSN scheme:
//
//	memory://                        in-process (development, tests)
//	file:/path/to/kv.db or a path    embedded SQLite
//	libsql://host.turso.io?...       hosted libSQL replica
//	redis://host:6379/0              shared Redis (multi-instance)
//
// Backends register themselves the way database/sql drivers do; Open
// picks one by the DSN's scheme.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Namespaces used by collaborating subsystems. Callers may introduce
// their own; a namespace must not contain '/'.
const (
	// NamespaceSession holds conversation context, keyed conv:<id>.
	NamespaceSession = "session"

	// NamespaceState holds automation state, keyed auto:<id>.
	NamespaceState = "state"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// IsNotFound reports whether err indicates a missing or expired key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is a namespaced key-value store with per-entry TTL.
//
// A ttl of zero means the entry never expires. Get never returns an
// expired entry, whether or not CleanupExpired has run; the sweep is a
// space optimization, not a correctness requirement.
type Store interface {
	// Set writes an entry, replacing any existing one.
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent writes an entry only if no live entry exists for the
	// key. It reports whether the write happened. The check and the
	// write are atomic: among concurrent calls for one key, exactly one
	// returns true.
	SetIfAbsent(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the entry's value, or ErrNotFound if the key does
	// not exist or has expired.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// List returns the live keys in the namespace that start with
	// prefix, sorted. An empty prefix lists the whole namespace.
	List(ctx context.Context, namespace, prefix string) ([]string, error)

	// Delete removes an entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// ClearNamespace removes every entry in the namespace.
	ClearNamespace(ctx context.Context, namespace string) error

	// CleanupExpired physically removes expired entries and returns
	// how many it removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Close releases the backend.
	Close() error
}

// OpenFunc creates a Store from a DSN.
type OpenFunc func(dsn string, logger *log.Logger) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]OpenFunc)
)

// Register makes a backend available to Open under the given DSN
// scheme. It panics if the scheme is already taken.
func Register(scheme string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[scheme]; dup {
		panic(fmt.Sprintf("kv: backend %q registered twice", scheme))
	}
	registry[scheme] = open
}

// Open creates the Store the DSN's scheme selects. An empty DSN opens
// the in-memory backend; a bare filesystem path opens the SQLite one.
func Open(dsn string, logger *log.Logger) (Store, error) {
	scheme := schemeOf(dsn)

	registryMu.RLock()
	open, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kv: no backend registered for scheme %q", scheme)
	}
	return open(dsn, logger)
}

// schemeOf extracts the backend selector from a DSN.
func schemeOf(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.Contains(dsn, "://"):
		return strings.ToLower(dsn[:strings.Index(dsn, "://")])
	default:
		// file:path and bare paths both mean embedded SQLite
		return "file"
	}
}

// validateKey rejects namespaces and keys the composite layout cannot
// represent.
func validateKey(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if key == "" {
		return errors.New("key is required")
	}
	return nil
}

func validateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("namespace is required")
	}
	if strings.Contains(namespace, "/") {
		return fmt.Errorf("namespace %q must not contain '/'", namespace)
	}
	return nil
}

// join builds the composite key a backend stores under.
func join(namespace, key string) string {
	return namespace + "/" + key
}

// sortKeys sorts a List result in place and returns it.
func sortKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}

package storage

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	homedir "github.com/mitchellh/go-homedir"
)

type Factory func(dsn string) (Storage, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register makes a custom backend available under scheme. Registered
// factories take precedence over the built-in schemes.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	f, ok := factoryRegistry.factories[scheme]
	return f, ok
}

// Open builds a Storage from a DSN:
//
//	diskv:///path/to/dir, file:///path or a bare path   one file per key
//	sqlite:///path/to/file.db                          single sqlite file
//	memory://                                          process-local
func Open(dsn string) (Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "diskv":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewDiskvStorage(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStorage(path)
	case "memory", "mem", "inmem":
		return NewMemoryStorage(), nil
	case "postgres", "postgresql":
		return nil, fmt.Errorf("%w: local storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

// dsnPath extracts the filesystem path of a DSN, expanding a leading ~.
// "diskv://~/data" parses with host "~", so host and path are rejoined.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	var path string
	if strings.TrimSpace(parsed.Scheme) == "" {
		path = strings.TrimSpace(raw)
	} else {
		path = strings.TrimSpace(parsed.Host + parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("storage: expand %s: %w", path, err)
	}
	return expanded, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

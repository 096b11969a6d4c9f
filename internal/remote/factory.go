package remote

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type OpenOptions struct {
	Logger     zerolog.Logger
	Token      string
	HTTPClient *http.Client
}

type Factory func(dsn string, opts OpenOptions) (Backend, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

var sharedMemory = struct {
	mu       sync.Mutex
	backends map[string]*MemoryBackend
}{backends: map[string]*MemoryBackend{}}

// Register makes a custom remote available under scheme.
func Register(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

// Open builds a Backend from a DSN:
//
//	memory://name                 process-wide store shared by name
//	postgres://user@host/db       postgres through gorm and lib/pq
//	http://host:port              a Handler served elsewhere
func Open(dsn string, opts OpenOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty remote dsn", ErrInvalidRow)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	factoryRegistry.mu.RLock()
	factory, ok := factoryRegistry.factories[scheme]
	factoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem":
		name := parsed.Host + parsed.Path
		if name == "" {
			return NewMemoryBackend(), nil
		}
		return SharedMemoryBackend(name), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, PostgresOptions{Logger: opts.Logger})
	case "http", "https":
		return NewRESTBackend(dsn, opts.Token, opts.HTTPClient), nil
	default:
		return nil, fmt.Errorf("unsupported remote scheme: %s", scheme)
	}
}

// SharedMemoryBackend returns the process-wide memory store called name,
// creating it on first use. A closed store is replaced on the next call.
func SharedMemoryBackend(name string) *MemoryBackend {
	sharedMemory.mu.Lock()
	defer sharedMemory.mu.Unlock()
	if b, ok := sharedMemory.backends[name]; ok && !b.isClosed() {
		return b
	}
	b := NewMemoryBackend()
	sharedMemory.backends[name] = b
	return b
}

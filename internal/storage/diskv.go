package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/peterbourgon/diskv/v3"
)

const (
	diskvCacheSizeMax = 1024 * 1024 // 1MB
	lockFileName      = ".lock"
	tempDirName       = ".tmp"
)

// DiskvStorage keeps one file per key under a data directory. Writes go
// through a temp dir and are renamed into place, so a crash mid-write
// leaves the previous value intact.
type DiskvStorage struct {
	d        *diskv.Diskv
	basePath string
	lock     *dirLock

	mu     sync.Mutex
	stale  map[string]bool
	closed bool
}

func NewDiskvStorage(basePath string) (*DiskvStorage, error) {
	if basePath == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	lock, err := acquireDirLock(filepath.Join(basePath, lockFileName))
	if err != nil {
		return nil, err
	}
	d := diskv.New(diskv.Options{
		BasePath:     basePath,
		TempDir:      filepath.Join(basePath, tempDirName),
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: diskvCacheSizeMax,
		FilePerm:     0o600,
	})
	return &DiskvStorage{d: d, basePath: basePath, lock: lock, stale: map[string]bool{}}, nil
}

func (s *DiskvStorage) Get(key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	direct := s.stale[key]
	delete(s.stale, key)
	s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if direct {
		// bypass the cache: another process rewrote the file
		var rc io.ReadCloser
		rc, err = s.d.ReadStream(key, true)
		if err == nil {
			data, err = io.ReadAll(rc)
			_ = rc.Close()
		}
	} else {
		data, err = s.d.Read(key)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

func (s *DiskvStorage) Put(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.d.Write(key, value); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

func (s *DiskvStorage) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.d.Erase(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: erase %s: %w", key, err)
	}
	return nil
}

func (s *DiskvStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.lock.release()
}

func (s *DiskvStorage) BasePath() string {
	return s.basePath
}

func (s *DiskvStorage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *DiskvStorage) markStale(key string) {
	s.mu.Lock()
	s.stale[key] = true
	s.mu.Unlock()
}

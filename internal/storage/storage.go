// Package storage is the device-local durable key/value layer. Every value
// is an opaque byte slice, usually JSON; the keys the rest of the module
// uses are declared here so each backend stores the same layout.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("storage: key not found")
	ErrInvalidInput   = errors.New("storage: invalid input")
	ErrClosed         = errors.New("storage: closed")
	ErrLocked         = errors.New("storage: data directory locked by another process")
	ErrNotImplemented = errors.New("storage: not implemented")
)

const (
	KeySnapshot          = "workspaces"
	KeyCurrentTable      = "current-table-id"
	KeyPendingOperations = "pending-operations"
	KeySettings          = "app-settings"
	KeyDeviceID          = "device-id"
)

// PendingSyncKey is where teardown parks an unfinished push for user.
func PendingSyncKey(userID string) string {
	return "pending-sync." + userID
}

// BaselineKey holds the ids known to exist remotely for user.
func BaselineKey(userID string) string {
	return "sync-baseline." + userID
}

type Storage interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Event reports that key was changed, possibly by another process.
type Event struct {
	Key string
}

// Watchable is implemented by backends that can observe writes made
// outside this process.
type Watchable interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: key %q", ErrInvalidInput, key)
	}
	return nil
}

// GetJSON decodes the value stored under key into v. Missing keys return
// ErrNotFound untouched so callers can tell "never written" apart.
func GetJSON(s Storage, key string, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func PutJSON(s Storage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(key, data)
}

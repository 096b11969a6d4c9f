package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	dir := t.TempDir()
	disk, err := Open("diskv://" + filepath.Join(dir, "data"))
	require.NoError(t, err)
	lite, err := Open("sqlite://" + filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	mem, err := Open("memory://")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = disk.Close()
		_ = lite.Close()
		_ = mem.Close()
	})
	return map[string]Storage{"diskv": disk, "sqlite": lite, "memory": mem}
}

func TestBackendsRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(KeySnapshot)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(KeySnapshot, []byte(`[{"id":"w1"}]`)))
			require.NoError(t, s.Put(KeySnapshot, []byte(`[{"id":"w2"}]`)))
			got, err := s.Get(KeySnapshot)
			require.NoError(t, err)
			assert.JSONEq(t, `[{"id":"w2"}]`, string(got))

			require.NoError(t, s.Put(PendingSyncKey("user-1"), []byte(`{}`)))
			require.NoError(t, s.Delete(PendingSyncKey("user-1")))
			_, err = s.Get(PendingSyncKey("user-1"))
			require.ErrorIs(t, err, ErrNotFound)

			// deleting a missing key is not an error
			require.NoError(t, s.Delete("never-written"))
		})
	}
}

func TestRejectsReservedKeys(t *testing.T) {
	s := NewMemoryStorage()
	for _, key := range []string{"", "a/b", ".lock", `a\b`} {
		err := s.Put(key, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidInput, key)
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStorage()
	type payload struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, PutJSON(s, KeySettings, payload{UserID: "u1"}))
	var got payload
	require.NoError(t, GetJSON(s, KeySettings, &got))
	assert.Equal(t, "u1", got.UserID)

	err := GetJSON(s, KeyCurrentTable, &got)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDiskvSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewDiskvStorage(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(KeyPendingOperations, []byte(`[{"id":"op1"}]`)))
	require.NoError(t, s.Close())

	reopened, err := NewDiskvStorage(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(KeyPendingOperations)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"op1"}]`, string(got))
}

func TestDiskvLockIsExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	first, err := NewDiskvStorage(dir)
	require.NoError(t, err)

	_, err = NewDiskvStorage(dir)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := NewDiskvStorage(dir)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestDiskvWatchSeesExternalWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := NewDiskvStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(KeySnapshot, []byte(`"old"`)))
	got, err := s.Get(KeySnapshot)
	require.NoError(t, err)
	require.Equal(t, `"old"`, string(got))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.Watch(ctx)
	require.NoError(t, err)

	// another process rewrites the file behind the cache
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeySnapshot), []byte(`"new"`), 0o600))

	select {
	case ev := <-events:
		assert.Equal(t, KeySnapshot, ev.Key)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for watch event")
	}
	got, err = s.Get(KeySnapshot)
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(got))
}

func TestOpenDSN(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Open("postgres://localhost/relaynote")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = Open("ftp://example.com/x")
	assert.Error(t, err)

	called := false
	Register("custom", func(dsn string) (Storage, error) {
		called = true
		return NewMemoryStorage(), nil
	})
	s, err := Open("custom://anything")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, called)
}

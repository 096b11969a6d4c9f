// Package localstore owns this device's authoritative in-memory copy of the
// document tree. Every change replaces the snapshot wholesale, persists it,
// and notifies observers synchronously in the order changes were applied.
package localstore

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/storage"
)

// Origin says who produced a change. Only local and history changes need
// to be pushed to the remote store.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginHistory  Origin = "history"
	OriginRemote   Origin = "remote"
	OriginRealtime Origin = "realtime"
)

// NeedsPush reports whether changes of this origin carry local edits.
func (o Origin) NeedsPush() bool {
	return o == OriginLocal || o == OriginHistory
}

// Deletion is an entity that disappeared from the tree, with the workspace
// it was in.
type Deletion struct {
	Ref         document.EntityRef `json:"ref"`
	WorkspaceID string             `json:"workspaceId,omitempty"`
}

type Change struct {
	Snapshot   document.Snapshot
	Previous   document.Snapshot
	Origin     Origin
	Placements []document.Placement
	Deletes    []Deletion
	Added      []document.EntityRef
	At         time.Time
}

type Observer func(Change)

type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

type Stats struct {
	Saves            int       `json:"saves"`
	PersistFailures  int       `json:"persistFailures"`
	LastPersistError string    `json:"lastPersistError,omitempty"`
	LastSavedAt      time.Time `json:"lastSavedAt,omitempty"`
}

type Store struct {
	storage storage.Storage
	log     zerolog.Logger
	now     func() time.Time

	// applyMu serializes writers and observer delivery.
	applyMu sync.Mutex

	mu           sync.RWMutex
	snap         document.Snapshot
	currentTable string
	stats        Stats
	observers    map[int]Observer
	nextObserver int
	// persisted is the hash of the snapshot bytes this store last wrote or
	// read, so its own writes are not reloaded.
	persisted [sha256.Size]byte
}

var errUnchanged = errors.New("localstore: unchanged")

// Open restores the snapshot and current table id from st. Missing keys
// start an empty tree.
func Open(st storage.Storage, opts Options) (*Store, error) {
	if st == nil {
		return nil, storage.ErrInvalidInput
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		storage:   st,
		log:       opts.Logger.With().Str("component", "localstore").Logger(),
		now:       opts.Now,
		snap:      document.Snapshot{},
		observers: map[int]Observer{},
	}
	snap, err := s.loadSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.snap = snap
	}
	var current string
	if err := storage.GetJSON(st, storage.KeyCurrentTable, &current); err == nil {
		s.currentTable = current
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn().Err(err).Msg("ignoring unreadable current table id")
	}
	return s, nil
}

func (s *Store) loadSnapshot() (document.Snapshot, error) {
	data, err := s.storage.Get(storage.KeySnapshot)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap document.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.mu.Lock()
	s.persisted = sha256.Sum256(data)
	s.mu.Unlock()
	return snap, nil
}

func (s *Store) Snapshot() document.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Apply runs a local mutation. On error the snapshot is left untouched.
func (s *Store) Apply(m Mutation) (document.Snapshot, error) {
	return s.ApplyWithOrigin(m, OriginLocal)
}

func (s *Store) ApplyWithOrigin(m Mutation, origin Origin) (document.Snapshot, error) {
	if m == nil {
		return nil, document.ErrInvalidInput
	}
	return s.Update(origin, func(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
		return m.Apply(snap, now)
	})
}

// Update replaces the snapshot with fn's result. fn receives the current
// snapshot under the writer lock, so read-modify-write sequences from
// different goroutines never interleave.
func (s *Store) Update(origin Origin, fn func(document.Snapshot, time.Time) (document.Snapshot, error)) (document.Snapshot, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	prev := s.Snapshot()
	now := s.now().UTC().Truncate(time.Millisecond)
	next, err := fn(prev, now)
	if err != nil {
		return prev, err
	}
	if next == nil {
		next = document.Snapshot{}
	}
	s.commitLocked(prev, next, origin, now)
	return next, nil
}

// Replace installs snap as the new snapshot, e.g. after a merge or an undo.
func (s *Store) Replace(snap document.Snapshot, origin Origin) document.Snapshot {
	next, _ := s.Update(origin, func(document.Snapshot, time.Time) (document.Snapshot, error) {
		return snap, nil
	})
	return next
}

// Reload re-reads the persisted snapshot, picking up a file rewritten
// outside this process. It reports whether the tree changed. The read
// happens under the writer lock, and bytes this store wrote itself are
// skipped.
func (s *Store) Reload() (bool, error) {
	_, err := s.Update(OriginLocal, func(prev document.Snapshot, _ time.Time) (document.Snapshot, error) {
		data, err := s.storage.Get(storage.KeySnapshot)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errUnchanged
		}
		if err != nil {
			return nil, fmt.Errorf("reload snapshot: %w", err)
		}
		sum := sha256.Sum256(data)
		s.mu.RLock()
		own := sum == s.persisted
		s.mu.RUnlock()
		if own {
			return nil, errUnchanged
		}
		var snap document.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("reload snapshot: %w", err)
		}
		s.mu.Lock()
		s.persisted = sum
		s.mu.Unlock()
		if reflect.DeepEqual(prev, snap) {
			return nil, errUnchanged
		}
		return snap, nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) commitLocked(prev, next document.Snapshot, origin Origin, now time.Time) {
	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	s.persist(next, now)

	change := diff(prev, next)
	change.Origin = origin
	change.At = now
	for _, obs := range s.observerList() {
		obs(change)
	}
}

// persist failures are logged and counted; the in-memory tree stays
// authoritative.
func (s *Store) persist(snap document.Snapshot, now time.Time) {
	data, err := json.Marshal(snap)
	if err == nil {
		err = s.storage.Put(storage.KeySnapshot, data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.PersistFailures++
		s.stats.LastPersistError = err.Error()
		s.log.Error().Err(err).Msg("persist snapshot failed")
		return
	}
	s.persisted = sha256.Sum256(data)
	s.stats.Saves++
	s.stats.LastSavedAt = now
}

// Subscribe registers an observer called synchronously after every change.
// Observers must not call back into Update, Apply, or Replace.
func (s *Store) Subscribe(obs Observer) (cancel func()) {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = obs
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) observerList() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *Store) CurrentTable() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTable
}

// SetCurrentTable remembers the last viewed table. It is UI state: it is
// persisted but neither recorded in history nor synced.
func (s *Store) SetCurrentTable(id string) error {
	if id != "" {
		if _, _, ok := s.Snapshot().FindTable(id); !ok {
			return fmt.Errorf("table %s: %w", id, document.ErrNotFound)
		}
	}
	s.mu.Lock()
	s.currentTable = id
	s.mu.Unlock()
	return storage.PutJSON(s.storage, storage.KeyCurrentTable, id)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

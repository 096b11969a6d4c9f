// Package pendingops keeps delete intents (tombstones) durable until the
// remote store confirms them. A tombstone is written to local storage
// before EnqueueDelete returns, so a restart between the local delete and
// the next push cannot resurrect the entity.
package pendingops

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/storage"
)

type OperationKind string

const KindDelete OperationKind = "delete"

type Operation struct {
	ID          string              `json:"id"`
	Kind        OperationKind       `json:"kind"`
	EntityType  document.EntityKind `json:"entityType"`
	EntityID    string              `json:"entityId"`
	WorkspaceID string              `json:"workspaceId,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Attempts    int                 `json:"attempts,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
}

func (o Operation) Ref() document.EntityRef {
	return document.EntityRef{Kind: o.EntityType, ID: o.EntityID}
}

type Options struct {
	Now   func() time.Time
	NewID func() string
}

type Queue struct {
	store storage.Storage
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	items []Operation
}

// Open loads the queue persisted in store. A missing key is an empty queue.
func Open(store storage.Storage, opts Options) (*Queue, error) {
	if store == nil {
		return nil, storage.ErrInvalidInput
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = document.NewID
	}
	q := &Queue{store: store, now: opts.Now, newID: opts.NewID, items: []Operation{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	var items []Operation
	err := storage.GetJSON(q.store, storage.KeyPendingOperations, &items)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}
	if items != nil {
		q.items = items
	}
	return nil
}

// EnqueueDelete records a delete for the entity. Enqueuing an entity that
// already has a tombstone returns the existing operation.
func (q *Queue) EnqueueDelete(kind document.EntityKind, id, workspaceID string) (Operation, error) {
	if !kind.Valid() || id == "" {
		return Operation{}, fmt.Errorf("enqueue %s:%s: %w", kind, id, document.ErrInvalidInput)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.EntityType == kind && op.EntityID == id {
			return op, nil
		}
	}
	op := Operation{
		ID:          q.newID(),
		Kind:        KindDelete,
		EntityType:  kind,
		EntityID:    id,
		WorkspaceID: workspaceID,
		Timestamp:   q.now().UTC(),
	}
	q.items = append(q.items, op)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Operation{}, err
	}
	return op, nil
}

// Drain returns every outstanding operation in enqueue order. Operations
// stay queued until Remove is called for them.
func (q *Queue) Drain() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.items...)
}

func (q *Queue) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	kept := make([]Operation, 0, len(prev))
	for _, op := range prev {
		if !drop[op.ID] {
			kept = append(kept, op)
		}
	}
	if len(kept) == len(prev) {
		return nil
	}
	q.items = kept
	if err := q.saveLocked(); err != nil {
		q.items = prev
		return err
	}
	return nil
}

// Cancel drops the tombstones of entities that reappeared locally, e.g.
// after undoing a permanent delete. It returns how many were dropped.
func (q *Queue) Cancel(refs ...document.EntityRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	want := make(map[document.EntityRef]bool, len(refs))
	for _, ref := range refs {
		want[ref] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.items
	kept := make([]Operation, 0, len(prev))
	for _, op := range prev {
		if !want[op.Ref()] {
			kept = append(kept, op)
		}
	}
	dropped := len(prev) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	q.items = kept
	if err := q.saveLocked(); err != nil {
		q.items = prev
		return 0, err
	}
	return dropped, nil
}

// MarkFailed bumps the attempt counter of an operation that will be retried
// on the next push cycle.
func (q *Queue) MarkFailed(id string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Attempts++
			if cause != nil {
				q.items[i].LastError = cause.Error()
			}
			// best effort; the tombstone itself is already durable
			_ = q.saveLocked()
			return
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the set of entities with an unconfirmed delete.
func (q *Queue) Pending() map[document.EntityRef]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[document.EntityRef]bool, len(q.items))
	for _, op := range q.items {
		out[op.Ref()] = true
	}
	return out
}

func (q *Queue) Contains(ref document.EntityRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.Ref() == ref {
			return true
		}
	}
	return false
}

func (q *Queue) saveLocked() error {
	if err := storage.PutJSON(q.store, storage.KeyPendingOperations, q.items); err != nil {
		return fmt.Errorf("save pending operations: %w", err)
	}
	return nil
}

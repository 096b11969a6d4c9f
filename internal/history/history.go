// Package history wraps the local store with bounded undo and redo of whole
// snapshots.
package history

import (
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
)

const DefaultCapacity = 50

// step is one undo or redo target. added holds the entities that the
// transition away from snap introduced locally; only those may vanish
// when snap is restored.
type step struct {
	snap  document.Snapshot
	added map[document.EntityRef]bool
}

// ring keeps the newest capacity steps; pushing onto a full ring drops
// the oldest.
type ring struct {
	items []step
	head  int
	size  int
}

func newRing(capacity int) ring {
	return ring{items: make([]step, capacity)}
}

func (r *ring) push(s step) {
	idx := (r.head + r.size) % len(r.items)
	r.items[idx] = s
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

func (r *ring) pop() (step, bool) {
	if r.size == 0 {
		return step{}, false
	}
	idx := (r.head + r.size - 1) % len(r.items)
	s := r.items[idx]
	r.items[idx] = step{}
	r.size--
	return s, true
}

func (r *ring) clear() {
	for i := range r.items {
		r.items[i] = step{}
	}
	r.head, r.size = 0, 0
}

// Manager records the snapshot preceding every local mutation. Undo and
// redo swap snapshots between the two stacks and apply them with
// OriginHistory so they are never recorded themselves. Entities that
// arrived from elsewhere after a snapshot was taken are carried into it
// on restore, so undo never removes another device's work.
type Manager struct {
	store *localstore.Store

	mu   sync.Mutex
	undo ring
	redo ring
}

func New(store *localstore.Store, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{store: store, undo: newRing(capacity), redo: newRing(capacity)}
}

// Apply runs m against the store and records the prior snapshot. A failed
// mutation records nothing.
func (m *Manager) Apply(mut localstore.Mutation) (document.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev document.Snapshot
	next, err := m.store.Update(localstore.OriginLocal, func(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
		prev = snap
		return mut.Apply(snap, now)
	})
	if err != nil {
		return next, err
	}
	m.recordLocked(prev, next)
	return next, nil
}

// Record pushes prev onto the undo stack and clears redo. Use it for
// mutations applied to the store without going through Apply.
func (m *Manager) Record(prev, next document.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(prev, next)
}

func (m *Manager) recordLocked(prev, next document.Snapshot) {
	m.undo.push(step{snap: prev, added: introduced(prev, next)})
	m.redo.clear()
}

// Undo restores the previous snapshot. It reports false when there is
// nothing to undo.
func (m *Manager) Undo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap(&m.undo, &m.redo)
}

func (m *Manager) Redo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap(&m.redo, &m.undo)
}

func (m *Manager) swap(from, to *ring) bool {
	target, ok := from.pop()
	if !ok {
		return false
	}
	var current document.Snapshot
	restored, _ := m.store.Update(localstore.OriginHistory, func(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
		current = snap
		return carryForeign(target.snap, snap, target.added), nil
	})
	to.push(step{snap: current, added: introduced(current, restored)})
	return true
}

// introduced lists the entities present in next but not in prev.
func introduced(prev, next document.Snapshot) map[document.EntityRef]bool {
	before := map[document.EntityRef]bool{}
	for _, ref := range prev.Refs() {
		before[ref] = true
	}
	out := map[document.EntityRef]bool{}
	for _, ref := range next.Refs() {
		if !before[ref] {
			out[ref] = true
		}
	}
	return out
}

// carryForeign returns target plus every entity of current that target
// lacks and that is not in added. Foreign workspaces keep their position
// and bring their children; foreign tables and notes land in their
// workspace when target has it.
func carryForeign(target, current document.Snapshot, added map[document.EntityRef]bool) document.Snapshot {
	out := target
	for i, ws := range current {
		ref := document.EntityRef{Kind: document.KindWorkspace, ID: ws.ID}
		if added[ref] || out.Contains(ref) {
			continue
		}
		carried := ws
		carried.Tables = make([]document.Table, 0, len(ws.Tables))
		for _, t := range ws.Tables {
			tref := document.EntityRef{Kind: document.KindTable, ID: t.ID}
			if !added[tref] && !out.Contains(tref) {
				carried.Tables = append(carried.Tables, t)
			}
		}
		carried.Notes = make([]document.Note, 0, len(ws.Notes))
		for _, n := range ws.Notes {
			nref := document.EntityRef{Kind: document.KindNote, ID: n.ID}
			if !added[nref] && !out.Contains(nref) {
				carried.Notes = append(carried.Notes, n)
			}
		}
		out = out.InsertWorkspace(i, carried)
	}
	for _, ws := range current {
		if out.WorkspaceIndex(ws.ID) < 0 {
			continue
		}
		for i, t := range ws.Tables {
			ref := document.EntityRef{Kind: document.KindTable, ID: t.ID}
			if added[ref] || out.Contains(ref) {
				continue
			}
			out, _ = out.InsertTable(ws.ID, i, t)
		}
		for i, n := range ws.Notes {
			ref := document.EntityRef{Kind: document.KindNote, ID: n.ID}
			if added[ref] || out.Contains(ref) {
				continue
			}
			out, _ = out.InsertNote(ws.ID, i, n)
		}
	}
	return out
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undo.size > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redo.size > 0
}

// Depth returns the number of undoable and redoable steps.
func (m *Manager) Depth() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undo.size, m.redo.size
}

// Clear drops both stacks, e.g. on sign-out.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo.clear()
	m.redo.clear()
}

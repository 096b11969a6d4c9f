package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

// fingerprints remembers the last row state known to be on the remote for
// every entity, and the baseline: the set of entities this device has seen
// confirmed remotely. A nil baseline means no pull or push has succeeded
// for the signed-in user yet.
type fingerprints struct {
	mu       sync.Mutex
	known    map[document.EntityRef]string
	baseline map[document.EntityRef]bool
}

func newFingerprints() *fingerprints {
	return &fingerprints{known: map[document.EntityRef]string{}}
}

func (f *fingerprints) reset(baseline map[document.EntityRef]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known = map[document.EntityRef]string{}
	f.baseline = baseline
}

func (f *fingerprints) hasBaseline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseline != nil
}

func (f *fingerprints) baselineCopy() map[document.EntityRef]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.baseline == nil {
		return nil
	}
	out := make(map[document.EntityRef]bool, len(f.baseline))
	for ref := range f.baseline {
		out[ref] = true
	}
	return out
}

func (f *fingerprints) matches(ref document.EntityRef, fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[ref] == fp
}

func (f *fingerprints) record(ref document.EntityRef, fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[ref] = fp
	if f.baseline == nil {
		f.baseline = map[document.EntityRef]bool{}
	}
	f.baseline[ref] = true
}

func (f *fingerprints) forget(ref document.EntityRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, ref)
	delete(f.baseline, ref)
}

// replace installs the state learned from a full pull.
func (f *fingerprints) replace(known map[document.EntityRef]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known = known
	f.baseline = make(map[document.EntityRef]bool, len(known))
	for ref := range known {
		f.baseline[ref] = true
	}
}

func rowFingerprint(row remote.Row) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// snapshotFingerprints computes the row fingerprint of every entity in
// snap, with list indices as positions.
func snapshotFingerprints(snap document.Snapshot) (map[document.EntityRef]string, error) {
	wsRows, tableRows, noteRows, err := remote.SnapshotRows(snap)
	if err != nil {
		return nil, err
	}
	out := make(map[document.EntityRef]string, len(wsRows)+len(tableRows)+len(noteRows))
	add := func(row remote.Row) error {
		fp, err := rowFingerprint(row)
		if err != nil {
			return err
		}
		out[document.EntityRef{Kind: row.EntityKind(), ID: row.EntityID()}] = fp
		return nil
	}
	for _, r := range wsRows {
		if err := add(r); err != nil {
			return nil, err
		}
	}
	for _, r := range tableRows {
		if err := add(r); err != nil {
			return nil, err
		}
	}
	for _, r := range noteRows {
		if err := add(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// entityRow builds the wire row of one entity at its current placement.
func entityRow(snap document.Snapshot, ref document.EntityRef) (remote.Row, bool, error) {
	if ref.Kind == document.KindWorkspace {
		i := snap.WorkspaceIndex(ref.ID)
		if i < 0 {
			return nil, false, nil
		}
		return remote.WorkspaceToRow(snap[i], i), true, nil
	}
	p, ok := snap.PlacementOf(ref)
	if !ok {
		return nil, false, nil
	}
	switch ref.Kind {
	case document.KindTable:
		t, wsID, _ := snap.FindTable(ref.ID)
		row, err := remote.TableToRow(t, wsID, p.Position)
		return row, true, err
	case document.KindNote:
		n, wsID, _ := snap.FindNote(ref.ID)
		return remote.NoteToRow(n, wsID, p.Position), true, nil
	}
	return nil, false, nil
}

type pendingSync struct {
	UserID   string            `json:"userId"`
	Snapshot document.Snapshot `json:"snapshot"`
	SavedAt  time.Time         `json:"savedAt"`
}

func (o *Orchestrator) loadBaseline(user string) (map[document.EntityRef]bool, error) {
	var refs []document.EntityRef
	err := storage.GetJSON(o.storage, storage.BaselineKey(user), &refs)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[document.EntityRef]bool, len(refs))
	for _, ref := range refs {
		out[ref] = true
	}
	return out, nil
}

func (o *Orchestrator) saveBaseline(user string) {
	base := o.fingerprint.baselineCopy()
	if base == nil || user == "" {
		return
	}
	refs := make([]document.EntityRef, 0, len(base))
	for ref := range base {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	if err := storage.PutJSON(o.storage, storage.BaselineKey(user), refs); err != nil {
		o.log.Error().Err(err).Msg("persist sync baseline failed")
	}
}

func (o *Orchestrator) loadPendingSync(user string) (pendingSync, bool) {
	var p pendingSync
	err := storage.GetJSON(o.storage, storage.PendingSyncKey(user), &p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.log.Warn().Err(err).Msg("ignoring unreadable pending sync")
		}
		return pendingSync{}, false
	}
	if p.UserID != user {
		return pendingSync{}, false
	}
	return p, true
}

func (o *Orchestrator) clearPendingSync(user string) {
	if err := o.storage.Delete(storage.PendingSyncKey(user)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		o.log.Warn().Err(err).Msg("clear pending sync failed")
	}
}

// Teardown synchronously records an unfinished push so the next SignIn of
// the same user flushes it before pulling. It is a no-op when nothing is
// pending.
func (o *Orchestrator) Teardown() error {
	o.mu.Lock()
	user, dirty := o.user, o.dirty
	o.mu.Unlock()
	if user == "" || !dirty {
		return nil
	}
	return storage.PutJSON(o.storage, storage.PendingSyncKey(user), pendingSync{
		UserID:   user,
		Snapshot: o.store.Snapshot(),
		SavedAt:  o.opts.Now().UTC(),
	})
}

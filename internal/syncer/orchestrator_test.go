package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/history"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

// clock hands out strictly increasing times so devices sharing it order
// their edits deterministically.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type device struct {
	storage *storage.MemoryStorage
	store   *localstore.Store
	queue   *pendingops.Queue
	history *history.Manager
	orch    *Orchestrator
}

func newDevice(t *testing.T, backend remote.Backend, st *storage.MemoryStorage, c *clock) *device {
	t.Helper()
	store, err := localstore.Open(st, localstore.Options{Now: c.now})
	require.NoError(t, err)
	queue, err := pendingops.Open(st, pendingops.Options{Now: c.now})
	require.NoError(t, err)
	orch, err := New(Options{
		Store:       store,
		Queue:       queue,
		Remote:      backend,
		Storage:     st,
		Logger:      zerolog.Nop(),
		Debounce:    time.Hour,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
		Now:         c.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	return &device{storage: st, store: store, queue: queue, history: history.New(store, 0), orch: orch}
}

func (d *device) apply(t *testing.T, muts ...localstore.Mutation) {
	t.Helper()
	for _, m := range muts {
		_, err := d.history.Apply(m)
		require.NoError(t, err)
	}
}

func remoteSnapshot(t *testing.T, backend remote.Backend, user string) document.Snapshot {
	t.Helper()
	data, err := backend.Fetch(context.Background(), user)
	require.NoError(t, err)
	snap, problems := data.Snapshot()
	require.Empty(t, problems)
	return snap
}

func strp(s string) *string { return &s }

var todoColumns = []document.Column{
	{ID: "name", Title: "Name", Type: document.CellText},
	{ID: "done", Title: "Done", Type: document.CellCheckbox},
}

func TestGroceryListRoundTripWithUndo(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))

	d.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Home"},
		localstore.CreateTable{WorkspaceID: "w1", ID: "t1", Name: "Groceries", Columns: todoColumns},
		localstore.AddRow{TableID: "t1", ID: "r1", Cells: map[string]string{"name": "Buy milk", "done": "false"}},
	)
	assert.True(t, d.orch.HasPendingChanges())
	require.NoError(t, d.orch.Flush(ctx))
	assert.False(t, d.orch.HasPendingChanges())

	ws, ok := d.store.Snapshot().FindWorkspace("w1")
	require.True(t, ok)
	assert.Equal(t, "alice", ws.OwnerID, "owner is stamped after the workspace reaches the remote")

	rs := remoteSnapshot(t, backend, "alice")
	require.Len(t, rs, 1)
	assert.Equal(t, "alice", rs[0].OwnerID)
	table, _, ok := rs.FindTable("t1")
	require.True(t, ok)
	assert.Equal(t, "Buy milk", table.Rows[0].Cells["name"])

	d.apply(t, localstore.UpdateCell{TableID: "t1", RowID: "r1", ColumnID: "done", Value: "true"})
	require.NoError(t, d.orch.Flush(ctx))
	table, _, _ = remoteSnapshot(t, backend, "alice").FindTable("t1")
	assert.Equal(t, "true", table.Rows[0].Cells["done"])

	require.True(t, d.history.Undo())
	require.NoError(t, d.orch.Flush(ctx))
	table, _, _ = remoteSnapshot(t, backend, "alice").FindTable("t1")
	assert.Equal(t, "false", table.Rows[0].Cells["done"])

	st := d.orch.Status()
	assert.Equal(t, "alice", st.User)
	assert.Equal(t, StateIdle, st.State)
	assert.NotNil(t, st.LastPushAt)
	assert.NotNil(t, st.LastPullAt)
}

func TestPushSkipsUnchangedEntities(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Home"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Ideas"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n2", Name: "Errands"},
	)
	require.NoError(t, d.orch.Flush(ctx))
	writes := backend.Writes()
	assert.Equal(t, 3, writes)

	require.NoError(t, d.orch.Flush(ctx))
	assert.Equal(t, writes, backend.Writes(), "a second push with no edits writes nothing")

	d.apply(t, localstore.UpdateNote{NoteID: "n2", Content: strp("eggs")})
	require.NoError(t, d.orch.Flush(ctx))
	assert.Equal(t, writes+1, backend.Writes())
}

func TestDeleteSurvivesRestartWhileOffline(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	st := storage.NewMemoryStorage()
	c := newClock()
	d := newDevice(t, backend, st, c)
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Home"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Old"},
	)
	require.NoError(t, d.orch.Flush(ctx))

	backend.SetOffline(true)
	d.apply(t, localstore.DeleteNote{NoteID: "n1"})
	assert.Equal(t, 1, d.queue.Len())
	require.Error(t, d.orch.Flush(ctx))
	require.NoError(t, d.orch.Close())

	backend.SetOffline(false)
	restarted := newDevice(t, backend, st, c)
	assert.Equal(t, 1, restarted.queue.Len(), "tombstone is durable")
	require.NoError(t, restarted.orch.SignIn(ctx, "alice"))
	_, _, ok := restarted.store.Snapshot().FindNote("n1")
	assert.False(t, ok, "pull must not resurrect a pending delete")

	require.NoError(t, restarted.orch.Flush(ctx))
	assert.Equal(t, 0, restarted.queue.Len())
	_, _, ok = remoteSnapshot(t, backend, "alice").FindNote("n1")
	assert.False(t, ok)
}

func TestUndoDeleteCancelsTombstone(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Home"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Keep me"},
	)
	require.NoError(t, d.orch.Flush(ctx))

	d.apply(t, localstore.DeleteNote{NoteID: "n1"})
	assert.Equal(t, 1, d.queue.Len())
	require.True(t, d.history.Undo())
	assert.Equal(t, 0, d.queue.Len())

	require.NoError(t, d.orch.Flush(ctx))
	_, _, ok := remoteSnapshot(t, backend, "alice").FindNote("n1")
	assert.True(t, ok)
}

func TestUndoKeepsEntitiesFromOtherDevices(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	c := newClock()
	a := newDevice(t, backend, storage.NewMemoryStorage(), c)
	b := newDevice(t, backend, storage.NewMemoryStorage(), c)

	require.NoError(t, a.orch.SignIn(ctx, "alice"))
	a.apply(t, localstore.CreateWorkspace{ID: "w1", Name: "Home"})
	require.NoError(t, a.orch.Flush(ctx))

	require.NoError(t, b.orch.SignIn(ctx, "alice"))
	b.apply(t, localstore.CreateTable{WorkspaceID: "w1", ID: "tb", Name: "From B", Columns: todoColumns})
	require.NoError(t, b.orch.Flush(ctx))

	a.apply(t,
		localstore.RenameWorkspace{WorkspaceID: "w1", Name: "Renamed"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "na", Name: "From A"},
	)
	require.NoError(t, a.orch.Refresh(ctx))
	require.True(t, a.store.Snapshot().Contains(document.EntityRef{Kind: document.KindTable, ID: "tb"}))
	require.NoError(t, a.orch.Flush(ctx))

	// undo the note, then the rename; both were taken before tb arrived
	require.True(t, a.history.Undo())
	require.True(t, a.history.Undo())
	assert.False(t, a.queue.Contains(document.EntityRef{Kind: document.KindTable, ID: "tb"}))
	assert.True(t, a.queue.Contains(document.EntityRef{Kind: document.KindNote, ID: "na"}))
	snap := a.store.Snapshot()
	assert.True(t, snap.Contains(document.EntityRef{Kind: document.KindTable, ID: "tb"}))
	ws, _ := snap.FindWorkspace("w1")
	assert.Equal(t, "Home", ws.Name)

	require.NoError(t, a.orch.Flush(ctx))
	rs := remoteSnapshot(t, backend, "alice")
	_, _, ok := rs.FindTable("tb")
	assert.True(t, ok, "another device's table survives the undo")
	_, _, ok = rs.FindNote("na")
	assert.False(t, ok, "the undone local note is deleted remotely")

	require.True(t, a.history.Redo())
	assert.True(t, a.store.Snapshot().Contains(document.EntityRef{Kind: document.KindTable, ID: "tb"}))
	assert.False(t, a.queue.Contains(document.EntityRef{Kind: document.KindTable, ID: "tb"}))
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	c := newClock()
	a := newDevice(t, backend, storage.NewMemoryStorage(), c)
	b := newDevice(t, backend, storage.NewMemoryStorage(), c)

	require.NoError(t, a.orch.SignIn(ctx, "alice"))
	a.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Shared"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Plan", Content: "draft"},
	)
	require.NoError(t, a.orch.Flush(ctx))

	require.NoError(t, b.orch.SignIn(ctx, "alice"))
	n, _, ok := b.store.Snapshot().FindNote("n1")
	require.True(t, ok)
	assert.Equal(t, "draft", n.Content)

	a.apply(t, localstore.UpdateNote{NoteID: "n1", Content: strp("from a")})
	b.apply(t, localstore.UpdateNote{NoteID: "n1", Content: strp("from b")})
	require.NoError(t, a.orch.Flush(ctx))
	require.NoError(t, b.orch.Flush(ctx))

	require.NoError(t, a.orch.Refresh(ctx))
	require.NoError(t, b.orch.Refresh(ctx))

	na, _, _ := a.store.Snapshot().FindNote("n1")
	nb, _, _ := b.store.Snapshot().FindNote("n1")
	assert.Equal(t, "from b", na.Content, "the later edit wins")
	assert.Equal(t, na.Content, nb.Content)
	assert.Equal(t, na.UpdatedAt, nb.UpdatedAt)
}

func TestFailedPushBacksOff(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))

	backend.SetOffline(true)
	d.apply(t, localstore.CreateWorkspace{ID: "w1", Name: "Home"})
	err := d.orch.Flush(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))

	st := d.orch.Status()
	assert.Equal(t, 1, st.Failures)
	assert.NotEmpty(t, st.SyncError)
	assert.Equal(t, StatePendingPush, st.State, "retry is scheduled")
	assert.True(t, st.HasPendingChanges)

	backend.SetOffline(false)
	require.NoError(t, d.orch.Flush(ctx))
	st = d.orch.Status()
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.SyncError)
	assert.False(t, st.HasPendingChanges)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := newDevice(t, remote.NewMemoryBackend(), storage.NewMemoryStorage(), newClock())
	o := d.orch
	o.opts.BackoffBase = defaultBackoffBase
	o.opts.BackoffMax = defaultBackoffMax
	assert.Equal(t, 500*time.Millisecond, o.backoff(1))
	assert.Equal(t, time.Second, o.backoff(2))
	assert.Equal(t, 2*time.Second, o.backoff(3))
	assert.Equal(t, 16*time.Second, o.backoff(6))
	assert.Equal(t, 30*time.Second, o.backoff(7))
	assert.Equal(t, 30*time.Second, o.backoff(40))
}

func TestPullFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t, localstore.CreateWorkspace{ID: "w1", Name: "Home"})
	before := d.store.Snapshot()

	backend.SetOffline(true)
	require.Error(t, d.orch.Refresh(ctx))
	assert.Equal(t, before, d.store.Snapshot())
	assert.NotEmpty(t, d.orch.Status().SyncError)
}

func TestTeardownIsFlushedOnNextSignIn(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	st := storage.NewMemoryStorage()
	c := newClock()
	d := newDevice(t, backend, st, c)
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Home"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Draft"},
	)
	require.NoError(t, d.orch.Flush(ctx))

	backend.SetOffline(true)
	d.apply(t, localstore.UpdateNote{NoteID: "n1", Content: strp("written offline")})
	require.Error(t, d.orch.Flush(ctx))
	require.NoError(t, d.orch.Teardown())
	_, err := st.Get(storage.PendingSyncKey("alice"))
	require.NoError(t, err)
	require.NoError(t, d.orch.Close())

	backend.SetOffline(false)
	next := newDevice(t, backend, st, c)
	require.NoError(t, next.orch.SignIn(ctx, "alice"))

	n, _, ok := remoteSnapshot(t, backend, "alice").FindNote("n1")
	require.True(t, ok)
	assert.Equal(t, "written offline", n.Content)
	_, err = st.Get(storage.PendingSyncKey("alice"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestViewerEditsStayLocal(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	c := newClock()
	owner := newDevice(t, backend, storage.NewMemoryStorage(), c)
	require.NoError(t, owner.orch.SignIn(ctx, "alice"))
	owner.apply(t,
		localstore.CreateWorkspace{ID: "w1", Name: "Team"},
		localstore.CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Agenda", Content: "v1"},
	)
	require.NoError(t, owner.orch.Flush(ctx))
	require.NoError(t, backend.PutMember(remote.WithUser(ctx, "alice"), remote.MemberRow{
		WorkspaceID: "w1", UserID: "bob", Role: remote.RoleViewer,
	}))

	viewer := newDevice(t, backend, storage.NewMemoryStorage(), c)
	require.NoError(t, viewer.orch.SignIn(ctx, "bob"))
	assert.Equal(t, remote.RoleViewer, viewer.orch.Role("w1"))
	writes := backend.Writes()

	viewer.apply(t, localstore.UpdateNote{NoteID: "n1", Content: strp("v2")})
	require.NoError(t, viewer.orch.Flush(ctx))
	assert.Equal(t, writes, backend.Writes())
	n, _, _ := remoteSnapshot(t, backend, "alice").FindNote("n1")
	assert.Equal(t, "v1", n.Content)
}

func TestSignOutForgetsUser(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	d := newDevice(t, backend, storage.NewMemoryStorage(), newClock())
	require.NoError(t, d.orch.SignIn(ctx, "alice"))
	d.apply(t, localstore.CreateWorkspace{ID: "w1", Name: "Home"})

	require.NoError(t, d.orch.SignOut(ctx))
	assert.Empty(t, d.orch.User())
	assert.Len(t, remoteSnapshot(t, backend, "alice"), 1, "sign out flushes first")
	assert.ErrorIs(t, d.orch.Flush(ctx), ErrNotSignedIn)
}

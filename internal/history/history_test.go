package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/storage"
)

func newManager(t *testing.T) (*Manager, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(storage.NewMemoryStorage(), localstore.Options{})
	require.NoError(t, err)
	return New(store, 0), store
}

func TestUndoIsBoundedToCapacity(t *testing.T) {
	h, store := newManager(t)
	_, err := h.Apply(localstore.CreateWorkspace{ID: "w1", Name: "rev-0"})
	require.NoError(t, err)
	for i := 1; i < 60; i++ {
		_, err := h.Apply(localstore.RenameWorkspace{WorkspaceID: "w1", Name: fmt.Sprintf("rev-%d", i)})
		require.NoError(t, err)
	}

	undos := 0
	for h.Undo() {
		undos++
	}
	assert.Equal(t, 50, undos)

	// the ten oldest states, including the empty tree, are gone
	snap := store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "rev-9", snap[0].Name)
}

func TestRedoAndBranching(t *testing.T) {
	h, store := newManager(t)
	_, err := h.Apply(localstore.CreateWorkspace{ID: "w1", Name: "A"})
	require.NoError(t, err)
	_, err = h.Apply(localstore.RenameWorkspace{WorkspaceID: "w1", Name: "B"})
	require.NoError(t, err)

	require.True(t, h.Undo())
	assert.Equal(t, "A", store.Snapshot()[0].Name)
	require.True(t, h.Redo())
	assert.Equal(t, "B", store.Snapshot()[0].Name)

	require.True(t, h.Undo())
	_, err = h.Apply(localstore.RenameWorkspace{WorkspaceID: "w1", Name: "C"})
	require.NoError(t, err)
	assert.False(t, h.CanRedo(), "new mutation clears redo")
	assert.False(t, h.Redo())
}

func TestUndoOnEmptyIsNoop(t *testing.T) {
	h, store := newManager(t)
	assert.False(t, h.Undo())
	assert.False(t, h.Redo())
	assert.Empty(t, store.Snapshot())
}

func TestFailedMutationIsNotRecorded(t *testing.T) {
	h, _ := newManager(t)
	_, err := h.Apply(localstore.RenameWorkspace{WorkspaceID: "missing", Name: "x"})
	require.ErrorIs(t, err, document.ErrNotFound)
	assert.False(t, h.CanUndo())
}

func TestReplayUsesHistoryOrigin(t *testing.T) {
	h, store := newManager(t)
	var origins []localstore.Origin
	store.Subscribe(func(c localstore.Change) { origins = append(origins, c.Origin) })

	_, err := h.Apply(localstore.CreateWorkspace{ID: "w1", Name: "A"})
	require.NoError(t, err)
	h.Undo()
	h.Redo()

	assert.Equal(t, []localstore.Origin{localstore.OriginLocal, localstore.OriginHistory, localstore.OriginHistory}, origins)
	undo, redo := h.Depth()
	assert.Equal(t, 1, undo)
	assert.Equal(t, 0, redo)
}

func TestUndoCarriesEntitiesThatArrivedLater(t *testing.T) {
	h, store := newManager(t)
	_, err := h.Apply(localstore.CreateWorkspace{ID: "w1", Name: "Mine"})
	require.NoError(t, err)
	_, err = h.Apply(localstore.CreateTable{WorkspaceID: "w1", ID: "t-local", Name: "Local"})
	require.NoError(t, err)

	// a pull lands a workspace and a table from elsewhere
	_, err = store.Update(localstore.OriginRemote, func(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
		snap = snap.InsertWorkspace(0, document.Workspace{ID: "w-remote", Name: "Theirs",
			Notes: []document.Note{{ID: "n-remote", Name: "Theirs"}}})
		return snap.InsertTable("w1", 0, document.Table{ID: "t-remote", Name: "Theirs"})
	})
	require.NoError(t, err)

	require.True(t, h.Undo())
	snap := store.Snapshot()
	assert.False(t, snap.Contains(document.EntityRef{Kind: document.KindTable, ID: "t-local"}))
	assert.True(t, snap.Contains(document.EntityRef{Kind: document.KindTable, ID: "t-remote"}))
	assert.True(t, snap.Contains(document.EntityRef{Kind: document.KindNote, ID: "n-remote"}))
	require.Len(t, snap, 2)
	assert.Equal(t, "w-remote", snap[0].ID)

	require.True(t, h.Redo())
	snap = store.Snapshot()
	assert.True(t, snap.Contains(document.EntityRef{Kind: document.KindTable, ID: "t-local"}))
	assert.True(t, snap.Contains(document.EntityRef{Kind: document.KindTable, ID: "t-remote"}))

	require.True(t, h.Undo())
	require.True(t, h.Undo())
	snap = store.Snapshot()
	require.Len(t, snap, 1, "undoing the local workspace keeps only the foreign one")
	assert.Equal(t, "w-remote", snap[0].ID)
}

package localstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T, st storage.Storage) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(st, Options{Now: c.now})
	require.NoError(t, err)
	return s, c
}

func intp(v int) *int { return &v }

func seed(t *testing.T, s *Store) {
	t.Helper()
	steps := []Mutation{
		CreateWorkspace{ID: "w1", Name: "W"},
		CreateWorkspace{ID: "w2", Name: "Other"},
		CreateTable{WorkspaceID: "w1", ID: "t1", Name: "T", Columns: []document.Column{
			{ID: "name", Title: "Name", Type: document.CellText},
			{ID: "done", Title: "Done", Type: document.CellCheckbox},
		}},
		AddRow{TableID: "t1", ID: "r1", Cells: map[string]string{"name": "Buy milk", "done": "false"}},
		CreateNote{WorkspaceID: "w1", ID: "n1", Name: "Notes"},
	}
	for _, m := range steps {
		_, err := s.Apply(m)
		require.NoError(t, err)
	}
}

func TestApplyPersistsAndRestores(t *testing.T) {
	st := storage.NewMemoryStorage()
	s, _ := newStore(t, st)
	seed(t, s)
	require.NoError(t, s.SetCurrentTable("t1"))

	reopened, _ := newStore(t, st)
	snap := reopened.Snapshot()
	require.Len(t, snap, 2)
	table, _, ok := snap.FindTable("t1")
	require.True(t, ok)
	assert.Equal(t, "Buy milk", table.Rows[0].Cells["name"])
	assert.Equal(t, "t1", reopened.CurrentTable())
	assert.Equal(t, 5, s.Stats().Saves)
}

func TestApplyRefreshesUpdatedAt(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)
	before, _, _ := s.Snapshot().FindTable("t1")

	_, err := s.Apply(UpdateCell{TableID: "t1", RowID: "r1", ColumnID: "done", Value: "true"})
	require.NoError(t, err)
	after, _, _ := s.Snapshot().FindTable("t1")
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
	assert.Equal(t, "true", after.Rows[0].Cells["done"])
	assert.Equal(t, "false", before.Rows[0].Cells["done"], "previous snapshot must not change")
}

func TestApplyErrorsLeaveSnapshot(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)
	prev := s.Snapshot()

	cases := []struct {
		name string
		m    Mutation
		want error
	}{
		{"unknown table", RenameTable{TableID: "nope", Name: "x"}, document.ErrNotFound},
		{"bad checkbox", UpdateCell{TableID: "t1", RowID: "r1", ColumnID: "done", Value: "maybe"}, document.ErrInvalidInput},
		{"unknown row", SetRowExpanded{TableID: "t1", RowID: "zz"}, document.ErrNotFound},
		{"bad color", SetRowColor{TableID: "t1", RowID: "r1", Color: "#nothex"}, document.ErrInvalidInput},
		{"row under itself", MoveRow{TableID: "t1", RowID: "r1", ParentRowID: "r1"}, document.ErrInvalidInput},
		{"sum on text", UpdateColumn{TableID: "t1", ColumnID: "name", Aggregation: aggp(document.AggregationSum)}, document.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Apply(tc.m)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, prev, s.Snapshot())
		})
	}
}

func aggp(a document.AggregationKind) *document.AggregationKind { return &a }

func TestChangeReportsDeletesAndPlacements(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)

	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	_, err := s.Apply(MoveTable{TableID: "t1", WorkspaceID: "w2", Position: 0})
	require.NoError(t, err)
	_, err = s.Apply(DeleteNote{NoteID: "n1"})
	require.NoError(t, err)
	_, err = s.Apply(DeleteWorkspace{WorkspaceID: "w2"})
	require.NoError(t, err)

	require.Len(t, changes, 3)
	assert.Equal(t, OriginLocal, changes[0].Origin)
	assert.Equal(t, []document.Placement{{Kind: document.KindTable, ID: "t1", WorkspaceID: "w2", Position: 0}}, changes[0].Placements)
	assert.Empty(t, changes[0].Deletes)

	assert.Equal(t, []Deletion{{Ref: document.EntityRef{Kind: document.KindNote, ID: "n1"}, WorkspaceID: "w1"}}, changes[1].Deletes)

	// the moved table goes with its workspace and is not reported on its own
	assert.Equal(t, []Deletion{{Ref: document.EntityRef{Kind: document.KindWorkspace, ID: "w2"}}}, changes[2].Deletes)
}

func TestMoveRowAndNesting(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)
	_, err := s.Apply(AddRow{TableID: "t1", ID: "r2", Cells: map[string]string{"name": "Eggs"}})
	require.NoError(t, err)
	_, err = s.Apply(MoveRow{TableID: "t1", RowID: "r2", ParentRowID: "r1", Position: 0})
	require.NoError(t, err)

	table, _, _ := s.Snapshot().FindTable("t1")
	require.Len(t, table.Rows, 1)
	require.Len(t, table.Rows[0].Children, 1)
	assert.Equal(t, "r2", table.Rows[0].Children[0].ID)

	_, err = s.Apply(MoveRow{TableID: "t1", RowID: "r1", ParentRowID: "r2"})
	assert.ErrorIs(t, err, document.ErrInvalidInput)

	_, err = s.Apply(RemoveColumn{TableID: "t1", ColumnID: "name"})
	require.NoError(t, err)
	table, _, _ = s.Snapshot().FindTable("t1")
	_, has := table.Rows[0].Children[0].Cells["name"]
	assert.False(t, has)
}

func TestArchiveAndRestore(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)
	_, err := s.Apply(ArchiveNote{NoteID: "n1"})
	require.NoError(t, err)
	n, _, _ := s.Snapshot().FindNote("n1")
	require.True(t, n.IsArchived)
	require.NotNil(t, n.ArchivedAt)

	_, err = s.Apply(RestoreNote{NoteID: "n1"})
	require.NoError(t, err)
	n, _, _ = s.Snapshot().FindNote("n1")
	assert.False(t, n.IsArchived)
	assert.Nil(t, n.ArchivedAt)
}

type brokenStorage struct{ *storage.MemoryStorage }

func (brokenStorage) Put(string, []byte) error { return errors.New("disk full") }

func TestPersistFailureDoesNotFailApply(t *testing.T) {
	s, _ := newStore(t, brokenStorage{storage.NewMemoryStorage()})
	_, err := s.Apply(CreateWorkspace{ID: "w1", Name: "W"})
	require.NoError(t, err)
	assert.Len(t, s.Snapshot(), 1)
	stats := s.Stats()
	assert.Equal(t, 1, stats.PersistFailures)
	assert.Contains(t, stats.LastPersistError, "disk full")
}

func TestDecodeMutation(t *testing.T) {
	m, err := DecodeMutation([]byte(`{"type":"updateCell","tableId":"t1","rowId":"r1","columnId":"done","value":"true"}`))
	require.NoError(t, err)
	assert.Equal(t, &UpdateCell{TableID: "t1", RowID: "r1", ColumnID: "done", Value: "true"}, m)

	_, err = DecodeMutation([]byte(`{"type":"explode"}`))
	assert.ErrorIs(t, err, document.ErrInvalidInput)

	assert.Contains(t, MutationTypes(), "moveTable")
}

func TestReloadPicksUpExternalSnapshot(t *testing.T) {
	st := storage.NewMemoryStorage()
	s, _ := newStore(t, st)
	seed(t, s)

	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, storage.PutJSON(st, storage.KeySnapshot, document.Snapshot{{ID: "w9", Name: "Restored"}}))
	changed, err = s.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "w9", s.Snapshot()[0].ID)
}

func TestReloadSkipsOwnWrites(t *testing.T) {
	st := storage.NewMemoryStorage()
	s, _ := newStore(t, st)
	seed(t, s)

	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	// a watcher event for our own write arrives after another local edit
	_, err := s.Apply(CreateTable{WorkspaceID: "w2", ID: "x", Name: "X"})
	require.NoError(t, err)
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Deletes)
	assert.True(t, s.Snapshot().Contains(document.EntityRef{Kind: document.KindTable, ID: "x"}))

	// reopening reads the same bytes back and still treats them as its own
	reopened, _ := newStore(t, st)
	changed, err = reopened.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCreateWithPosition(t *testing.T) {
	s, _ := newStore(t, storage.NewMemoryStorage())
	seed(t, s)
	_, err := s.Apply(CreateWorkspace{ID: "w0", Name: "First", Position: intp(0)})
	require.NoError(t, err)
	assert.Equal(t, "w0", s.Snapshot()[0].ID)

	_, err = s.Apply(ReorderWorkspace{WorkspaceID: "w0", Position: 2})
	require.NoError(t, err)
	assert.Equal(t, "w0", s.Snapshot()[2].ID)
}

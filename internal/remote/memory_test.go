package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
)

func testTableRow(t *testing.T, id, workspaceID string) TableRow {
	t.Helper()
	row, err := TableToRow(document.Table{
		ID:        id,
		Name:      "Groceries",
		Columns:   []document.Column{{ID: "c1", Title: "Name", Type: document.CellText}},
		Rows:      []document.Row{{ID: "r1", Cells: map[string]string{"c1": "Buy milk"}}},
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, workspaceID, 0)
	require.NoError(t, err)
	return row
}

func seedWorkspace(t *testing.T, b Backend, owner, id string) {
	t.Helper()
	ctx := WithUser(context.Background(), owner)
	require.NoError(t, b.Create(ctx, WorkspaceRow{ID: id, Name: "Home", Visibility: "private", UpdatedAt: time.Now().UTC()}))
}

func TestMemoryBackendCreateStampsOwnerAndFiltersFetch(t *testing.T) {
	b := NewMemoryBackend()
	seedWorkspace(t, b, "alice", "w1")
	seedWorkspace(t, b, "bob", "w2")

	d, err := b.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, d.Workspaces, 1)
	assert.Equal(t, "w1", d.Workspaces[0].ID)
	assert.Equal(t, "alice", d.Workspaces[0].OwnerID)

	all, err := b.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all.Workspaces, 2)
}

func TestMemoryBackendUpdateMissingIsNotFound(t *testing.T) {
	b := NewMemoryBackend()
	seedWorkspace(t, b, "alice", "w1")

	err := b.Update(WithUser(context.Background(), "alice"), testTableRow(t, "t-missing", "w1"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	err = b.Create(WithUser(context.Background(), "alice"), WorkspaceRow{ID: "w1"})
	assert.True(t, errors.Is(err, ErrInvalidRow))
}

func TestMemoryBackendAccessRules(t *testing.T) {
	b := NewMemoryBackend()
	seedWorkspace(t, b, "alice", "w1")
	owner := WithUser(context.Background(), "alice")
	require.NoError(t, b.Create(owner, testTableRow(t, "t1", "w1")))
	require.NoError(t, b.PutMember(owner, MemberRow{WorkspaceID: "w1", UserID: "vera", Role: RoleViewer}))
	require.NoError(t, b.PutMember(owner, MemberRow{WorkspaceID: "w1", UserID: "ed", Role: RoleEditor}))

	viewer := WithUser(context.Background(), "vera")
	err := b.Update(viewer, testTableRow(t, "t1", "w1"))
	assert.True(t, IsPermission(err), "viewer must not write tables: %v", err)

	editor := WithUser(context.Background(), "ed")
	assert.NoError(t, b.Update(editor, testTableRow(t, "t1", "w1")))

	err = b.Update(editor, WorkspaceRow{ID: "w1", Name: "renamed"})
	assert.True(t, IsPermission(err), "only the owner may rename the workspace")

	err = b.PutMember(editor, MemberRow{WorkspaceID: "w1", UserID: "mallory", Role: RoleOwner})
	assert.True(t, IsPermission(err))

	d, err := b.Fetch(context.Background(), "vera")
	require.NoError(t, err)
	assert.Len(t, d.Workspaces, 1, "members see shared workspaces")
	assert.Equal(t, RoleViewer, d.RoleOf("w1", "vera"))
	assert.Equal(t, RoleOwner, d.RoleOf("w1", "alice"))
}

func TestMemoryBackendWorkspaceUpdateKeepsOwner(t *testing.T) {
	b := NewMemoryBackend()
	seedWorkspace(t, b, "alice", "w1")
	require.NoError(t, b.Update(context.Background(), WorkspaceRow{ID: "w1", Name: "Renamed", OwnerID: "bob"}))

	d, err := b.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, d.Workspaces, 1)
	assert.Equal(t, "Renamed", d.Workspaces[0].Name)
	assert.Equal(t, "alice", d.Workspaces[0].OwnerID)
}

func TestMemoryBackendDeleteCascadesAndPublishes(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	owner := WithUser(context.Background(), "alice")
	seedWorkspace(t, b, "alice", "w1")
	require.NoError(t, b.Create(owner, testTableRow(t, "t1", "w1")))
	require.NoError(t, b.Create(owner, NoteRow{ID: "n1", WorkspaceID: "w1", Name: "Todo"}))
	require.NoError(t, b.Delete(owner, document.KindWorkspace, "w1"))

	var got []ChangeEvent
	for len(got) < 6 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, EventInsert, got[0].Type)
	require.NotNil(t, got[1].Table)
	assert.Equal(t, "t1", got[1].Table.ID)
	deleted := map[document.EntityKind]string{}
	for _, ev := range got[3:] {
		assert.Equal(t, EventDelete, ev.Type)
		deleted[ev.Kind] = ev.ID
	}
	assert.Equal(t, map[document.EntityKind]string{
		document.KindWorkspace: "w1",
		document.KindTable:     "t1",
		document.KindNote:      "n1",
	}, deleted)

	d, err := b.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, d.Tables)
	assert.Empty(t, d.Notes)

	err = b.Delete(owner, document.KindTable, "t1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryBackendOfflineIsTransient(t *testing.T) {
	b := NewMemoryBackend()
	b.SetOffline(true)
	_, err := b.Fetch(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	b.SetOffline(false)
	b.SetFailure(func(op string, kind document.EntityKind, id string) error {
		if id == "w-bad" {
			return &PermissionError{Kind: string(kind), ID: id}
		}
		return nil
	})
	seedWorkspace(t, b, "alice", "w1")
	err = b.Create(context.Background(), WorkspaceRow{ID: "w-bad"})
	assert.True(t, IsPermission(err))
	assert.Equal(t, 1, b.Writes())
}

func TestMemoryBackendSettings(t *testing.T) {
	b := NewMemoryBackend()
	_, err := b.FetchSettings(context.Background(), "alice")
	assert.True(t, IsNotFound(err))

	row := SettingsRow{UserID: "alice", Settings: JSONText(`{"theme":"dark"}`)}
	err = b.SaveSettings(WithUser(context.Background(), "bob"), row)
	assert.True(t, IsPermission(err))

	require.NoError(t, b.SaveSettings(WithUser(context.Background(), "alice"), row))
	got, err := b.FetchSettings(context.Background(), "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(got.Settings))
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestOpenMemoryNamesShareState(t *testing.T) {
	a, err := Open("memory://shared-test", OpenOptions{})
	require.NoError(t, err)
	b, err := Open("memory://shared-test", OpenOptions{})
	require.NoError(t, err)
	seedWorkspace(t, a, "alice", "w1")

	d, err := b.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, d.Workspaces, 1)

	_, err = Open("carrier-pigeon://x", OpenOptions{})
	assert.Error(t, err)

	rest, err := Open("http://127.0.0.1:1", OpenOptions{Token: "t"})
	require.NoError(t, err)
	assert.IsType(t, &RESTBackend{}, rest)
}

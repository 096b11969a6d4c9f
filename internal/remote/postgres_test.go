package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/document"
)

func TestClassifyPostgresError(t *testing.T) {
	err := classifyPostgresError("update", "table", "t1", &pq.Error{Code: "42501", Message: "rls"})
	assert.True(t, IsPermission(err))

	err = classifyPostgresError("create", "table", "t1", &pq.Error{Code: "23505"})
	assert.True(t, errors.Is(err, ErrInvalidRow))

	err = classifyPostgresError("fetch", "", "", &pq.Error{Code: "08006"})
	assert.True(t, IsTransient(err))

	err = classifyPostgresError("fetch", "", "", context.DeadlineExceeded)
	assert.True(t, IsTransient(err))

	nf := &NotFoundError{Kind: "note", ID: "n1"}
	assert.Same(t, nf, classifyPostgresError("update", "note", "n1", nf).(*NotFoundError))
	assert.NoError(t, classifyPostgresError("noop", "", "", nil))
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"tables"`, postgresQuoteIdentifier("tables"))
	assert.Equal(t, `"we""ird"`, postgresQuoteIdentifier(`we"ird`))
	assert.Equal(t, `""`, postgresQuoteIdentifier("  "))
}

func TestNewPostgresBackendRequiresDSN(t *testing.T) {
	_, err := NewPostgresBackend("  ", PostgresOptions{})
	assert.Error(t, err)
}

func openTestPostgres(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := os.Getenv("RELAYNOTE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYNOTE_TEST_POSTGRES_DSN not set")
	}
	b, err := NewPostgresBackend(dsn, PostgresOptions{})
	require.NoError(t, err)
	require.NoError(t, b.ensureReady())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPostgresBackendIntegration(t *testing.T) {
	b := openTestPostgres(t)
	suffix := uuid.NewString()[:8]
	wsID, tableID, noteID := "w-"+suffix, "t-"+suffix, "n-"+suffix
	alice := WithUser(context.Background(), "alice-"+suffix)
	bob := WithUser(context.Background(), "bob-"+suffix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Create(alice, WorkspaceRow{ID: wsID, Name: "Home", Visibility: "private", UpdatedAt: time.Now().UTC()}))
	require.NoError(t, b.Create(alice, testTableRow(t, tableID, wsID)))
	require.NoError(t, b.Create(alice, NoteRow{ID: noteID, WorkspaceID: wsID, Name: "Todo", UpdatedAt: time.Now().UTC(), CreatedAt: time.Now().UTC()}))

	d, err := b.Fetch(context.Background(), UserFrom(alice))
	require.NoError(t, err)
	require.Len(t, d.Workspaces, 1)
	assert.Equal(t, UserFrom(alice), d.Workspaces[0].OwnerID)
	require.Len(t, d.Tables, 1)
	_, err = TableFromRow(d.Tables[0])
	require.NoError(t, err)

	err = b.Update(bob, NoteRow{ID: noteID, WorkspaceID: wsID, Name: "hijack"})
	assert.True(t, IsPermission(err), fmt.Sprint(err))

	err = b.Update(alice, NoteRow{ID: "n-missing-" + suffix, WorkspaceID: wsID})
	assert.True(t, IsNotFound(err))

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-events:
			if ev.ID == wsID || ev.ID == tableID || ev.ID == noteID {
				seen[ev.ID] = true
			}
		case <-timeout:
			t.Fatalf("only saw %v", seen)
		}
	}

	require.NoError(t, b.Delete(alice, document.KindWorkspace, wsID))
	d, err = b.Fetch(context.Background(), UserFrom(alice))
	require.NoError(t, err)
	assert.Empty(t, d.Workspaces)
	assert.Empty(t, d.Tables)
}

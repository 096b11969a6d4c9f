// Package remote is the adapter between the document tree and the shared
// remote store. The store is seen as five relations with row-level CRUD and
// a row-level change feed; backends exist for an in-process store,
// postgres, and a REST endpoint that exposes either of them.
package remote

import (
	"context"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
)

// Backend is the remote store surface used by the sync engine. Writes are
// attributed to the user carried by the context (see WithUser).
type Backend interface {
	// Fetch returns every row visible to userID.
	Fetch(ctx context.Context, userID string) (Dataset, error)
	// Update replaces an existing row; a missing row is a NotFoundError.
	Update(ctx context.Context, row Row) error
	// Create inserts a new row.
	Create(ctx context.Context, row Row) error
	// Delete removes a row. Deleting a workspace removes its tables,
	// notes, members and share links.
	Delete(ctx context.Context, kind document.EntityKind, id string) error
	// Subscribe streams row changes until ctx is done.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
	Close() error
}

// SettingsBackend is implemented by backends that store per-user app
// settings in the user_settings relation.
type SettingsBackend interface {
	FetchSettings(ctx context.Context, userID string) (SettingsRow, error)
	SaveSettings(ctx context.Context, row SettingsRow) error
}

// MembershipBackend manages collaborators.
type MembershipBackend interface {
	PutMember(ctx context.Context, m MemberRow) error
	PutShareLink(ctx context.Context, l ShareLinkRow) error
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row-level notification. Exactly one of Workspace,
// Table or Note is set for inserts and updates; deletes carry only the id
// and, when known, the workspace id.
type ChangeEvent struct {
	Type        EventType           `json:"type"`
	Kind        document.EntityKind `json:"kind"`
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspaceId,omitempty"`
	Workspace   *WorkspaceRow       `json:"workspace,omitempty"`
	Table       *TableRow           `json:"table,omitempty"`
	Note        *NoteRow            `json:"note,omitempty"`
	At          time.Time           `json:"at"`
}

func eventForRow(t EventType, row Row, at time.Time) ChangeEvent {
	ev := ChangeEvent{Type: t, Kind: row.EntityKind(), ID: row.EntityID(), WorkspaceID: ParentID(row), At: at}
	switch v := row.(type) {
	case WorkspaceRow:
		ev.Workspace = &v
	case TableRow:
		ev.Table = &v
	case NoteRow:
		ev.Note = &v
	}
	return ev
}

type userKey struct{}

// WithUser attributes writes made with ctx to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the acting user, or "" for unattributed (administrative)
// access.
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// authorizeWrite applies the access rules shared by every backend:
// workspace rows may only be written by their owner, tables and notes by
// the owner or an editor. Unattributed writes are allowed.
func authorizeWrite(user string, kind document.EntityKind, id, ownerID string, role Role) error {
	if user == "" {
		return nil
	}
	if kind == document.KindWorkspace {
		if ownerID != "" && ownerID != user {
			return &PermissionError{Kind: string(kind), ID: id, Reason: "only the owner may change a workspace"}
		}
		return nil
	}
	if ownerID == user || role.CanEditContent() {
		return nil
	}
	return &PermissionError{Kind: string(kind), ID: id, Reason: "requires owner or editor role"}
}

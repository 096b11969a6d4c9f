package remote

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
)

// JSONText is a json column. It is sent to SQL drivers as text so that
// postgres can cast it to jsonb.
type JSONText json.RawMessage

func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T into json", ErrInvalidRow, src)
	}
	return nil
}

func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

func (j *JSONText) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*j = nil
		return nil
	}
	*j = append((*j)[:0], data...)
	return nil
}

type WorkspaceRow struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	Name       string    `json:"name" gorm:"type:text;not null;default:''"`
	OwnerID    string    `json:"owner_id" gorm:"type:text;not null;index"`
	Visibility string    `json:"visibility" gorm:"type:text;not null;default:'private'"`
	IsExpanded bool      `json:"is_expanded" gorm:"not null;default:true"`
	Position   int       `json:"position" gorm:"not null;default:0"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (WorkspaceRow) TableName() string { return "workspaces" }

type TableRow struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text"`
	WorkspaceID string     `json:"workspace_id" gorm:"type:text;not null;index"`
	Name        string     `json:"name" gorm:"type:text;not null;default:''"`
	Columns     JSONText   `json:"columns" gorm:"type:jsonb;not null"`
	Rows        JSONText   `json:"rows" gorm:"type:jsonb;not null"`
	Appearance  JSONText   `json:"appearance" gorm:"type:jsonb"`
	Position    int        `json:"position" gorm:"not null;default:0"`
	IsArchived  bool       `json:"is_archived" gorm:"not null;default:false"`
	ArchivedAt  *time.Time `json:"archived_at" gorm:"type:timestamptz"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (TableRow) TableName() string { return "tables" }

type NoteRow struct {
	ID          string     `json:"id" gorm:"primaryKey;type:text"`
	WorkspaceID string     `json:"workspace_id" gorm:"type:text;not null;index"`
	Name        string     `json:"name" gorm:"type:text;not null;default:''"`
	Content     string     `json:"content" gorm:"type:text;not null;default:''"`
	Position    int        `json:"position" gorm:"not null;default:0"`
	IsMonospace bool       `json:"is_monospace" gorm:"not null;default:false"`
	WordWrap    bool       `json:"word_wrap" gorm:"not null;default:true"`
	SpellCheck  bool       `json:"spell_check" gorm:"not null;default:true"`
	IsArchived  bool       `json:"is_archived" gorm:"not null;default:false"`
	ArchivedAt  *time.Time `json:"archived_at" gorm:"type:timestamptz"`
	CreatedAt   time.Time  `json:"created_at" gorm:"type:timestamptz;not null;autoCreateTime:false"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (NoteRow) TableName() string { return "notes" }

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = ""
)

// CanEditContent reports whether the role may write tables and notes.
func (r Role) CanEditContent() bool {
	return r == RoleOwner || r == RoleEditor
}

type MemberRow struct {
	WorkspaceID string `json:"workspace_id" gorm:"primaryKey;type:text"`
	UserID      string `json:"user_id" gorm:"primaryKey;type:text"`
	Role        Role   `json:"role" gorm:"type:text;not null"`
}

func (MemberRow) TableName() string { return "workspace_members" }

type ShareLinkRow struct {
	WorkspaceID string     `json:"workspace_id" gorm:"type:text;not null;index"`
	Token       string     `json:"token" gorm:"primaryKey;type:text"`
	ExpiresAt   *time.Time `json:"expires_at" gorm:"type:timestamptz"`
	IsActive    bool       `json:"is_active" gorm:"not null;default:true"`
	AllowEdit   bool       `json:"allow_edit" gorm:"not null;default:false"`
}

func (ShareLinkRow) TableName() string { return "workspace_share_links" }

// Usable reports whether the link can be followed at now.
func (l ShareLinkRow) Usable(now time.Time) bool {
	return l.IsActive && (l.ExpiresAt == nil || now.Before(*l.ExpiresAt))
}

type SettingsRow struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:text"`
	Settings  JSONText  `json:"settings" gorm:"type:jsonb;not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"type:timestamptz;not null;autoUpdateTime:false"`
}

func (SettingsRow) TableName() string { return "user_settings" }

// Dataset is everything the remote store shows one user.
type Dataset struct {
	Workspaces []WorkspaceRow `json:"workspaces"`
	Tables     []TableRow     `json:"tables"`
	Notes      []NoteRow      `json:"notes"`
	Members    []MemberRow    `json:"members"`
	ShareLinks []ShareLinkRow `json:"shareLinks"`
}

// RoleOf resolves a user's role in a workspace. The owner recorded on the
// workspace row always wins over membership rows.
func (d Dataset) RoleOf(workspaceID, userID string) Role {
	for _, ws := range d.Workspaces {
		if ws.ID == workspaceID && ws.OwnerID == userID && userID != "" {
			return RoleOwner
		}
	}
	for _, m := range d.Members {
		if m.WorkspaceID == workspaceID && m.UserID == userID {
			return m.Role
		}
	}
	return RoleNone
}

func (d Dataset) ActiveShareLinks(now time.Time) []ShareLinkRow {
	var out []ShareLinkRow
	for _, l := range d.ShareLinks {
		if l.Usable(now) {
			out = append(out, l)
		}
	}
	return out
}

// Row is one of WorkspaceRow, TableRow or NoteRow.
type Row interface {
	EntityKind() document.EntityKind
	EntityID() string
}

func (r WorkspaceRow) EntityKind() document.EntityKind { return document.KindWorkspace }
func (r WorkspaceRow) EntityID() string                 { return r.ID }
func (r TableRow) EntityKind() document.EntityKind     { return document.KindTable }
func (r TableRow) EntityID() string                     { return r.ID }
func (r NoteRow) EntityKind() document.EntityKind      { return document.KindNote }
func (r NoteRow) EntityID() string                      { return r.ID }

// ParentID returns the workspace a table or note row belongs to.
func ParentID(r Row) string {
	switch v := r.(type) {
	case TableRow:
		return v.WorkspaceID
	case NoteRow:
		return v.WorkspaceID
	}
	return ""
}

// Package document holds the typed tree that every device edits and syncs:
// Workspace -> {Table, Note}, Table -> tree of Row. It is pure data plus
// copy-on-write helpers; nothing here talks to storage or the network.
package document

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// CellType is the enumerated kind of a column's cells.
type CellType string

const (
	CellText        CellType = "text"
	CellNumber      CellType = "number"
	CellCheckbox    CellType = "checkbox"
	CellSelect      CellType = "select"
	CellMultiSelect CellType = "multiselect"
	CellDate        CellType = "date"
	CellURL         CellType = "url"
	CellEmail       CellType = "email"
)

func (c CellType) Valid() bool {
	switch c {
	case CellText, CellNumber, CellCheckbox, CellSelect, CellMultiSelect, CellDate, CellURL, CellEmail:
		return true
	}
	return false
}

// HasOptions reports whether the cell kind draws its values from Column.Options.
func (c CellType) HasOptions() bool {
	return c == CellSelect || c == CellMultiSelect
}

type AggregationKind string

const (
	AggregationNone    AggregationKind = ""
	AggregationCount   AggregationKind = "count"
	AggregationSum     AggregationKind = "sum"
	AggregationAverage AggregationKind = "average"
	AggregationMin     AggregationKind = "min"
	AggregationMax     AggregationKind = "max"
	AggregationChecked AggregationKind = "checked"
)

// EntityKind names the three independently synced entity types.
type EntityKind string

const (
	KindWorkspace EntityKind = "workspace"
	KindTable     EntityKind = "table"
	KindNote      EntityKind = "note"
)

func (k EntityKind) Valid() bool {
	return k == KindWorkspace || k == KindTable || k == KindNote
}

type Workspace struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Tables     []Table    `json:"tables"`
	Notes      []Note     `json:"notes"`
	IsExpanded bool       `json:"isExpanded"`
	OwnerID    string     `json:"ownerId,omitempty"`
	Visibility Visibility `json:"visibility"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Table struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Columns    []Column    `json:"columns"`
	Rows       []Row       `json:"rows"`
	Appearance *Appearance `json:"appearance,omitempty"`
	IsArchived bool        `json:"isArchived"`
	ArchivedAt *time.Time  `json:"archivedAt,omitempty"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Appearance carries per-table overrides of the global display settings.
// Nil fields fall back to the app settings.
type Appearance struct {
	HeaderColor string `json:"headerColor,omitempty"`
	Density     string `json:"density,omitempty"`
	FontSize    *int   `json:"fontSize,omitempty"`
	StripedRows *bool  `json:"stripedRows,omitempty"`
	ShowBorders *bool  `json:"showBorders,omitempty"`
}

type Column struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Type        CellType        `json:"type"`
	Options     []string        `json:"options,omitempty"`
	Width       *int            `json:"width,omitempty"`
	Aggregation AggregationKind `json:"aggregation,omitempty"`
}

type Row struct {
	ID         string            `json:"id"`
	Cells      map[string]string `json:"cells"`
	CellColors map[string]string `json:"cellColors,omitempty"`
	Color      string            `json:"color,omitempty"`
	Children   []Row             `json:"children,omitempty"`
	IsExpanded bool              `json:"isExpanded"`
}

type Note struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Content     string     `json:"content"`
	IsMonospace bool       `json:"isMonospace"`
	WordWrap    bool       `json:"wordWrap"`
	SpellCheck  bool       `json:"spellCheck"`
	IsArchived  bool       `json:"isArchived"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Snapshot is the complete ordered list of workspaces at one instant. A
// Snapshot handed out by the local store is never mutated in place; every
// change produces a new Snapshot that shares untouched subtrees.
type Snapshot []Workspace

// EntityRef identifies one syncable entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Placement describes where a table or note lives: its workspace and its
// index inside that workspace's list.
type Placement struct {
	Kind        EntityKind `json:"kind"`
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Position    int        `json:"position"`
}

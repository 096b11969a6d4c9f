package localstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
)

// Mutation is a pure function from one snapshot to the next.
type Mutation interface {
	Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error)
}

// MutationFunc adapts a plain function to Mutation.
type MutationFunc func(document.Snapshot, time.Time) (document.Snapshot, error)

func (f MutationFunc) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return f(snap, now)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), document.ErrInvalidInput)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, document.ErrNotFound)
}

func updateTable(snap document.Snapshot, id string, now time.Time, fn func(*document.Table) error) (document.Snapshot, error) {
	return snap.UpdateTable(id, func(t *document.Table) error {
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = now
		return nil
	})
}

func updateNote(snap document.Snapshot, id string, now time.Time, fn func(*document.Note) error) (document.Snapshot, error) {
	return snap.UpdateNote(id, func(n *document.Note) error {
		if err := fn(n); err != nil {
			return err
		}
		n.UpdatedAt = now
		return nil
	})
}

func updateWorkspace(snap document.Snapshot, id string, now time.Time, fn func(*document.Workspace) error) (document.Snapshot, error) {
	return snap.UpdateWorkspace(id, func(ws *document.Workspace) error {
		if err := fn(ws); err != nil {
			return err
		}
		ws.UpdatedAt = now
		return nil
	})
}

func updateRow(snap document.Snapshot, tableID, rowID string, now time.Time, fn func(*document.Table, *document.Row) error) (document.Snapshot, error) {
	return updateTable(snap, tableID, now, func(t *document.Table) error {
		var inner error
		rows, ok := document.UpdateRow(t.Rows, rowID, func(r *document.Row) {
			inner = fn(t, r)
		})
		if !ok {
			return notFound("row", rowID)
		}
		if inner != nil {
			return inner
		}
		t.Rows = rows
		return nil
	})
}

// Workspaces

type CreateWorkspace struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Visibility document.Visibility `json:"visibility,omitempty"`
	Position   *int                `json:"position,omitempty"`
}

func (m CreateWorkspace) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	id := m.ID
	if id == "" {
		id = document.NewID()
	}
	if snap.WorkspaceIndex(id) >= 0 {
		return snap, invalid("workspace %s already exists", id)
	}
	vis := m.Visibility
	if vis == "" {
		vis = document.VisibilityPrivate
	}
	if !vis.Valid() {
		return snap, invalid("visibility %q", vis)
	}
	ws := document.Workspace{
		ID:         id,
		Name:       strings.TrimSpace(m.Name),
		Tables:     []document.Table{},
		Notes:      []document.Note{},
		IsExpanded: true,
		Visibility: vis,
		UpdatedAt:  now,
	}
	return snap.InsertWorkspace(position(m.Position), ws), nil
}

type RenameWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

func (m RenameWorkspace) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateWorkspace(snap, m.WorkspaceID, now, func(ws *document.Workspace) error {
		ws.Name = strings.TrimSpace(m.Name)
		return nil
	})
}

type SetWorkspaceExpanded struct {
	WorkspaceID string `json:"workspaceId"`
	Expanded    bool   `json:"expanded"`
}

func (m SetWorkspaceExpanded) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateWorkspace(snap, m.WorkspaceID, now, func(ws *document.Workspace) error {
		ws.IsExpanded = m.Expanded
		return nil
	})
}

type SetWorkspaceVisibility struct {
	WorkspaceID string              `json:"workspaceId"`
	Visibility  document.Visibility `json:"visibility"`
}

func (m SetWorkspaceVisibility) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	if !m.Visibility.Valid() {
		return snap, invalid("visibility %q", m.Visibility)
	}
	return updateWorkspace(snap, m.WorkspaceID, now, func(ws *document.Workspace) error {
		ws.Visibility = m.Visibility
		return nil
	})
}

// DeleteWorkspace permanently removes a workspace with everything in it.
type DeleteWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

func (m DeleteWorkspace) Apply(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
	next, ok := snap.Remove(document.EntityRef{Kind: document.KindWorkspace, ID: m.WorkspaceID})
	if !ok {
		return snap, notFound("workspace", m.WorkspaceID)
	}
	return next, nil
}

// ReorderWorkspace moves a workspace to a new index in the sidebar.
type ReorderWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
	Position    int    `json:"position"`
}

func (m ReorderWorkspace) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	ws, ok := snap.FindWorkspace(m.WorkspaceID)
	if !ok {
		return snap, notFound("workspace", m.WorkspaceID)
	}
	rest, _ := snap.Remove(document.EntityRef{Kind: document.KindWorkspace, ID: m.WorkspaceID})
	ws.UpdatedAt = now
	return rest.InsertWorkspace(m.Position, ws), nil
}

// Tables

type CreateTable struct {
	WorkspaceID string            `json:"workspaceId"`
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Columns     []document.Column `json:"columns,omitempty"`
	Rows        []document.Row    `json:"rows,omitempty"`
	Position    *int              `json:"position,omitempty"`
}

func (m CreateTable) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	id := m.ID
	if id == "" {
		id = document.NewID()
	}
	if _, _, exists := snap.FindTable(id); exists {
		return snap, invalid("table %s already exists", id)
	}
	columns := append([]document.Column(nil), m.Columns...)
	if len(columns) == 0 {
		columns = []document.Column{{ID: document.NewID(), Title: "Name", Type: document.CellText}}
	}
	for i := range columns {
		if columns[i].ID == "" {
			columns[i].ID = document.NewID()
		}
		if err := validateColumn(columns[i]); err != nil {
			return snap, err
		}
	}
	rows := m.Rows
	if rows == nil {
		rows = []document.Row{}
	}
	t := document.Table{
		ID:        id,
		Name:      strings.TrimSpace(m.Name),
		Columns:   columns,
		Rows:      rows,
		UpdatedAt: now,
	}
	return snap.InsertTable(m.WorkspaceID, position(m.Position), t)
}

type RenameTable struct {
	TableID string `json:"tableId"`
	Name    string `json:"name"`
}

func (m RenameTable) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		t.Name = strings.TrimSpace(m.Name)
		return nil
	})
}

type AddColumn struct {
	TableID  string          `json:"tableId"`
	Column   document.Column `json:"column"`
	Position *int            `json:"position,omitempty"`
}

func (m AddColumn) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	col := m.Column
	if col.ID == "" {
		col.ID = document.NewID()
	}
	if col.Type == "" {
		col.Type = document.CellText
	}
	if err := validateColumn(col); err != nil {
		return snap, err
	}
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		if t.ColumnIndex(col.ID) >= 0 {
			return invalid("column %s already exists", col.ID)
		}
		t.Columns = insert(t.Columns, position(m.Position), col)
		return nil
	})
}

// UpdateColumn changes the provided fields of a column. Changing the type
// keeps existing cell values.
type UpdateColumn struct {
	TableID     string                    `json:"tableId"`
	ColumnID    string                    `json:"columnId"`
	Title       *string                   `json:"title,omitempty"`
	Type        *document.CellType        `json:"type,omitempty"`
	Options     []string                  `json:"options,omitempty"`
	Width       *int                      `json:"width,omitempty"`
	Aggregation *document.AggregationKind `json:"aggregation,omitempty"`
}

func (m UpdateColumn) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		i := t.ColumnIndex(m.ColumnID)
		if i < 0 {
			return notFound("column", m.ColumnID)
		}
		col := t.Columns[i]
		if m.Title != nil {
			col.Title = strings.TrimSpace(*m.Title)
		}
		if m.Type != nil {
			col.Type = *m.Type
		}
		if m.Options != nil {
			col.Options = append([]string(nil), m.Options...)
		}
		if m.Width != nil {
			w := *m.Width
			col.Width = &w
		}
		if m.Aggregation != nil {
			col.Aggregation = *m.Aggregation
		}
		if err := validateColumn(col); err != nil {
			return err
		}
		columns := append([]document.Column(nil), t.Columns...)
		columns[i] = col
		t.Columns = columns
		return nil
	})
}

type RemoveColumn struct {
	TableID  string `json:"tableId"`
	ColumnID string `json:"columnId"`
}

func (m RemoveColumn) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		i := t.ColumnIndex(m.ColumnID)
		if i < 0 {
			return notFound("column", m.ColumnID)
		}
		columns := make([]document.Column, 0, len(t.Columns)-1)
		columns = append(columns, t.Columns[:i]...)
		t.Columns = append(columns, t.Columns[i+1:]...)
		t.Rows = document.DropColumn(t.Rows, m.ColumnID)
		return nil
	})
}

// AddRow inserts a row at the top level or under ParentRowID.
type AddRow struct {
	TableID     string            `json:"tableId"`
	ParentRowID string            `json:"parentRowId,omitempty"`
	ID          string            `json:"id,omitempty"`
	Cells       map[string]string `json:"cells,omitempty"`
	Position    *int              `json:"position,omitempty"`
}

func (m AddRow) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	id := m.ID
	if id == "" {
		id = document.NewID()
	}
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		if _, exists := document.FindRow(t.Rows, id); exists {
			return invalid("row %s already exists", id)
		}
		cells := make(map[string]string, len(t.Columns))
		for _, col := range t.Columns {
			cells[col.ID] = ""
		}
		for colID, v := range m.Cells {
			i := t.ColumnIndex(colID)
			if i < 0 {
				return notFound("column", colID)
			}
			if err := validateCell(t.Columns[i], v); err != nil {
				return err
			}
			cells[colID] = v
		}
		rows, ok := document.InsertRow(t.Rows, m.ParentRowID, position(m.Position), document.Row{ID: id, Cells: cells})
		if !ok {
			return notFound("row", m.ParentRowID)
		}
		t.Rows = rows
		return nil
	})
}

type UpdateCell struct {
	TableID  string `json:"tableId"`
	RowID    string `json:"rowId"`
	ColumnID string `json:"columnId"`
	Value    string `json:"value"`
}

func (m UpdateCell) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateRow(snap, m.TableID, m.RowID, now, func(t *document.Table, r *document.Row) error {
		i := t.ColumnIndex(m.ColumnID)
		if i < 0 {
			return notFound("column", m.ColumnID)
		}
		if err := validateCell(t.Columns[i], m.Value); err != nil {
			return err
		}
		if r.Cells == nil {
			r.Cells = map[string]string{}
		}
		r.Cells[m.ColumnID] = m.Value
		return nil
	})
}

type SetCellColor struct {
	TableID  string `json:"tableId"`
	RowID    string `json:"rowId"`
	ColumnID string `json:"columnId"`
	Color    string `json:"color"`
}

func (m SetCellColor) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	color, err := document.NormalizeColor(m.Color)
	if err != nil {
		return snap, err
	}
	return updateRow(snap, m.TableID, m.RowID, now, func(t *document.Table, r *document.Row) error {
		if t.ColumnIndex(m.ColumnID) < 0 {
			return notFound("column", m.ColumnID)
		}
		if color == "" {
			delete(r.CellColors, m.ColumnID)
			if len(r.CellColors) == 0 {
				r.CellColors = nil
			}
			return nil
		}
		if r.CellColors == nil {
			r.CellColors = map[string]string{}
		}
		r.CellColors[m.ColumnID] = color
		return nil
	})
}

type SetRowColor struct {
	TableID string `json:"tableId"`
	RowID   string `json:"rowId"`
	Color   string `json:"color"`
}

func (m SetRowColor) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	color, err := document.NormalizeColor(m.Color)
	if err != nil {
		return snap, err
	}
	return updateRow(snap, m.TableID, m.RowID, now, func(_ *document.Table, r *document.Row) error {
		r.Color = color
		return nil
	})
}

type SetRowExpanded struct {
	TableID  string `json:"tableId"`
	RowID    string `json:"rowId"`
	Expanded bool   `json:"expanded"`
}

func (m SetRowExpanded) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateRow(snap, m.TableID, m.RowID, now, func(_ *document.Table, r *document.Row) error {
		r.IsExpanded = m.Expanded
		return nil
	})
}

// RemoveRow deletes a row and its whole subtree.
type RemoveRow struct {
	TableID string `json:"tableId"`
	RowID   string `json:"rowId"`
}

func (m RemoveRow) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		rows, _, ok := document.RemoveRow(t.Rows, m.RowID)
		if !ok {
			return notFound("row", m.RowID)
		}
		t.Rows = rows
		return nil
	})
}

// MoveRow reparents a row (empty ParentRowID means top level) and places it
// at Position among its new siblings.
type MoveRow struct {
	TableID     string `json:"tableId"`
	RowID       string `json:"rowId"`
	ParentRowID string `json:"parentRowId,omitempty"`
	Position    int    `json:"position"`
}

func (m MoveRow) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		if m.ParentRowID == m.RowID || document.IsDescendant(t.Rows, m.RowID, m.ParentRowID) {
			return invalid("row %s cannot move under itself", m.RowID)
		}
		rows, row, ok := document.RemoveRow(t.Rows, m.RowID)
		if !ok {
			return notFound("row", m.RowID)
		}
		rows, ok = document.InsertRow(rows, m.ParentRowID, m.Position, row)
		if !ok {
			return notFound("row", m.ParentRowID)
		}
		t.Rows = rows
		return nil
	})
}

type SetTableAppearance struct {
	TableID    string               `json:"tableId"`
	Appearance *document.Appearance `json:"appearance"`
}

func (m SetTableAppearance) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	var appearance *document.Appearance
	if m.Appearance != nil {
		a := *m.Appearance
		color, err := document.NormalizeColor(a.HeaderColor)
		if err != nil {
			return snap, err
		}
		a.HeaderColor = color
		appearance = &a
	}
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		t.Appearance = appearance
		return nil
	})
}

// ArchiveTable is the reversible soft delete.
type ArchiveTable struct {
	TableID string `json:"tableId"`
}

func (m ArchiveTable) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		at := now
		t.IsArchived = true
		t.ArchivedAt = &at
		return nil
	})
}

type RestoreTable struct {
	TableID string `json:"tableId"`
}

func (m RestoreTable) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateTable(snap, m.TableID, now, func(t *document.Table) error {
		t.IsArchived = false
		t.ArchivedAt = nil
		return nil
	})
}

// DeleteTable removes the table permanently.
type DeleteTable struct {
	TableID string `json:"tableId"`
}

func (m DeleteTable) Apply(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
	next, ok := snap.Remove(document.EntityRef{Kind: document.KindTable, ID: m.TableID})
	if !ok {
		return snap, notFound("table", m.TableID)
	}
	return next, nil
}

type MoveTable struct {
	TableID     string `json:"tableId"`
	WorkspaceID string `json:"workspaceId"`
	Position    int    `json:"position"`
}

func (m MoveTable) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	t, _, ok := snap.FindTable(m.TableID)
	if !ok {
		return snap, notFound("table", m.TableID)
	}
	if snap.WorkspaceIndex(m.WorkspaceID) < 0 {
		return snap, notFound("workspace", m.WorkspaceID)
	}
	rest, _ := snap.Remove(document.EntityRef{Kind: document.KindTable, ID: m.TableID})
	t.UpdatedAt = now
	return rest.InsertTable(m.WorkspaceID, m.Position, t)
}

// Notes

type CreateNote struct {
	WorkspaceID string `json:"workspaceId"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Content     string `json:"content,omitempty"`
	IsMonospace bool   `json:"isMonospace,omitempty"`
	Position    *int   `json:"position,omitempty"`
}

func (m CreateNote) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	id := m.ID
	if id == "" {
		id = document.NewID()
	}
	if _, _, exists := snap.FindNote(id); exists {
		return snap, invalid("note %s already exists", id)
	}
	n := document.Note{
		ID:          id,
		Name:        strings.TrimSpace(m.Name),
		Content:     m.Content,
		IsMonospace: m.IsMonospace,
		WordWrap:    true,
		SpellCheck:  true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return snap.InsertNote(m.WorkspaceID, position(m.Position), n)
}

// UpdateNote changes whichever fields are set.
type UpdateNote struct {
	NoteID      string  `json:"noteId"`
	Name        *string `json:"name,omitempty"`
	Content     *string `json:"content,omitempty"`
	IsMonospace *bool   `json:"isMonospace,omitempty"`
	WordWrap    *bool   `json:"wordWrap,omitempty"`
	SpellCheck  *bool   `json:"spellCheck,omitempty"`
}

func (m UpdateNote) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateNote(snap, m.NoteID, now, func(n *document.Note) error {
		if m.Name != nil {
			n.Name = strings.TrimSpace(*m.Name)
		}
		if m.Content != nil {
			n.Content = *m.Content
		}
		if m.IsMonospace != nil {
			n.IsMonospace = *m.IsMonospace
		}
		if m.WordWrap != nil {
			n.WordWrap = *m.WordWrap
		}
		if m.SpellCheck != nil {
			n.SpellCheck = *m.SpellCheck
		}
		return nil
	})
}

type ArchiveNote struct {
	NoteID string `json:"noteId"`
}

func (m ArchiveNote) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateNote(snap, m.NoteID, now, func(n *document.Note) error {
		at := now
		n.IsArchived = true
		n.ArchivedAt = &at
		return nil
	})
}

type RestoreNote struct {
	NoteID string `json:"noteId"`
}

func (m RestoreNote) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	return updateNote(snap, m.NoteID, now, func(n *document.Note) error {
		n.IsArchived = false
		n.ArchivedAt = nil
		return nil
	})
}

type DeleteNote struct {
	NoteID string `json:"noteId"`
}

func (m DeleteNote) Apply(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
	next, ok := snap.Remove(document.EntityRef{Kind: document.KindNote, ID: m.NoteID})
	if !ok {
		return snap, notFound("note", m.NoteID)
	}
	return next, nil
}

type MoveNote struct {
	NoteID      string `json:"noteId"`
	WorkspaceID string `json:"workspaceId"`
	Position    int    `json:"position"`
}

func (m MoveNote) Apply(snap document.Snapshot, now time.Time) (document.Snapshot, error) {
	n, _, ok := snap.FindNote(m.NoteID)
	if !ok {
		return snap, notFound("note", m.NoteID)
	}
	if snap.WorkspaceIndex(m.WorkspaceID) < 0 {
		return snap, notFound("workspace", m.WorkspaceID)
	}
	rest, _ := snap.Remove(document.EntityRef{Kind: document.KindNote, ID: m.NoteID})
	n.UpdatedAt = now
	return rest.InsertNote(m.WorkspaceID, m.Position, n)
}

// validation

func validateColumn(c document.Column) error {
	if !c.Type.Valid() {
		return invalid("column %s type %q", c.ID, c.Type)
	}
	if c.Width != nil && *c.Width < 0 {
		return invalid("column %s width %d", c.ID, *c.Width)
	}
	switch c.Aggregation {
	case document.AggregationNone, document.AggregationCount, document.AggregationChecked:
	case document.AggregationSum, document.AggregationAverage, document.AggregationMin, document.AggregationMax:
		if c.Type != document.CellNumber {
			return invalid("column %s: %s needs a number column", c.ID, c.Aggregation)
		}
	default:
		return invalid("column %s aggregation %q", c.ID, c.Aggregation)
	}
	return nil
}

// validateCell checks a cell value against its column kind. The empty
// string is always accepted as "no value".
func validateCell(c document.Column, v string) error {
	if v == "" {
		return nil
	}
	switch c.Type {
	case document.CellCheckbox:
		if v != "true" && v != "false" {
			return invalid("checkbox value %q", v)
		}
	case document.CellNumber:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return invalid("number value %q", v)
		}
	case document.CellDate:
		if _, err := time.Parse("2006-01-02", v); err != nil {
			return invalid("date value %q", v)
		}
	case document.CellSelect:
		if !contains(c.Options, v) {
			return invalid("option %q not in column %s", v, c.ID)
		}
	case document.CellMultiSelect:
		for _, part := range strings.Split(v, ",") {
			if !contains(c.Options, strings.TrimSpace(part)) {
				return invalid("option %q not in column %s", part, c.ID)
			}
		}
	}
	return nil
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

func position(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func insert[T any](items []T, index int, item T) []T {
	if index < 0 || index > len(items) {
		index = len(items)
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, item)
	return append(out, items[index:]...)
}

var mutationTypes = map[string]func() Mutation{
	"createWorkspace":        func() Mutation { return &CreateWorkspace{} },
	"renameWorkspace":        func() Mutation { return &RenameWorkspace{} },
	"setWorkspaceExpanded":   func() Mutation { return &SetWorkspaceExpanded{} },
	"setWorkspaceVisibility": func() Mutation { return &SetWorkspaceVisibility{} },
	"deleteWorkspace":        func() Mutation { return &DeleteWorkspace{} },
	"reorderWorkspace":       func() Mutation { return &ReorderWorkspace{} },
	"createTable":            func() Mutation { return &CreateTable{} },
	"renameTable":            func() Mutation { return &RenameTable{} },
	"addColumn":              func() Mutation { return &AddColumn{} },
	"updateColumn":           func() Mutation { return &UpdateColumn{} },
	"removeColumn":           func() Mutation { return &RemoveColumn{} },
	"addRow":                 func() Mutation { return &AddRow{} },
	"updateCell":             func() Mutation { return &UpdateCell{} },
	"setCellColor":           func() Mutation { return &SetCellColor{} },
	"setRowColor":            func() Mutation { return &SetRowColor{} },
	"setRowExpanded":         func() Mutation { return &SetRowExpanded{} },
	"removeRow":              func() Mutation { return &RemoveRow{} },
	"moveRow":                func() Mutation { return &MoveRow{} },
	"setTableAppearance":     func() Mutation { return &SetTableAppearance{} },
	"archiveTable":           func() Mutation { return &ArchiveTable{} },
	"restoreTable":           func() Mutation { return &RestoreTable{} },
	"deleteTable":            func() Mutation { return &DeleteTable{} },
	"moveTable":              func() Mutation { return &MoveTable{} },
	"createNote":             func() Mutation { return &CreateNote{} },
	"updateNote":             func() Mutation { return &UpdateNote{} },
	"archiveNote":            func() Mutation { return &ArchiveNote{} },
	"restoreNote":            func() Mutation { return &RestoreNote{} },
	"deleteNote":             func() Mutation { return &DeleteNote{} },
	"moveNote":               func() Mutation { return &MoveNote{} },
}

// DecodeMutation parses {"type": "...", ...fields} into the named mutation.
func DecodeMutation(data []byte) (Mutation, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, invalid("mutation: %v", err)
	}
	factory, ok := mutationTypes[head.Type]
	if !ok {
		return nil, invalid("unknown mutation type %q", head.Type)
	}
	m := factory()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, invalid("%s: %v", head.Type, err)
	}
	return m, nil
}

// MutationTypes lists the names DecodeMutation accepts.
func MutationTypes() []string {
	out := make([]string, 0, len(mutationTypes))
	for name := range mutationTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
)

// remote timestamps are stored with microsecond precision
func wireTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func wireTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := wireTime(*t)
	return &v
}

func WorkspaceToRow(ws document.Workspace, position int) WorkspaceRow {
	vis := ws.Visibility
	if vis == "" {
		vis = document.VisibilityPrivate
	}
	return WorkspaceRow{
		ID:         ws.ID,
		Name:       ws.Name,
		OwnerID:    ws.OwnerID,
		Visibility: string(vis),
		IsExpanded: ws.IsExpanded,
		Position:   position,
		UpdatedAt:  wireTime(ws.UpdatedAt),
	}
}

// WorkspaceFromRow builds the workspace metadata; tables and notes arrive
// as rows of their own.
func WorkspaceFromRow(r WorkspaceRow) document.Workspace {
	vis := document.Visibility(r.Visibility)
	if !vis.Valid() {
		vis = document.VisibilityPrivate
	}
	return document.Workspace{
		ID:         r.ID,
		Name:       r.Name,
		Tables:     []document.Table{},
		Notes:      []document.Note{},
		IsExpanded: r.IsExpanded,
		OwnerID:    r.OwnerID,
		Visibility: vis,
		UpdatedAt:  wireTime(r.UpdatedAt),
	}
}

func TableToRow(t document.Table, workspaceID string, position int) (TableRow, error) {
	columns := t.Columns
	if columns == nil {
		columns = []document.Column{}
	}
	rows := t.Rows
	if rows == nil {
		rows = []document.Row{}
	}
	colJSON, err := json.Marshal(columns)
	if err != nil {
		return TableRow{}, fmt.Errorf("table %s columns: %w", t.ID, err)
	}
	rowJSON, err := json.Marshal(rows)
	if err != nil {
		return TableRow{}, fmt.Errorf("table %s rows: %w", t.ID, err)
	}
	var appearance JSONText
	if t.Appearance != nil {
		if appearance, err = json.Marshal(t.Appearance); err != nil {
			return TableRow{}, fmt.Errorf("table %s appearance: %w", t.ID, err)
		}
	}
	return TableRow{
		ID:          t.ID,
		WorkspaceID: workspaceID,
		Name:        t.Name,
		Columns:     colJSON,
		Rows:        rowJSON,
		Appearance:  appearance,
		Position:    position,
		IsArchived:  t.IsArchived,
		ArchivedAt:  wireTimePtr(t.ArchivedAt),
		UpdatedAt:   wireTime(t.UpdatedAt),
	}, nil
}

func TableFromRow(r TableRow) (document.Table, error) {
	if err := ValidateTableRow(r); err != nil {
		return document.Table{}, err
	}
	t := document.Table{
		ID:         r.ID,
		Name:       r.Name,
		IsArchived: r.IsArchived,
		ArchivedAt: wireTimePtr(r.ArchivedAt),
		UpdatedAt:  wireTime(r.UpdatedAt),
	}
	if err := json.Unmarshal(r.Columns, &t.Columns); err != nil {
		return document.Table{}, fmt.Errorf("%w: table %s columns: %v", ErrInvalidRow, r.ID, err)
	}
	if err := json.Unmarshal(r.Rows, &t.Rows); err != nil {
		return document.Table{}, fmt.Errorf("%w: table %s rows: %v", ErrInvalidRow, r.ID, err)
	}
	if len(r.Appearance) > 0 && string(r.Appearance) != "null" {
		var a document.Appearance
		if err := json.Unmarshal(r.Appearance, &a); err != nil {
			return document.Table{}, fmt.Errorf("%w: table %s appearance: %v", ErrInvalidRow, r.ID, err)
		}
		t.Appearance = &a
	}
	if t.Columns == nil {
		t.Columns = []document.Column{}
	}
	if t.Rows == nil {
		t.Rows = []document.Row{}
	}
	return t, nil
}

func NoteToRow(n document.Note, workspaceID string, position int) NoteRow {
	created := n.CreatedAt
	if created.IsZero() {
		created = n.UpdatedAt
	}
	return NoteRow{
		ID:          n.ID,
		WorkspaceID: workspaceID,
		Name:        n.Name,
		Content:     n.Content,
		Position:    position,
		IsMonospace: n.IsMonospace,
		WordWrap:    n.WordWrap,
		SpellCheck:  n.SpellCheck,
		IsArchived:  n.IsArchived,
		ArchivedAt:  wireTimePtr(n.ArchivedAt),
		CreatedAt:   wireTime(created),
		UpdatedAt:   wireTime(n.UpdatedAt),
	}
}

func NoteFromRow(r NoteRow) document.Note {
	return document.Note{
		ID:          r.ID,
		Name:        r.Name,
		Content:     r.Content,
		IsMonospace: r.IsMonospace,
		WordWrap:    r.WordWrap,
		SpellCheck:  r.SpellCheck,
		IsArchived:  r.IsArchived,
		ArchivedAt:  wireTimePtr(r.ArchivedAt),
		CreatedAt:   wireTime(r.CreatedAt),
		UpdatedAt:   wireTime(r.UpdatedAt),
	}
}

// SnapshotRows flattens a snapshot into wire rows, with list indices as
// positions.
func SnapshotRows(snap document.Snapshot) ([]WorkspaceRow, []TableRow, []NoteRow, error) {
	var (
		wsRows    = make([]WorkspaceRow, 0, len(snap))
		tableRows []TableRow
		noteRows  []NoteRow
	)
	for wi, ws := range snap {
		wsRows = append(wsRows, WorkspaceToRow(ws, wi))
		for ti, t := range ws.Tables {
			row, err := TableToRow(t, ws.ID, ti)
			if err != nil {
				return nil, nil, nil, err
			}
			tableRows = append(tableRows, row)
		}
		for ni, n := range ws.Notes {
			noteRows = append(noteRows, NoteToRow(n, ws.ID, ni))
		}
	}
	return wsRows, tableRows, noteRows, nil
}

// Snapshot assembles the dataset into a document tree ordered by position.
// Rows whose workspace is missing and tables whose json fails validation
// are skipped and reported in the returned slice.
func (d Dataset) Snapshot() (document.Snapshot, []error) {
	var problems []error
	workspaces := append([]WorkspaceRow(nil), d.Workspaces...)
	sort.SliceStable(workspaces, func(i, j int) bool { return workspaces[i].Position < workspaces[j].Position })

	snap := make(document.Snapshot, 0, len(workspaces))
	index := make(map[string]int, len(workspaces))
	for _, w := range workspaces {
		index[w.ID] = len(snap)
		snap = append(snap, WorkspaceFromRow(w))
	}

	tables := append([]TableRow(nil), d.Tables...)
	sort.SliceStable(tables, func(i, j int) bool { return tables[i].Position < tables[j].Position })
	for _, r := range tables {
		wi, ok := index[r.WorkspaceID]
		if !ok {
			problems = append(problems, fmt.Errorf("%w: table %s references missing workspace %s", ErrInvalidRow, r.ID, r.WorkspaceID))
			continue
		}
		t, err := TableFromRow(r)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		snap[wi].Tables = append(snap[wi].Tables, t)
	}

	notes := append([]NoteRow(nil), d.Notes...)
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].Position < notes[j].Position })
	for _, r := range notes {
		wi, ok := index[r.WorkspaceID]
		if !ok {
			problems = append(problems, fmt.Errorf("%w: note %s references missing workspace %s", ErrInvalidRow, r.ID, r.WorkspaceID))
			continue
		}
		snap[wi].Notes = append(snap[wi].Notes, NoteFromRow(r))
	}
	return snap, problems
}

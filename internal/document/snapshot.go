package document

import "fmt"

func (s Snapshot) WorkspaceIndex(id string) int {
	for i := range s {
		if s[i].ID == id {
			return i
		}
	}
	return -1
}

func (s Snapshot) FindWorkspace(id string) (Workspace, bool) {
	if i := s.WorkspaceIndex(id); i >= 0 {
		return s[i], true
	}
	return Workspace{}, false
}

// FindTable returns the table with id and the id of the workspace that holds it.
func (s Snapshot) FindTable(id string) (Table, string, bool) {
	for _, ws := range s {
		for _, t := range ws.Tables {
			if t.ID == id {
				return t, ws.ID, true
			}
		}
	}
	return Table{}, "", false
}

func (s Snapshot) FindNote(id string) (Note, string, bool) {
	for _, ws := range s {
		for _, n := range ws.Notes {
			if n.ID == id {
				return n, ws.ID, true
			}
		}
	}
	return Note{}, "", false
}

func (s Snapshot) Contains(ref EntityRef) bool {
	switch ref.Kind {
	case KindWorkspace:
		return s.WorkspaceIndex(ref.ID) >= 0
	case KindTable:
		_, _, ok := s.FindTable(ref.ID)
		return ok
	case KindNote:
		_, _, ok := s.FindNote(ref.ID)
		return ok
	}
	return false
}

// Refs lists every entity in snapshot order: each workspace followed by its
// tables and notes.
func (s Snapshot) Refs() []EntityRef {
	refs := make([]EntityRef, 0, len(s)*4)
	for _, ws := range s {
		refs = append(refs, EntityRef{Kind: KindWorkspace, ID: ws.ID})
		for _, t := range ws.Tables {
			refs = append(refs, EntityRef{Kind: KindTable, ID: t.ID})
		}
		for _, n := range ws.Notes {
			refs = append(refs, EntityRef{Kind: KindNote, ID: n.ID})
		}
	}
	return refs
}

// PlacementOf reports the workspace and index of a table or note.
func (s Snapshot) PlacementOf(ref EntityRef) (Placement, bool) {
	for _, ws := range s {
		switch ref.Kind {
		case KindTable:
			for i, t := range ws.Tables {
				if t.ID == ref.ID {
					return Placement{Kind: ref.Kind, ID: ref.ID, WorkspaceID: ws.ID, Position: i}, true
				}
			}
		case KindNote:
			for i, n := range ws.Notes {
				if n.ID == ref.ID {
					return Placement{Kind: ref.Kind, ID: ref.ID, WorkspaceID: ws.ID, Position: i}, true
				}
			}
		}
	}
	return Placement{}, false
}

func (s Snapshot) withWorkspace(i int, ws Workspace) Snapshot {
	next := make(Snapshot, len(s))
	copy(next, s)
	next[i] = ws
	return next
}

// UpdateWorkspace returns a new snapshot in which fn has been applied to a
// copy of workspace id. fn must assign fresh slices rather than writing into
// the Tables or Notes it was given.
func (s Snapshot) UpdateWorkspace(id string, fn func(*Workspace) error) (Snapshot, error) {
	i := s.WorkspaceIndex(id)
	if i < 0 {
		return s, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	ws := s[i]
	if err := fn(&ws); err != nil {
		return s, err
	}
	return s.withWorkspace(i, ws), nil
}

func (s Snapshot) UpdateTable(id string, fn func(*Table) error) (Snapshot, error) {
	for wi, ws := range s {
		for ti, t := range ws.Tables {
			if t.ID != id {
				continue
			}
			if err := fn(&t); err != nil {
				return s, err
			}
			tables := make([]Table, len(ws.Tables))
			copy(tables, ws.Tables)
			tables[ti] = t
			ws.Tables = tables
			return s.withWorkspace(wi, ws), nil
		}
	}
	return s, fmt.Errorf("table %s: %w", id, ErrNotFound)
}

func (s Snapshot) UpdateNote(id string, fn func(*Note) error) (Snapshot, error) {
	for wi, ws := range s {
		for ni, n := range ws.Notes {
			if n.ID != id {
				continue
			}
			if err := fn(&n); err != nil {
				return s, err
			}
			notes := make([]Note, len(ws.Notes))
			copy(notes, ws.Notes)
			notes[ni] = n
			ws.Notes = notes
			return s.withWorkspace(wi, ws), nil
		}
	}
	return s, fmt.Errorf("note %s: %w", id, ErrNotFound)
}

func (s Snapshot) InsertWorkspace(index int, ws Workspace) Snapshot {
	index = clampIndex(index, len(s))
	next := make(Snapshot, 0, len(s)+1)
	next = append(next, s[:index]...)
	next = append(next, ws)
	return append(next, s[index:]...)
}

// InsertTable places t into workspace wsID at index; a negative or
// out-of-range index appends.
func (s Snapshot) InsertTable(wsID string, index int, t Table) (Snapshot, error) {
	return s.UpdateWorkspace(wsID, func(ws *Workspace) error {
		ws.Tables = insertAt(ws.Tables, index, t)
		return nil
	})
}

func (s Snapshot) InsertNote(wsID string, index int, n Note) (Snapshot, error) {
	return s.UpdateWorkspace(wsID, func(ws *Workspace) error {
		ws.Notes = insertAt(ws.Notes, index, n)
		return nil
	})
}

// Remove deletes the entity from every place it occurs. Tables and notes are
// searched in all workspaces so a half-applied move never leaves a copy
// behind. The boolean reports whether anything was removed.
func (s Snapshot) Remove(ref EntityRef) (Snapshot, bool) {
	switch ref.Kind {
	case KindWorkspace:
		i := s.WorkspaceIndex(ref.ID)
		if i < 0 {
			return s, false
		}
		next := make(Snapshot, 0, len(s)-1)
		next = append(next, s[:i]...)
		return append(next, s[i+1:]...), true
	case KindTable, KindNote:
		removed := false
		next := s
		for wi, ws := range s {
			changed := false
			if ref.Kind == KindTable {
				tables := make([]Table, 0, len(ws.Tables))
				for _, t := range ws.Tables {
					if t.ID == ref.ID {
						changed = true
						continue
					}
					tables = append(tables, t)
				}
				if changed {
					ws.Tables = tables
				}
			} else {
				notes := make([]Note, 0, len(ws.Notes))
				for _, n := range ws.Notes {
					if n.ID == ref.ID {
						changed = true
						continue
					}
					notes = append(notes, n)
				}
				if changed {
					ws.Notes = notes
				}
			}
			if changed {
				if !removed {
					next = make(Snapshot, len(s))
					copy(next, s)
				}
				next[wi] = ws
				removed = true
			}
		}
		return next, removed
	}
	return s, false
}

// Clone returns a deep copy that shares no memory with s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for i, ws := range s {
		out[i] = ws
		out[i].Tables = make([]Table, len(ws.Tables))
		for j, t := range ws.Tables {
			out[i].Tables[j] = t.Clone()
		}
		out[i].Notes = make([]Note, len(ws.Notes))
		for j, n := range ws.Notes {
			out[i].Notes[j] = n.Clone()
		}
	}
	return out
}

func (t Table) Clone() Table {
	out := t
	out.Columns = make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		out.Columns[i] = c
		if c.Options != nil {
			out.Columns[i].Options = append([]string(nil), c.Options...)
		}
		if c.Width != nil {
			w := *c.Width
			out.Columns[i].Width = &w
		}
	}
	out.Rows = cloneRows(t.Rows)
	if t.Appearance != nil {
		a := *t.Appearance
		if a.FontSize != nil {
			v := *a.FontSize
			a.FontSize = &v
		}
		if a.StripedRows != nil {
			v := *a.StripedRows
			a.StripedRows = &v
		}
		if a.ShowBorders != nil {
			v := *a.ShowBorders
			a.ShowBorders = &v
		}
		out.Appearance = &a
	}
	out.ArchivedAt = cloneTime(t.ArchivedAt)
	return out
}

func (n Note) Clone() Note {
	out := n
	out.ArchivedAt = cloneTime(n.ArchivedAt)
	return out
}

// ColumnIndex returns the index of column id, or -1.
func (t Table) ColumnIndex(id string) int {
	for i, c := range t.Columns {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func insertAt[T any](items []T, index int, item T) []T {
	index = clampIndex(index, len(items))
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, item)
	return append(out, items[index:]...)
}

func clampIndex(index, length int) int {
	if index < 0 || index > length {
		return length
	}
	return index
}

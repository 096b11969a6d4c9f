package document

import "time"

// FindRow searches the row tree depth-first.
func FindRow(rows []Row, id string) (Row, bool) {
	for _, r := range rows {
		if r.ID == id {
			return r, true
		}
		if found, ok := FindRow(r.Children, id); ok {
			return found, true
		}
	}
	return Row{}, false
}

// UpdateRow copies the path from the root to row id and applies fn to the
// copy. The row's cell maps are copied before fn runs, so fn may write to
// them freely.
func UpdateRow(rows []Row, id string, fn func(*Row)) ([]Row, bool) {
	for i, r := range rows {
		if r.ID == id {
			r.Cells = copyStringMap(r.Cells)
			r.CellColors = copyStringMap(r.CellColors)
			fn(&r)
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i] = r
			return out, true
		}
		if children, ok := UpdateRow(r.Children, id, fn); ok {
			r.Children = children
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i] = r
			return out, true
		}
	}
	return rows, false
}

// InsertRow adds row under parentID (top level when parentID is empty) at
// index; a negative index appends.
func InsertRow(rows []Row, parentID string, index int, row Row) ([]Row, bool) {
	if parentID == "" {
		return insertAt(rows, index, row), true
	}
	for i, r := range rows {
		if r.ID == parentID {
			r.Children = insertAt(r.Children, index, row)
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i] = r
			return out, true
		}
		if children, ok := InsertRow(r.Children, parentID, index, row); ok {
			r.Children = children
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i] = r
			return out, true
		}
	}
	return rows, false
}

// RemoveRow detaches row id together with its subtree.
func RemoveRow(rows []Row, id string) ([]Row, Row, bool) {
	for i, r := range rows {
		if r.ID == id {
			out := make([]Row, 0, len(rows)-1)
			out = append(out, rows[:i]...)
			return append(out, rows[i+1:]...), r, true
		}
		if children, removed, ok := RemoveRow(r.Children, id); ok {
			r.Children = children
			out := make([]Row, len(rows))
			copy(out, rows)
			out[i] = r
			return out, removed, true
		}
	}
	return rows, Row{}, false
}

// IsDescendant reports whether candidate sits somewhere below ancestor.
func IsDescendant(rows []Row, ancestor, candidate string) bool {
	root, ok := FindRow(rows, ancestor)
	if !ok {
		return false
	}
	_, found := FindRow(root.Children, candidate)
	return found
}

func CountRows(rows []Row) int {
	n := 0
	for _, r := range rows {
		n += 1 + CountRows(r.Children)
	}
	return n
}

// WalkRows visits rows in display order.
func WalkRows(rows []Row, fn func(r Row, depth int)) {
	walkRows(rows, 0, fn)
}

func walkRows(rows []Row, depth int, fn func(Row, int)) {
	for _, r := range rows {
		fn(r, depth)
		walkRows(r.Children, depth+1, fn)
	}
}

// DropColumn removes a column's cells and colors from every row in the tree.
func DropColumn(rows []Row, columnID string) []Row {
	if len(rows) == 0 {
		return rows
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		if _, ok := r.Cells[columnID]; ok {
			r.Cells = copyStringMap(r.Cells)
			delete(r.Cells, columnID)
		}
		if _, ok := r.CellColors[columnID]; ok {
			r.CellColors = copyStringMap(r.CellColors)
			delete(r.CellColors, columnID)
		}
		r.Children = DropColumn(r.Children, columnID)
		out[i] = r
	}
	return out
}

func cloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r
		out[i].Cells = copyStringMap(r.Cells)
		out[i].CellColors = copyStringMap(r.CellColors)
		out[i].Children = cloneRows(r.Children)
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

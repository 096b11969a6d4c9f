package localstore

import "github.com/agentworkforce/relaynote/internal/document"

type location struct {
	workspaceID string
	position    int
}

func index(snap document.Snapshot) map[document.EntityRef]location {
	out := make(map[document.EntityRef]location, len(snap)*4)
	for wi, ws := range snap {
		out[document.EntityRef{Kind: document.KindWorkspace, ID: ws.ID}] = location{position: wi}
		for i, t := range ws.Tables {
			out[document.EntityRef{Kind: document.KindTable, ID: t.ID}] = location{workspaceID: ws.ID, position: i}
		}
		for i, n := range ws.Notes {
			out[document.EntityRef{Kind: document.KindNote, ID: n.ID}] = location{workspaceID: ws.ID, position: i}
		}
	}
	return out
}

// diff derives the structural side effects of replacing prev with next:
// entities that vanished, entities that appeared, and tables or notes that
// changed workspace. Children of a deleted workspace are not reported
// separately; the remote store removes them with their workspace.
func diff(prev, next document.Snapshot) Change {
	before := index(prev)
	after := index(next)
	var c Change
	c.Snapshot = next
	c.Previous = prev

	for _, ref := range prev.Refs() {
		loc := before[ref]
		if _, ok := after[ref]; ok {
			if ref.Kind != document.KindWorkspace && after[ref].workspaceID != loc.workspaceID {
				c.Placements = append(c.Placements, document.Placement{
					Kind: ref.Kind, ID: ref.ID,
					WorkspaceID: after[ref].workspaceID, Position: after[ref].position,
				})
			}
			continue
		}
		if ref.Kind != document.KindWorkspace {
			parent := document.EntityRef{Kind: document.KindWorkspace, ID: loc.workspaceID}
			if _, parentKept := after[parent]; !parentKept {
				continue
			}
		}
		c.Deletes = append(c.Deletes, Deletion{Ref: ref, WorkspaceID: loc.workspaceID})
	}
	for _, ref := range next.Refs() {
		if _, ok := before[ref]; !ok {
			c.Added = append(c.Added, ref)
		}
	}
	return c
}

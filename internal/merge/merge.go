// Package merge reconciles the local snapshot with a freshly fetched remote
// snapshot. It is a pure function of its inputs; the caller installs the
// result in the local store.
package merge

import (
	"encoding/json"
	"reflect"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/remote"
)

// Input is everything a merge needs. Baseline holds the entities this
// device has seen confirmed remotely; a nil Baseline selects the initial
// sync regime.
type Input struct {
	Local    document.Snapshot
	Remote   document.Snapshot
	Pending  map[document.EntityRef]bool
	Baseline map[document.EntityRef]bool
}

// Report counts what the merge decided. ConflictIgnored is the number of
// entities present on both sides with different content where one side was
// silently discarded.
type Report struct {
	Initial         bool
	Adopted         int
	LocalWins       int
	RemoteWins      int
	ConflictIgnored int
	LocalOnly       []document.EntityRef
	DroppedRemote   []document.EntityRef
	Excluded        []document.EntityRef
}

func (in Input) pending(ref document.EntityRef) bool {
	return in.Pending[ref]
}

// Initial accepts the remote snapshot as-is and appends local workspaces
// that were never assigned an owner, together with their tables and notes.
func Initial(in Input) (document.Snapshot, Report) {
	r := Report{Initial: true}
	out := make(document.Snapshot, 0, len(in.Remote))
	for _, ws := range in.Remote {
		ref := document.EntityRef{Kind: document.KindWorkspace, ID: ws.ID}
		if in.pending(ref) {
			r.Excluded = append(r.Excluded, ref)
			continue
		}
		ws = in.filterChildren(ws, &r)
		out = append(out, ws)
		r.Adopted++
	}
	for _, ws := range in.Local {
		if ws.OwnerID != "" || out.WorkspaceIndex(ws.ID) >= 0 {
			continue
		}
		ref := document.EntityRef{Kind: document.KindWorkspace, ID: ws.ID}
		if in.pending(ref) {
			continue
		}
		ws = in.filterChildren(ws, &r)
		ws = withoutPlaced(ws, out)
		out = append(out, ws)
		r.LocalOnly = append(r.LocalOnly, ref)
		for _, t := range ws.Tables {
			r.LocalOnly = append(r.LocalOnly, document.EntityRef{Kind: document.KindTable, ID: t.ID})
		}
		for _, n := range ws.Notes {
			r.LocalOnly = append(r.LocalOnly, document.EntityRef{Kind: document.KindNote, ID: n.ID})
		}
	}
	return out, r
}

// Merge runs the subsequent-merge regime, or Initial when no baseline
// exists yet.
//
// For entities on both sides the strictly newer updatedAt wins the content
// and ties go to the remote; the remote decides which workspace a table or
// note lives in and the order of everything. Local-only entities are kept
// when they are new (absent from the baseline, or a workspace with no
// owner) and dropped when the baseline shows another device deleted them.
// Anything with a pending delete is excluded from the result.
func Merge(in Input) (document.Snapshot, Report) {
	if in.Baseline == nil {
		return Initial(in)
	}
	var r Report
	out := make(document.Snapshot, 0, len(in.Remote)+len(in.Local))

	for _, remoteWS := range in.Remote {
		ref := document.EntityRef{Kind: document.KindWorkspace, ID: remoteWS.ID}
		if in.pending(ref) {
			r.Excluded = append(r.Excluded, ref)
			continue
		}
		ws := remoteWS
		if localWS, ok := in.Local.FindWorkspace(remoteWS.ID); ok {
			ws = mergeWorkspaceMeta(localWS, remoteWS, &r)
		} else {
			r.Adopted++
		}
		ws.Tables = make([]document.Table, 0, len(remoteWS.Tables))
		for _, rt := range remoteWS.Tables {
			tref := document.EntityRef{Kind: document.KindTable, ID: rt.ID}
			if in.pending(tref) {
				r.Excluded = append(r.Excluded, tref)
				continue
			}
			if lt, _, ok := in.Local.FindTable(rt.ID); ok {
				ws.Tables = append(ws.Tables, pickTable(lt, rt, &r))
			} else {
				ws.Tables = append(ws.Tables, rt)
				r.Adopted++
			}
		}
		ws.Notes = make([]document.Note, 0, len(remoteWS.Notes))
		for _, rn := range remoteWS.Notes {
			nref := document.EntityRef{Kind: document.KindNote, ID: rn.ID}
			if in.pending(nref) {
				r.Excluded = append(r.Excluded, nref)
				continue
			}
			if ln, _, ok := in.Local.FindNote(rn.ID); ok {
				ws.Notes = append(ws.Notes, pickNote(ln, rn, &r))
			} else {
				ws.Notes = append(ws.Notes, rn)
				r.Adopted++
			}
		}
		out = append(out, ws)
	}

	// Local-only workspaces.
	for _, lw := range in.Local {
		ref := document.EntityRef{Kind: document.KindWorkspace, ID: lw.ID}
		if in.Remote.WorkspaceIndex(lw.ID) >= 0 || in.pending(ref) {
			continue
		}
		if lw.OwnerID != "" && in.Baseline[ref] {
			r.DroppedRemote = append(r.DroppedRemote, ref)
			continue
		}
		ws := lw
		ws.Tables = nil
		ws.Notes = nil
		out = append(out, ws)
		r.LocalOnly = append(r.LocalOnly, ref)
	}

	// Local-only tables and notes follow their local workspace when it
	// survived the merge.
	for _, lw := range in.Local {
		if in.pending(document.EntityRef{Kind: document.KindWorkspace, ID: lw.ID}) {
			continue
		}
		wi := out.WorkspaceIndex(lw.ID)
		for _, lt := range lw.Tables {
			tref := document.EntityRef{Kind: document.KindTable, ID: lt.ID}
			if in.Remote.Contains(tref) || in.pending(tref) {
				continue
			}
			if in.Baseline[tref] || wi < 0 {
				r.DroppedRemote = append(r.DroppedRemote, tref)
				continue
			}
			out[wi].Tables = append(out[wi].Tables, lt)
			r.LocalOnly = append(r.LocalOnly, tref)
		}
		for _, ln := range lw.Notes {
			nref := document.EntityRef{Kind: document.KindNote, ID: ln.ID}
			if in.Remote.Contains(nref) || in.pending(nref) {
				continue
			}
			if in.Baseline[nref] || wi < 0 {
				r.DroppedRemote = append(r.DroppedRemote, nref)
				continue
			}
			out[wi].Notes = append(out[wi].Notes, ln)
			r.LocalOnly = append(r.LocalOnly, nref)
		}
	}
	for i := range out {
		if out[i].Tables == nil {
			out[i].Tables = []document.Table{}
		}
		if out[i].Notes == nil {
			out[i].Notes = []document.Note{}
		}
	}
	return out, r
}

// mergeWorkspaceMeta picks name, expansion and visibility by timestamp.
// The owner always comes from the remote row.
func mergeWorkspaceMeta(local, rws document.Workspace, r *Report) document.Workspace {
	lm, rm := local, rws
	lm.Tables, lm.Notes, rm.Tables, rm.Notes = nil, nil, nil, nil
	lm.OwnerID = rm.OwnerID
	if sameRow(remote.WorkspaceToRow(lm, 0), remote.WorkspaceToRow(rm, 0)) {
		return rws
	}
	r.ConflictIgnored++
	if local.UpdatedAt.After(rws.UpdatedAt) {
		r.LocalWins++
		lm.Tables, lm.Notes = rws.Tables, rws.Notes
		return lm
	}
	r.RemoteWins++
	return rws
}

func pickTable(local, rt document.Table, r *Report) document.Table {
	lrow, lerr := remote.TableToRow(local, "", 0)
	rrow, rerr := remote.TableToRow(rt, "", 0)
	if lerr == nil && rerr == nil && sameRow(lrow, rrow) {
		return rt
	}
	r.ConflictIgnored++
	if local.UpdatedAt.After(rt.UpdatedAt) {
		r.LocalWins++
		return local
	}
	r.RemoteWins++
	return rt
}

func pickNote(local, rn document.Note, r *Report) document.Note {
	if sameRow(remote.NoteToRow(local, "", 0), remote.NoteToRow(rn, "", 0)) {
		return rn
	}
	r.ConflictIgnored++
	if local.UpdatedAt.After(rn.UpdatedAt) {
		r.LocalWins++
		return local
	}
	r.RemoteWins++
	return rn
}

// sameRow compares two wire rows by content. Placement is left out by the
// callers, and an empty collection equals an absent one since neither
// survives a round trip through the remote store distinctly.
func sameRow(a, b remote.Row) bool {
	na, errA := normalized(a)
	nb, errB := normalized(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalized(row remote.Row) (any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return squash(v), nil
}

func squash(v any) any {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return nil
		}
		for i := range x {
			x[i] = squash(x[i])
		}
		return x
	case map[string]any:
		for k, e := range x {
			if e = squash(e); e == nil {
				delete(x, k)
				continue
			}
			x[k] = e
		}
		if len(x) == 0 {
			return nil
		}
		return x
	}
	return v
}

func (in Input) filterChildren(ws document.Workspace, r *Report) document.Workspace {
	tables := make([]document.Table, 0, len(ws.Tables))
	for _, t := range ws.Tables {
		ref := document.EntityRef{Kind: document.KindTable, ID: t.ID}
		if in.pending(ref) {
			r.Excluded = append(r.Excluded, ref)
			continue
		}
		tables = append(tables, t)
	}
	notes := make([]document.Note, 0, len(ws.Notes))
	for _, n := range ws.Notes {
		ref := document.EntityRef{Kind: document.KindNote, ID: n.ID}
		if in.pending(ref) {
			r.Excluded = append(r.Excluded, ref)
			continue
		}
		notes = append(notes, n)
	}
	ws.Tables, ws.Notes = tables, notes
	return ws
}

// withoutPlaced drops children that already appear somewhere in placed, so
// an entity is never present twice.
func withoutPlaced(ws document.Workspace, placed document.Snapshot) document.Workspace {
	tables := make([]document.Table, 0, len(ws.Tables))
	for _, t := range ws.Tables {
		if !placed.Contains(document.EntityRef{Kind: document.KindTable, ID: t.ID}) {
			tables = append(tables, t)
		}
	}
	notes := make([]document.Note, 0, len(ws.Notes))
	for _, n := range ws.Notes {
		if !placed.Contains(document.EntityRef{Kind: document.KindNote, ID: n.ID}) {
			notes = append(notes, n)
		}
	}
	ws.Tables, ws.Notes = tables, notes
	return ws
}

// Baseline returns the set of entities present in snap.
func Baseline(snap document.Snapshot) map[document.EntityRef]bool {
	refs := snap.Refs()
	out := make(map[document.EntityRef]bool, len(refs))
	for _, ref := range refs {
		out[ref] = true
	}
	return out
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
)

var errOffline = errors.New("remote unreachable")

type memberKey struct {
	workspaceID string
	userID      string
}

// MemoryBackend is an in-process remote store. Several devices in one
// process can share it to exercise convergence; SetOffline and SetFailure
// simulate an unreachable or misbehaving remote.
type MemoryBackend struct {
	now func() time.Time

	mu         sync.Mutex
	workspaces map[string]WorkspaceRow
	tables     map[string]TableRow
	notes      map[string]NoteRow
	members    map[memberKey]MemberRow
	links      map[string]ShareLinkRow
	settings   map[string]SettingsRow
	subs       map[int]chan ChangeEvent
	nextSub    int
	offline    bool
	failure    func(op string, kind document.EntityKind, id string) error
	writes     int
	closed     bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:        time.Now,
		workspaces: map[string]WorkspaceRow{},
		tables:     map[string]TableRow{},
		notes:      map[string]NoteRow{},
		members:    map[memberKey]MemberRow{},
		links:      map[string]ShareLinkRow{},
		settings:   map[string]SettingsRow{},
		subs:       map[int]chan ChangeEvent{},
	}
}

// SetOffline makes every call fail with a NetworkError until cleared.
func (m *MemoryBackend) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// SetFailure installs a hook consulted before every write; a non-nil
// result fails that write.
func (m *MemoryBackend) SetFailure(fn func(op string, kind document.EntityKind, id string) error) {
	m.mu.Lock()
	m.failure = fn
	m.mu.Unlock()
}

// Writes counts successful creates, updates and deletes.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryBackend) checkLocked(op string, kind document.EntityKind, id string) error {
	if m.closed {
		return ErrClosed
	}
	if m.offline {
		return &NetworkError{Op: op, Err: errOffline}
	}
	if m.failure != nil && kind != "" {
		if err := m.failure(op, kind, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) roleLocked(workspaceID, user string) (string, Role) {
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return "", RoleNone
	}
	if ws.OwnerID == user && user != "" {
		return ws.OwnerID, RoleOwner
	}
	return ws.OwnerID, m.members[memberKey{workspaceID, user}].Role
}

func (m *MemoryBackend) visibleLocked(workspaceID, user string) bool {
	if user == "" {
		return true
	}
	_, role := m.roleLocked(workspaceID, user)
	return role != RoleNone
}

func (m *MemoryBackend) Fetch(ctx context.Context, userID string) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return Dataset{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("fetch", "", ""); err != nil {
		return Dataset{}, err
	}
	var d Dataset
	for _, ws := range m.workspaces {
		if m.visibleLocked(ws.ID, userID) {
			d.Workspaces = append(d.Workspaces, ws)
		}
	}
	for _, t := range m.tables {
		if m.visibleLocked(t.WorkspaceID, userID) {
			d.Tables = append(d.Tables, cloneTableRow(t))
		}
	}
	for _, n := range m.notes {
		if m.visibleLocked(n.WorkspaceID, userID) {
			d.Notes = append(d.Notes, n)
		}
	}
	for _, mem := range m.members {
		if m.visibleLocked(mem.WorkspaceID, userID) {
			d.Members = append(d.Members, mem)
		}
	}
	for _, l := range m.links {
		if m.visibleLocked(l.WorkspaceID, userID) {
			d.ShareLinks = append(d.ShareLinks, l)
		}
	}
	sortDataset(&d)
	return d, nil
}

func (m *MemoryBackend) Update(ctx context.Context, row Row) error {
	return m.write(ctx, "update", row)
}

func (m *MemoryBackend) Create(ctx context.Context, row Row) error {
	return m.write(ctx, "create", row)
}

func (m *MemoryBackend) write(ctx context.Context, op string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	user := UserFrom(ctx)
	kind, id := row.EntityKind(), row.EntityID()
	if id == "" {
		return fmt.Errorf("%w: %s without id", ErrInvalidRow, kind)
	}

	m.mu.Lock()
	if err := m.checkLocked(op, kind, id); err != nil {
		m.mu.Unlock()
		return err
	}
	var ev ChangeEvent
	switch r := row.(type) {
	case WorkspaceRow:
		existing, exists := m.workspaces[id]
		if err := checkExistence(op, exists, kind, id); err != nil {
			m.mu.Unlock()
			return err
		}
		if exists {
			r.OwnerID = existing.OwnerID
		} else if r.OwnerID == "" {
			r.OwnerID = user
		}
		if err := authorizeWrite(user, kind, id, r.OwnerID, RoleNone); err != nil {
			m.mu.Unlock()
			return err
		}
		m.workspaces[id] = r
		ev = eventForRow(eventType(op), r, m.now())
	case TableRow:
		existing, exists := m.tables[id]
		if err := checkExistence(op, exists, kind, id); err != nil {
			m.mu.Unlock()
			return err
		}
		if err := m.authorizeContentLocked(user, kind, id, r.WorkspaceID, existing.WorkspaceID, exists); err != nil {
			m.mu.Unlock()
			return err
		}
		m.tables[id] = cloneTableRow(r)
		ev = eventForRow(eventType(op), cloneTableRow(r), m.now())
	case NoteRow:
		existing, exists := m.notes[id]
		if err := checkExistence(op, exists, kind, id); err != nil {
			m.mu.Unlock()
			return err
		}
		if err := m.authorizeContentLocked(user, kind, id, r.WorkspaceID, existing.WorkspaceID, exists); err != nil {
			m.mu.Unlock()
			return err
		}
		m.notes[id] = r
		ev = eventForRow(eventType(op), r, m.now())
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: unsupported row %T", ErrInvalidRow, row)
	}
	m.writes++
	m.publishLocked(ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) authorizeContentLocked(user string, kind document.EntityKind, id, target, previous string, exists bool) error {
	if _, ok := m.workspaces[target]; !ok {
		return &NotFoundError{Kind: string(document.KindWorkspace), ID: target}
	}
	owner, role := m.roleLocked(target, user)
	if err := authorizeWrite(user, kind, id, owner, role); err != nil {
		return err
	}
	if exists && previous != target {
		owner, role = m.roleLocked(previous, user)
		return authorizeWrite(user, kind, id, owner, role)
	}
	return nil
}

func checkExistence(op string, exists bool, kind document.EntityKind, id string) error {
	switch {
	case op == "update" && !exists:
		return &NotFoundError{Kind: string(kind), ID: id}
	case op == "create" && exists:
		return fmt.Errorf("%w: %s %s already exists", ErrInvalidRow, kind, id)
	}
	return nil
}

func eventType(op string) EventType {
	if op == "create" {
		return EventInsert
	}
	return EventUpdate
}

func (m *MemoryBackend) Delete(ctx context.Context, kind document.EntityKind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	user := UserFrom(ctx)
	m.mu.Lock()
	if err := m.checkLocked("delete", kind, id); err != nil {
		m.mu.Unlock()
		return err
	}
	var events []ChangeEvent
	now := m.now()
	switch kind {
	case document.KindWorkspace:
		ws, ok := m.workspaces[id]
		if !ok {
			m.mu.Unlock()
			return &NotFoundError{Kind: string(kind), ID: id}
		}
		if err := authorizeWrite(user, kind, id, ws.OwnerID, RoleNone); err != nil {
			m.mu.Unlock()
			return err
		}
		for tid, t := range m.tables {
			if t.WorkspaceID == id {
				delete(m.tables, tid)
				events = append(events, ChangeEvent{Type: EventDelete, Kind: document.KindTable, ID: tid, WorkspaceID: id, At: now})
			}
		}
		for nid, n := range m.notes {
			if n.WorkspaceID == id {
				delete(m.notes, nid)
				events = append(events, ChangeEvent{Type: EventDelete, Kind: document.KindNote, ID: nid, WorkspaceID: id, At: now})
			}
		}
		for key := range m.members {
			if key.workspaceID == id {
				delete(m.members, key)
			}
		}
		for token, l := range m.links {
			if l.WorkspaceID == id {
				delete(m.links, token)
			}
		}
		delete(m.workspaces, id)
		events = append(events, ChangeEvent{Type: EventDelete, Kind: kind, ID: id, At: now})
	case document.KindTable, document.KindNote:
		var wsID string
		var ok bool
		if kind == document.KindTable {
			var t TableRow
			t, ok = m.tables[id]
			wsID = t.WorkspaceID
		} else {
			var n NoteRow
			n, ok = m.notes[id]
			wsID = n.WorkspaceID
		}
		if !ok {
			m.mu.Unlock()
			return &NotFoundError{Kind: string(kind), ID: id}
		}
		owner, role := m.roleLocked(wsID, user)
		if err := authorizeWrite(user, kind, id, owner, role); err != nil {
			m.mu.Unlock()
			return err
		}
		if kind == document.KindTable {
			delete(m.tables, id)
		} else {
			delete(m.notes, id)
		}
		events = append(events, ChangeEvent{Type: EventDelete, Kind: kind, ID: id, WorkspaceID: wsID, At: now})
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRow, kind)
	}
	m.writes++
	for _, ev := range events {
		m.publishLocked(ev)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	m.mu.Lock()
	if err := m.checkLocked("subscribe", "", ""); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan ChangeEvent, 256)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// publishLocked never blocks; a subscriber that falls 256 events behind
// misses events and catches up on its next pull.
func (m *MemoryBackend) publishLocked(ev ChangeEvent) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *MemoryBackend) PutMember(ctx context.Context, mem MemberRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("put member", "", ""); err != nil {
		return err
	}
	if _, ok := m.workspaces[mem.WorkspaceID]; !ok {
		return &NotFoundError{Kind: string(document.KindWorkspace), ID: mem.WorkspaceID}
	}
	if user := UserFrom(ctx); user != "" && m.workspaces[mem.WorkspaceID].OwnerID != user {
		return &PermissionError{Kind: "workspace_member", ID: mem.WorkspaceID, Reason: "only the owner may add members"}
	}
	m.members[memberKey{mem.WorkspaceID, mem.UserID}] = mem
	return nil
}

func (m *MemoryBackend) PutShareLink(ctx context.Context, l ShareLinkRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("put share link", "", ""); err != nil {
		return err
	}
	if _, ok := m.workspaces[l.WorkspaceID]; !ok {
		return &NotFoundError{Kind: string(document.KindWorkspace), ID: l.WorkspaceID}
	}
	if user := UserFrom(ctx); user != "" && m.workspaces[l.WorkspaceID].OwnerID != user {
		return &PermissionError{Kind: "workspace_share_link", ID: l.WorkspaceID, Reason: "only the owner may share"}
	}
	m.links[l.Token] = l
	return nil
}

func (m *MemoryBackend) FetchSettings(ctx context.Context, userID string) (SettingsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("fetch settings", "", ""); err != nil {
		return SettingsRow{}, err
	}
	row, ok := m.settings[userID]
	if !ok {
		return SettingsRow{}, &NotFoundError{Kind: "user_settings", ID: userID}
	}
	return row, nil
}

func (m *MemoryBackend) SaveSettings(ctx context.Context, row SettingsRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("save settings", "", ""); err != nil {
		return err
	}
	if user := UserFrom(ctx); user != "" && user != row.UserID {
		return &PermissionError{Kind: "user_settings", ID: row.UserID}
	}
	row.Settings = append(JSONText(nil), row.Settings...)
	m.settings[row.UserID] = row
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}

func cloneTableRow(r TableRow) TableRow {
	r.Columns = append(JSONText(nil), r.Columns...)
	r.Rows = append(JSONText(nil), r.Rows...)
	if r.Appearance != nil {
		r.Appearance = append(JSONText(nil), r.Appearance...)
	}
	return r
}

func sortDataset(d *Dataset) {
	sort.Slice(d.Workspaces, func(i, j int) bool { return d.Workspaces[i].ID < d.Workspaces[j].ID })
	sort.Slice(d.Tables, func(i, j int) bool { return d.Tables[i].ID < d.Tables[j].ID })
	sort.Slice(d.Notes, func(i, j int) bool { return d.Notes[i].ID < d.Notes[j].ID })
	sort.Slice(d.Members, func(i, j int) bool {
		if d.Members[i].WorkspaceID != d.Members[j].WorkspaceID {
			return d.Members[i].WorkspaceID < d.Members[j].WorkspaceID
		}
		return d.Members[i].UserID < d.Members[j].UserID
	})
	sort.Slice(d.ShareLinks, func(i, j int) bool { return d.ShareLinks[i].Token < d.ShareLinks[j].Token })
}

func (m *MemoryBackend) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

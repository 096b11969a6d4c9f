package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentworkforce/relaynote/internal/document"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyChannel    = "relaynote_changes"
	postgresListenerPing     = 90 * time.Second
)

var postgresNotifyFunction = `
CREATE OR REPLACE FUNCTION relaynote_notify_change() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('` + postgresNotifyChannel + `', json_build_object(
		'table', TG_TABLE_NAME,
		'op', lower(TG_OP),
		'id', rec.id,
		'workspace_id', to_jsonb(rec)->>'workspace_id'
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	Logger  zerolog.Logger
	Timeout time.Duration
}

// PostgresBackend stores the five relations in postgres through gorm on a
// lib/pq connection, and streams changes with LISTEN/NOTIFY.
type PostgresBackend struct {
	dsn     string
	log     zerolog.Logger
	timeout time.Duration
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *gorm.DB
	sqlDB    *sql.DB
}

func NewPostgresBackend(dsn string, opts PostgresOptions) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidRow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = postgresOperationTimeout
	}
	return &PostgresBackend{
		dsn:     dsn,
		log:     opts.Logger.With().Str("component", "remote.postgres").Logger(),
		timeout: opts.Timeout,
		openDB:  sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		sqlDB, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			_ = sqlDB.Close()
			b.initErr = classifyPostgresError("connect", "", "", err)
			return
		}
		if err := b.migrate(db); err != nil {
			_ = sqlDB.Close()
			b.initErr = classifyPostgresError("migrate", "", "", err)
			return
		}
		b.db = db
		b.sqlDB = sqlDB
	})
	return b.initErr
}

func (b *PostgresBackend) migrate(db *gorm.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*b.timeout)
	defer cancel()
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&WorkspaceRow{}, &TableRow{}, &NoteRow{}, &MemberRow{}, &ShareLinkRow{}, &SettingsRow{}); err != nil {
		return err
	}
	if err := db.Exec(postgresNotifyFunction).Error; err != nil {
		return err
	}
	for _, table := range []string{"workspaces", "tables", "notes"} {
		quoted := postgresQuoteIdentifier(table)
		if err := db.Exec(fmt.Sprintf("DROP TRIGGER IF EXISTS relaynote_notify ON %s", quoted)).Error; err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE TRIGGER relaynote_notify AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE PROCEDURE relaynote_notify_change()`, quoted)
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) session(ctx context.Context) (*gorm.DB, context.CancelFunc, error) {
	if err := b.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return b.db.WithContext(ctx), cancel, nil
}

func (b *PostgresBackend) Fetch(ctx context.Context, userID string) (Dataset, error) {
	db, cancel, err := b.session(ctx)
	if err != nil {
		return Dataset{}, err
	}
	defer cancel()

	var d Dataset
	wsQuery := db.Model(&WorkspaceRow{})
	if userID != "" {
		memberOf := db.Model(&MemberRow{}).Select("workspace_id").Where("user_id = ?", userID)
		wsQuery = wsQuery.Where("owner_id = ? OR id IN (?)", userID, memberOf)
	}
	if err := wsQuery.Order("position, id").Find(&d.Workspaces).Error; err != nil {
		return Dataset{}, classifyPostgresError("fetch workspaces", "", "", err)
	}
	if len(d.Workspaces) == 0 {
		return d, nil
	}
	ids := make([]string, 0, len(d.Workspaces))
	for _, ws := range d.Workspaces {
		ids = append(ids, ws.ID)
	}
	steps := []struct {
		name string
		dest any
	}{
		{"tables", &d.Tables},
		{"notes", &d.Notes},
		{"members", &d.Members},
		{"share links", &d.ShareLinks},
	}
	for _, step := range steps {
		if err := db.Where("workspace_id IN ?", ids).Find(step.dest).Error; err != nil {
			return Dataset{}, classifyPostgresError("fetch "+step.name, "", "", err)
		}
	}
	sortDataset(&d)
	return d, nil
}

func (b *PostgresBackend) Update(ctx context.Context, row Row) error {
	return b.write(ctx, "update", row)
}

func (b *PostgresBackend) Create(ctx context.Context, row Row) error {
	return b.write(ctx, "create", row)
}

func (b *PostgresBackend) write(ctx context.Context, op string, row Row) error {
	user := UserFrom(ctx)
	kind, id := row.EntityKind(), row.EntityID()
	if id == "" {
		return fmt.Errorf("%w: %s without id", ErrInvalidRow, kind)
	}
	db, cancel, err := b.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	err = db.Transaction(func(tx *gorm.DB) error {
		switch r := row.(type) {
		case WorkspaceRow:
			var existing WorkspaceRow
			exists, err := findByID(tx, &existing, id)
			if err != nil {
				return err
			}
			if err := checkExistence(op, exists, kind, id); err != nil {
				return err
			}
			if exists {
				r.OwnerID = existing.OwnerID
			} else if r.OwnerID == "" {
				r.OwnerID = user
			}
			if err := authorizeWrite(user, kind, id, r.OwnerID, RoleNone); err != nil {
				return err
			}
			return saveRow(tx, op, &r)
		case TableRow:
			var existing TableRow
			exists, err := findByID(tx, &existing, id)
			if err != nil {
				return err
			}
			if err := checkExistence(op, exists, kind, id); err != nil {
				return err
			}
			if err := authorizeContentTx(tx, user, kind, id, r.WorkspaceID, existing.WorkspaceID, exists); err != nil {
				return err
			}
			return saveRow(tx, op, &r)
		case NoteRow:
			var existing NoteRow
			exists, err := findByID(tx, &existing, id)
			if err != nil {
				return err
			}
			if err := checkExistence(op, exists, kind, id); err != nil {
				return err
			}
			if err := authorizeContentTx(tx, user, kind, id, r.WorkspaceID, existing.WorkspaceID, exists); err != nil {
				return err
			}
			return saveRow(tx, op, &r)
		}
		return fmt.Errorf("%w: unsupported row %T", ErrInvalidRow, row)
	})
	return classifyPostgresError(op, string(kind), id, err)
}

func saveRow(tx *gorm.DB, op string, row any) error {
	if op == "create" {
		return tx.Create(row).Error
	}
	return tx.Save(row).Error
}

func findByID(tx *gorm.DB, dest any, id string) (bool, error) {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func roleTx(tx *gorm.DB, workspaceID, user string) (owner string, role Role, exists bool, err error) {
	var ws WorkspaceRow
	if err := tx.Where("id = ?", workspaceID).Take(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", RoleNone, false, nil
		}
		return "", RoleNone, false, err
	}
	if user != "" && ws.OwnerID == user {
		return ws.OwnerID, RoleOwner, true, nil
	}
	var members []MemberRow
	if err := tx.Where("workspace_id = ? AND user_id = ?", workspaceID, user).Limit(1).Find(&members).Error; err != nil {
		return "", RoleNone, false, err
	}
	if len(members) > 0 {
		role = members[0].Role
	}
	return ws.OwnerID, role, true, nil
}

func authorizeContentTx(tx *gorm.DB, user string, kind document.EntityKind, id, target, previous string, exists bool) error {
	owner, role, found, err := roleTx(tx, target, user)
	if err != nil {
		return err
	}
	if !found {
		return &NotFoundError{Kind: string(document.KindWorkspace), ID: target}
	}
	if err := authorizeWrite(user, kind, id, owner, role); err != nil {
		return err
	}
	if exists && previous != target {
		owner, role, _, err = roleTx(tx, previous, user)
		if err != nil {
			return err
		}
		return authorizeWrite(user, kind, id, owner, role)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, kind document.EntityKind, id string) error {
	user := UserFrom(ctx)
	db, cancel, err := b.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	err = db.Transaction(func(tx *gorm.DB) error {
		switch kind {
		case document.KindWorkspace:
			var ws WorkspaceRow
			exists, err := findByID(tx, &ws, id)
			if err != nil {
				return err
			}
			if !exists {
				return &NotFoundError{Kind: string(kind), ID: id}
			}
			if err := authorizeWrite(user, kind, id, ws.OwnerID, RoleNone); err != nil {
				return err
			}
			for _, model := range []any{&TableRow{}, &NoteRow{}, &MemberRow{}, &ShareLinkRow{}} {
				if err := tx.Where("workspace_id = ?", id).Delete(model).Error; err != nil {
					return err
				}
			}
			return tx.Where("id = ?", id).Delete(&WorkspaceRow{}).Error
		case document.KindTable, document.KindNote:
			var (
				wsID   string
				exists bool
				err    error
				model  any
			)
			if kind == document.KindTable {
				var t TableRow
				exists, err = findByID(tx, &t, id)
				wsID, model = t.WorkspaceID, &TableRow{}
			} else {
				var n NoteRow
				exists, err = findByID(tx, &n, id)
				wsID, model = n.WorkspaceID, &NoteRow{}
			}
			if err != nil {
				return err
			}
			if !exists {
				return &NotFoundError{Kind: string(kind), ID: id}
			}
			owner, role, _, err := roleTx(tx, wsID, user)
			if err != nil {
				return err
			}
			if err := authorizeWrite(user, kind, id, owner, role); err != nil {
				return err
			}
			return tx.Where("id = ?", id).Delete(model).Error
		}
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRow, kind)
	})
	return classifyPostgresError("delete", string(kind), id, err)
}

type postgresNotification struct {
	Table       string `json:"table"`
	Op          string `json:"op"`
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
}

// Subscribe listens on the notify channel fed by the row triggers. Inserts
// and updates are re-read so the event carries the full row.
func (b *PostgresBackend) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	listener := pq.NewListener(b.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, classifyPostgresError("listen", "", "", err)
	}

	out := make(chan ChangeEvent, 256)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// reconnected; events in the gap are picked up by the next pull
					continue
				}
				ev, err := b.eventFromNotification(ctx, n.Extra)
				if err != nil {
					b.log.Warn().Err(err).Str("payload", n.Extra).Msg("dropping change notification")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-time.After(postgresListenerPing):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return out, nil
}

func (b *PostgresBackend) eventFromNotification(ctx context.Context, payload string) (ChangeEvent, error) {
	var n postgresNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return ChangeEvent{}, err
	}
	var kind document.EntityKind
	switch n.Table {
	case "workspaces":
		kind = document.KindWorkspace
	case "tables":
		kind = document.KindTable
	case "notes":
		kind = document.KindNote
	default:
		return ChangeEvent{}, fmt.Errorf("unexpected table %q", n.Table)
	}
	ev := ChangeEvent{Kind: kind, ID: n.ID, WorkspaceID: n.WorkspaceID, At: time.Now().UTC()}
	switch n.Op {
	case "delete":
		ev.Type = EventDelete
		return ev, nil
	case "insert":
		ev.Type = EventInsert
	default:
		ev.Type = EventUpdate
	}

	db, cancel, err := b.session(ctx)
	if err != nil {
		return ChangeEvent{}, err
	}
	defer cancel()
	switch kind {
	case document.KindWorkspace:
		var r WorkspaceRow
		if err := db.Where("id = ?", n.ID).Take(&r).Error; err != nil {
			return ChangeEvent{}, err
		}
		ev.Workspace = &r
	case document.KindTable:
		var r TableRow
		if err := db.Where("id = ?", n.ID).Take(&r).Error; err != nil {
			return ChangeEvent{}, err
		}
		ev.Table = &r
	case document.KindNote:
		var r NoteRow
		if err := db.Where("id = ?", n.ID).Take(&r).Error; err != nil {
			return ChangeEvent{}, err
		}
		ev.Note = &r
	}
	return ev, nil
}

func (b *PostgresBackend) FetchSettings(ctx context.Context, userID string) (SettingsRow, error) {
	db, cancel, err := b.session(ctx)
	if err != nil {
		return SettingsRow{}, err
	}
	defer cancel()
	var row SettingsRow
	err = db.Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SettingsRow{}, &NotFoundError{Kind: "user_settings", ID: userID}
	}
	return row, classifyPostgresError("fetch settings", "user_settings", userID, err)
}

func (b *PostgresBackend) SaveSettings(ctx context.Context, row SettingsRow) error {
	if user := UserFrom(ctx); user != "" && user != row.UserID {
		return &PermissionError{Kind: "user_settings", ID: row.UserID}
	}
	return b.upsert(ctx, "save settings", &row)
}

func (b *PostgresBackend) PutMember(ctx context.Context, m MemberRow) error {
	if err := b.requireOwner(ctx, m.WorkspaceID); err != nil {
		return err
	}
	return b.upsert(ctx, "put member", &m)
}

func (b *PostgresBackend) PutShareLink(ctx context.Context, l ShareLinkRow) error {
	if err := b.requireOwner(ctx, l.WorkspaceID); err != nil {
		return err
	}
	return b.upsert(ctx, "put share link", &l)
}

func (b *PostgresBackend) requireOwner(ctx context.Context, workspaceID string) error {
	db, cancel, err := b.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	owner, _, found, err := roleTx(db, workspaceID, UserFrom(ctx))
	if err != nil {
		return classifyPostgresError("lookup workspace", "workspace", workspaceID, err)
	}
	if !found {
		return &NotFoundError{Kind: string(document.KindWorkspace), ID: workspaceID}
	}
	if user := UserFrom(ctx); user != "" && owner != user {
		return &PermissionError{Kind: "workspace", ID: workspaceID, Reason: "owner only"}
	}
	return nil
}

func (b *PostgresBackend) upsert(ctx context.Context, op string, row any) error {
	db, cancel, err := b.session(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	err = db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return classifyPostgresError(op, "", "", err)
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

// classifyPostgresError maps driver errors onto the remote taxonomy.
// Errors that already belong to it pass through unchanged.
func classifyPostgresError(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound   *NotFoundError
		permission *PermissionError
	)
	if errors.As(err, &notFound) || errors.As(err, &permission) || errors.Is(err, ErrInvalidRow) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501":
			return &PermissionError{Kind: kind, ID: id, Reason: pqErr.Message}
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s %s already exists", ErrInvalidRow, kind, id)
		case pqErr.Code == "23503":
			return &NotFoundError{Kind: "workspace", ID: id}
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return &NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("%s %s %s: %w", op, kind, id, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || IsTransient(err) {
		return &NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s %s %s: %w", op, kind, id, err)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

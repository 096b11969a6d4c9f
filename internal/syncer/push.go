package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/remote"
)

type pushItem struct {
	ref         document.EntityRef
	workspaceID string
	row         remote.Row
	fp          string
	stampOwner  bool
}

type cycleResult struct {
	writes     int
	deletes    int
	permission error
}

// push runs one push cycle. Only one cycle runs at a time; local edits
// made meanwhile re-arm the debounce when it finishes.
func (o *Orchestrator) push(ctx context.Context) error {
	o.pushMu.Lock()
	defer o.pushMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	user := o.user
	if user == "" {
		o.mu.Unlock()
		return ErrNotSignedIn
	}
	gen := o.generation
	o.state = StatePushing
	roles := make(map[string]remote.Role, len(o.roles))
	for k, v := range o.roles {
		roles[k] = v
	}
	o.mu.Unlock()

	started := o.opts.Now()
	res, err := o.pushCycle(ctx, user, roles)
	o.saveBaseline(user)

	o.mu.Lock()
	o.state = StateIdle
	if err != nil {
		o.failures++
		o.syncErr = err.Error()
		delay := o.backoff(o.failures)
		if !o.closed && o.user == user {
			o.armLocked(delay)
		}
		o.mu.Unlock()
		o.log.Warn().Err(err).Int("failures", o.failures).Dur("retry_in", delay).Msg("push incomplete")
		return err
	}
	o.failures = 0
	o.lastPushAt = o.opts.Now()
	if res.permission != nil {
		o.syncErr = res.permission.Error()
	} else {
		o.syncErr = ""
	}
	clean := o.generation == gen
	if clean {
		o.dirty = false
	} else if !o.closed && o.user == user {
		o.armLocked(o.opts.Debounce)
	}
	pushedAt := o.lastPushAt
	callbacks := append([]func(time.Time){}, o.onPush...)
	o.mu.Unlock()

	if clean {
		o.clearPendingSync(user)
	}
	o.log.Debug().
		Int("writes", res.writes).
		Int("deletes", res.deletes).
		Dur("took", o.opts.Now().Sub(started)).
		Msg("push complete")
	for _, fn := range callbacks {
		fn(pushedAt)
	}
	return nil
}

func canEdit(ws document.Workspace, user string, roles map[string]remote.Role) (owned, content bool) {
	owned = ws.OwnerID == "" || ws.OwnerID == user
	return owned, owned || roles[ws.ID].CanEditContent()
}

func (o *Orchestrator) pushCycle(ctx context.Context, user string, roles map[string]remote.Role) (cycleResult, error) {
	var res cycleResult
	ctx = remote.WithUser(ctx, user)
	snap := o.store.Snapshot()

	var wsItems, contentItems []pushItem
	for wi, ws := range snap {
		owned, content := canEdit(ws, user, roles)
		if owned {
			row := remote.WorkspaceToRow(ws, wi)
			stamp := row.OwnerID == ""
			if stamp {
				row.OwnerID = user
			}
			if item, changed, err := o.item(row, ws.ID); err != nil {
				return res, err
			} else if changed {
				item.stampOwner = stamp
				wsItems = append(wsItems, item)
			}
		}
		if !content {
			continue
		}
		for ti, t := range ws.Tables {
			row, err := remote.TableToRow(t, ws.ID, ti)
			if err != nil {
				return res, err
			}
			if item, changed, err := o.item(row, ws.ID); err != nil {
				return res, err
			} else if changed {
				contentItems = append(contentItems, item)
			}
		}
		for ni, n := range ws.Notes {
			if item, changed, err := o.item(remote.NoteToRow(n, ws.ID, ni), ws.ID); err != nil {
				return res, err
			} else if changed {
				contentItems = append(contentItems, item)
			}
		}
	}

	// workspaces first so tables and notes have a parent row
	failedWS, wsErr := o.upsertAll(ctx, wsItems, &res)
	o.stampOwners(wsItems, failedWS, user)

	var ready []pushItem
	skipped := 0
	for _, it := range contentItems {
		if failedWS[it.workspaceID] {
			skipped++
			continue
		}
		ready = append(ready, it)
	}
	_, contentErr := o.upsertAll(ctx, ready, &res)

	deleteErr := o.replayDeletes(ctx, &res)

	err := errors.Join(wsErr, contentErr, deleteErr)
	if err == nil && skipped > 0 {
		err = fmt.Errorf("%d entities waiting for their workspace", skipped)
	}
	return res, err
}

func (o *Orchestrator) item(row remote.Row, workspaceID string) (pushItem, bool, error) {
	fp, err := rowFingerprint(row)
	if err != nil {
		return pushItem{}, false, err
	}
	ref := document.EntityRef{Kind: row.EntityKind(), ID: row.EntityID()}
	if o.fingerprint.matches(ref, fp) {
		return pushItem{}, false, nil
	}
	return pushItem{ref: ref, workspaceID: workspaceID, row: row, fp: fp}, true, nil
}

// upsertAll pushes items concurrently. A failed item does not stop the
// others; the returned set holds the ids that failed.
func (o *Orchestrator) upsertAll(ctx context.Context, items []pushItem, res *cycleResult) (map[string]bool, error) {
	failed := map[string]bool{}
	if len(items) == 0 {
		return failed, nil
	}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(pushConcurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			err := o.upsert(ctx, it.row)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				o.fingerprint.record(it.ref, it.fp)
				res.writes++
				return nil
			case remote.IsPermission(err):
				o.reportPermission(it.ref, err, res)
				return nil
			}
			failed[it.ref.ID] = true
			return fmt.Errorf("push %s: %w", it.ref, err)
		})
	}
	return failed, g.Wait()
}

// upsert updates the row and falls back to create when the remote does not
// have it yet.
func (o *Orchestrator) upsert(ctx context.Context, row remote.Row) error {
	err := o.remote.Update(ctx, row)
	if remote.IsNotFound(err) {
		return o.remote.Create(ctx, row)
	}
	return err
}

// stampOwners records the owner assigned to workspaces that were created
// remotely in this cycle. The change is remote-originated and not pushed.
func (o *Orchestrator) stampOwners(items []pushItem, failed map[string]bool, user string) {
	var ids []string
	for _, it := range items {
		if it.stampOwner && !failed[it.ref.ID] {
			ids = append(ids, it.ref.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	_, err := o.store.Update(localstore.OriginRemote, func(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
		for _, id := range ids {
			next, err := snap.UpdateWorkspace(id, func(ws *document.Workspace) error {
				if ws.OwnerID == "" {
					ws.OwnerID = user
				}
				return nil
			})
			if err == nil {
				snap = next
			}
		}
		return snap, nil
	})
	if err != nil {
		o.log.Error().Err(err).Msg("stamping workspace owners failed")
	}
}

// replayDeletes sends every queued tombstone. Not found and forbidden both
// mean the entity is gone as far as this user is concerned.
func (o *Orchestrator) replayDeletes(ctx context.Context, res *cycleResult) error {
	var (
		done []string
		errs []error
	)
	for _, op := range o.queue.Drain() {
		err := o.remote.Delete(ctx, op.EntityType, op.EntityID)
		switch {
		case err == nil || remote.IsNotFound(err):
		case remote.IsPermission(err):
			o.reportPermission(op.Ref(), err, res)
		default:
			o.queue.MarkFailed(op.ID, err)
			errs = append(errs, fmt.Errorf("delete %s: %w", op.Ref(), err))
			continue
		}
		done = append(done, op.ID)
		o.fingerprint.forget(op.Ref())
		res.deletes++
	}
	if err := o.queue.Remove(done...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reportPermission surfaces a permission failure once per entity.
func (o *Orchestrator) reportPermission(ref document.EntityRef, err error, res *cycleResult) {
	o.mu.Lock()
	first := !o.reported[ref]
	o.reported[ref] = true
	o.mu.Unlock()
	if first {
		o.log.Warn().Err(err).Str("entity", ref.String()).Msg("remote refused write")
		res.permission = err
	}
}

// pushPlacements sends moved tables and notes right away rather than
// waiting for the debounce, so other devices learn the new parent early.
func (o *Orchestrator) pushPlacements(placements []document.Placement) {
	o.pushMu.Lock()
	defer o.pushMu.Unlock()

	o.mu.Lock()
	user := o.user
	roles := make(map[string]remote.Role, len(o.roles))
	for k, v := range o.roles {
		roles[k] = v
	}
	o.mu.Unlock()
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, o.opts.Timeout)
	defer cancel()
	ctx = remote.WithUser(ctx, user)

	snap := o.store.Snapshot()
	for _, p := range placements {
		ws, ok := snap.FindWorkspace(p.WorkspaceID)
		if !ok {
			continue
		}
		if _, content := canEdit(ws, user, roles); !content {
			continue
		}
		ref := document.EntityRef{Kind: p.Kind, ID: p.ID}
		row, ok, err := entityRow(snap, ref)
		if err != nil || !ok {
			continue
		}
		item, changed, err := o.item(row, p.WorkspaceID)
		if err != nil || !changed {
			continue
		}
		if err := o.upsert(ctx, row); err != nil {
			o.log.Debug().Err(err).Str("entity", ref.String()).Msg("placement push deferred to next cycle")
			continue
		}
		o.fingerprint.record(item.ref, item.fp)
	}
}

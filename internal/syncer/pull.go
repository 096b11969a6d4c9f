package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/merge"
	"github.com/agentworkforce/relaynote/internal/remote"
)

// Refresh pulls the remote snapshot and installs the merge with local
// state. A failed fetch leaves the local store untouched.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	user := o.User()
	if user == "" {
		return ErrNotSignedIn
	}
	o.pushMu.Lock()
	defer o.pushMu.Unlock()
	defer o.setPullState(PullIdle)
	o.setPullState(PullPulling)

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	data, err := o.remote.Fetch(remote.WithUser(ctx, user), user)
	if err != nil {
		o.setSyncError(err)
		o.log.Warn().Err(err).Msg("pull failed")
		return fmt.Errorf("pull: %w", err)
	}
	remoteSnap, problems := data.Snapshot()
	for _, p := range problems {
		o.log.Warn().Err(p).Msg("skipping remote row")
	}
	known, err := snapshotFingerprints(remoteSnap)
	if err != nil {
		o.setSyncError(err)
		return fmt.Errorf("pull: %w", err)
	}

	o.setPullState(PullMerging)
	in := merge.Input{
		Remote:   remoteSnap,
		Pending:  o.queue.Pending(),
		Baseline: o.fingerprint.baselineCopy(),
	}
	var report merge.Report
	_, err = o.store.Update(localstore.OriginRemote, func(local document.Snapshot, _ time.Time) (document.Snapshot, error) {
		in.Local = local
		var out document.Snapshot
		out, report = merge.Merge(in)
		return out, nil
	})
	if err != nil {
		o.setSyncError(err)
		return fmt.Errorf("merge: %w", err)
	}
	o.fingerprint.replace(known)
	o.saveBaseline(user)

	roles := make(map[string]remote.Role, len(data.Workspaces))
	for _, ws := range data.Workspaces {
		roles[ws.ID] = data.RoleOf(ws.ID, user)
	}
	now := o.opts.Now()

	o.mu.Lock()
	o.roles = roles
	o.shareLinks = len(data.ActiveShareLinks(now))
	o.lastPullAt = now
	o.lastMerge = &report
	o.syncErr = ""
	if report.LocalWins > 0 || len(report.LocalOnly) > 0 || o.queue.Len() > 0 {
		o.dirty = true
		o.generation++
	}
	if o.dirty && !o.closed && o.state != StatePushing {
		o.armLocked(o.opts.Debounce)
	}
	o.mu.Unlock()

	o.log.Info().
		Bool("initial", report.Initial).
		Int("workspaces", len(remoteSnap)).
		Int("local_wins", report.LocalWins).
		Int("remote_wins", report.RemoteWins).
		Int("local_only", len(report.LocalOnly)).
		Int("dropped", len(report.DroppedRemote)).
		Msg("pull merged")
	return nil
}

func (o *Orchestrator) setPullState(s PullState) {
	o.mu.Lock()
	o.pullState = s
	o.mu.Unlock()
}

// Acknowledge records the given entities of snap as matching the remote,
// so a change that arrived from the remote is not pushed back.
func (o *Orchestrator) Acknowledge(snap document.Snapshot, refs ...document.EntityRef) {
	for _, ref := range refs {
		row, ok, err := entityRow(snap, ref)
		if err != nil || !ok {
			continue
		}
		fp, err := rowFingerprint(row)
		if err != nil {
			continue
		}
		o.fingerprint.record(ref, fp)
	}
}

// Forget drops what is known about an entity the remote deleted.
func (o *Orchestrator) Forget(refs ...document.EntityRef) {
	for _, ref := range refs {
		o.fingerprint.forget(ref)
	}
}

// Role returns the signed-in user's role in a workspace as of the last
// pull.
func (o *Orchestrator) Role(workspaceID string) remote.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roles[workspaceID]
}

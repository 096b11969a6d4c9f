// Package realtime splices row-level change events from the remote store
// straight into the local store, without waiting for a pull.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/remote"
)

const (
	defaultEchoWindow  = 2 * time.Second
	minEchoWindow      = time.Second
	maxEchoWindow      = 3 * time.Second
	defaultRetryDelay  = time.Second
	maxResubscribeWait = 30 * time.Second
)

var errSkip = errors.New("realtime: event skipped")

// Tracker is the part of the sync orchestrator the ingester needs.
type Tracker interface {
	User() string
	LastPushAt() time.Time
	Pushing() bool
	Acknowledge(snap document.Snapshot, refs ...document.EntityRef)
	Forget(refs ...document.EntityRef)
}

// Tombstones reports entities with a pending delete.
type Tombstones interface {
	Contains(ref document.EntityRef) bool
}

type Options struct {
	Store   *localstore.Store
	Remote  remote.Backend
	Tracker Tracker
	Pending Tombstones
	Logger  zerolog.Logger

	// EchoWindow is how long after this device's own push incoming events
	// are treated as echoes. Clamped to [1s, 3s].
	EchoWindow time.Duration
	RetryDelay time.Duration
	// OnResubscribe runs after the feed reconnects, since events may have
	// been missed while it was down.
	OnResubscribe func(ctx context.Context)
	Now           func() time.Time
}

type Stats struct {
	Listening  bool   `json:"listening"`
	Applied    uint64 `json:"applied"`
	Echoes     uint64 `json:"echoes"`
	Tombstoned uint64 `json:"tombstoned"`
	Ignored    uint64 `json:"ignored"`
	Failed     uint64 `json:"failed"`
}

type Ingester struct {
	store   *localstore.Store
	remote  remote.Backend
	tracker Tracker
	pending Tombstones
	log     zerolog.Logger
	opts    Options

	mu    sync.Mutex
	stats Stats
}

func New(opts Options) (*Ingester, error) {
	if opts.Store == nil || opts.Remote == nil || opts.Tracker == nil {
		return nil, errors.New("realtime: store, remote and tracker are required")
	}
	switch {
	case opts.EchoWindow <= 0:
		opts.EchoWindow = defaultEchoWindow
	case opts.EchoWindow < minEchoWindow:
		opts.EchoWindow = minEchoWindow
	case opts.EchoWindow > maxEchoWindow:
		opts.EchoWindow = maxEchoWindow
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingester{
		store:   opts.Store,
		remote:  opts.Remote,
		tracker: opts.Tracker,
		pending: opts.Pending,
		log:     opts.Logger.With().Str("component", "realtime").Logger(),
		opts:    opts,
	}, nil
}

// Run listens until ctx is done, resubscribing with backoff whenever the
// feed drops.
func (in *Ingester) Run(ctx context.Context) error {
	delay := in.opts.RetryDelay
	connected := false
	for {
		events, err := in.remote.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.log.Warn().Err(err).Dur("retry_in", delay).Msg("subscribe failed")
			if err := wait(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, maxResubscribeWait)
			continue
		}
		delay = in.opts.RetryDelay
		if connected && in.opts.OnResubscribe != nil {
			in.opts.OnResubscribe(ctx)
		}
		connected = true
		in.setListening(true)
		for ev := range events {
			in.Handle(ev)
		}
		in.setListening(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.log.Info().Msg("change feed closed; resubscribing")
		if err := wait(ctx, delay); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handle applies one event and reports whether it changed the local store.
func (in *Ingester) Handle(ev remote.ChangeEvent) bool {
	ref := document.EntityRef{Kind: ev.Kind, ID: ev.ID}
	log := in.log.With().Str("entity", ref.String()).Str("type", string(ev.Type)).Logger()

	if in.isEcho() {
		in.count(func(s *Stats) { s.Echoes++ })
		log.Debug().Msg("dropping echo")
		return false
	}
	if in.tombstoned(ref, ev.WorkspaceID) {
		in.count(func(s *Stats) { s.Tombstoned++ })
		log.Debug().Msg("dropping event for pending delete")
		return false
	}

	var touched []document.EntityRef
	next, err := in.store.Update(localstore.OriginRealtime, func(snap document.Snapshot, _ time.Time) (document.Snapshot, error) {
		out, refs, err := splice(snap, ev, in.tracker.User())
		touched = refs
		return out, err
	})
	switch {
	case errors.Is(err, errSkip):
		in.count(func(s *Stats) { s.Ignored++ })
		return false
	case err != nil:
		in.count(func(s *Stats) { s.Failed++ })
		log.Warn().Err(err).Msg("cannot apply change event")
		return false
	}
	if ev.Type == remote.EventDelete {
		in.tracker.Forget(touched...)
	} else {
		in.tracker.Acknowledge(next, touched...)
	}
	in.count(func(s *Stats) { s.Applied++ })
	log.Debug().Msg("applied change event")
	return true
}

func (in *Ingester) isEcho() bool {
	if in.tracker.Pushing() {
		return true
	}
	last := in.tracker.LastPushAt()
	if last.IsZero() {
		return false
	}
	since := in.opts.Now().Sub(last)
	return since >= 0 && since < in.opts.EchoWindow
}

func (in *Ingester) tombstoned(ref document.EntityRef, workspaceID string) bool {
	if in.pending == nil {
		return false
	}
	if in.pending.Contains(ref) {
		return true
	}
	return workspaceID != "" && in.pending.Contains(document.EntityRef{Kind: document.KindWorkspace, ID: workspaceID})
}

func (in *Ingester) count(fn func(*Stats)) {
	in.mu.Lock()
	fn(&in.stats)
	in.mu.Unlock()
}

func (in *Ingester) setListening(v bool) {
	in.count(func(s *Stats) { s.Listening = v })
}

func (in *Ingester) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// splice returns snap with ev applied and the entities it touched. A table
// or note update is removed from wherever it is and reinserted under the
// workspace named by the row, so a move never leaves two copies.
func splice(snap document.Snapshot, ev remote.ChangeEvent, user string) (document.Snapshot, []document.EntityRef, error) {
	ref := document.EntityRef{Kind: ev.Kind, ID: ev.ID}
	if ev.Type == remote.EventDelete {
		next, ok := snap.Remove(ref)
		if !ok {
			return snap, nil, errSkip
		}
		return next, dropped(snap, next), nil
	}

	switch ev.Kind {
	case document.KindWorkspace:
		if ev.Workspace == nil {
			return snap, nil, errSkip
		}
		incoming := remote.WorkspaceFromRow(*ev.Workspace)
		if snap.WorkspaceIndex(incoming.ID) < 0 {
			// shared workspaces arrive through a pull, which also
			// brings their tables and notes
			if ev.Type != remote.EventInsert || incoming.OwnerID != user {
				return snap, nil, errSkip
			}
			return snap.InsertWorkspace(ev.Workspace.Position, incoming), []document.EntityRef{ref}, nil
		}
		next, err := snap.UpdateWorkspace(incoming.ID, func(ws *document.Workspace) error {
			ws.Name = incoming.Name
			ws.OwnerID = incoming.OwnerID
			ws.Visibility = incoming.Visibility
			ws.IsExpanded = incoming.IsExpanded
			ws.UpdatedAt = incoming.UpdatedAt
			return nil
		})
		return next, []document.EntityRef{ref}, err

	case document.KindTable:
		if ev.Table == nil {
			return snap, nil, errSkip
		}
		t, err := remote.TableFromRow(*ev.Table)
		if err != nil {
			return snap, nil, err
		}
		rest, removed := snap.Remove(ref)
		if rest.WorkspaceIndex(ev.Table.WorkspaceID) < 0 {
			if !removed {
				return snap, nil, errSkip
			}
			return rest, []document.EntityRef{ref}, nil
		}
		next, err := rest.InsertTable(ev.Table.WorkspaceID, ev.Table.Position, t)
		return next, []document.EntityRef{ref}, err

	case document.KindNote:
		if ev.Note == nil {
			return snap, nil, errSkip
		}
		n := remote.NoteFromRow(*ev.Note)
		rest, removed := snap.Remove(ref)
		if rest.WorkspaceIndex(ev.Note.WorkspaceID) < 0 {
			if !removed {
				return snap, nil, errSkip
			}
			return rest, []document.EntityRef{ref}, nil
		}
		next, err := rest.InsertNote(ev.Note.WorkspaceID, ev.Note.Position, n)
		return next, []document.EntityRef{ref}, err
	}
	return snap, nil, errSkip
}

// dropped lists the entities of prev missing from next; a workspace delete
// takes its tables and notes with it.
func dropped(prev, next document.Snapshot) []document.EntityRef {
	var out []document.EntityRef
	for _, ref := range prev.Refs() {
		if !next.Contains(ref) {
			out = append(out, ref)
		}
	}
	return out
}

// Package syncer drives the push and pull sides of synchronization for one
// device. Local edits arm a debounce timer; when it fires the whole local
// snapshot is pushed entity by entity, skipping rows whose fingerprint
// matches the last known remote state, and then the queued deletes are
// replayed. Pulls fetch the remote snapshot and install the merge result.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
	"github.com/agentworkforce/relaynote/internal/merge"
	"github.com/agentworkforce/relaynote/internal/pendingops"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

var (
	ErrNotSignedIn = errors.New("syncer: not signed in")
	ErrClosed      = errors.New("syncer: closed")
)

type State string

const (
	StateIdle        State = "idle"
	StatePendingPush State = "pending-push"
	StatePushing     State = "pushing"
)

type PullState string

const (
	PullIdle    PullState = "idle"
	PullPulling PullState = "pulling"
	PullMerging PullState = "merging"
)

const (
	defaultDebounce    = 800 * time.Millisecond
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
	defaultTimeout     = 15 * time.Second
	pushConcurrency    = 8
)

type Options struct {
	Store   *localstore.Store
	Queue   *pendingops.Queue
	Remote  remote.Backend
	Storage storage.Storage
	Logger  zerolog.Logger

	Debounce    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout bounds one push or pull cycle.
	Timeout time.Duration
	Now     func() time.Time
}

type Orchestrator struct {
	store   *localstore.Store
	queue   *pendingops.Queue
	remote  remote.Backend
	storage storage.Storage
	log     zerolog.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	// pushMu serializes push cycles, placement pushes and pulls.
	pushMu sync.Mutex

	mu          sync.Mutex
	user        string
	state       State
	pullState   PullState
	dirty       bool
	generation  uint64
	timer       *time.Timer
	failures    int
	lastPushAt  time.Time
	lastPullAt  time.Time
	syncErr     string
	reported    map[document.EntityRef]bool
	roles       map[string]remote.Role
	shareLinks  int
	lastMerge   *merge.Report
	closed      bool
	inflight    sync.WaitGroup
	onPush      []func(time.Time)
	fingerprint *fingerprints
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Remote == nil || opts.Storage == nil {
		return nil, storage.ErrInvalidInput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:       opts.Store,
		queue:       opts.Queue,
		remote:      opts.Remote,
		storage:     opts.Storage,
		log:         opts.Logger.With().Str("component", "syncer").Logger(),
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
		pullState:   PullIdle,
		reported:    map[document.EntityRef]bool{},
		roles:       map[string]remote.Role{},
		fingerprint: newFingerprints(),
	}
	o.unsub = o.store.Subscribe(o.observe)
	return o, nil
}

// observe runs synchronously inside the store's writer lock, so it only
// touches the queue and the orchestrator's own state.
func (o *Orchestrator) observe(c localstore.Change) {
	if !c.Origin.NeedsPush() {
		return
	}
	for _, d := range c.Deletes {
		if _, err := o.queue.EnqueueDelete(d.Ref.Kind, d.Ref.ID, d.WorkspaceID); err != nil {
			o.log.Error().Err(err).Str("entity", d.Ref.String()).Msg("enqueue tombstone failed")
			o.setSyncError(err)
		}
	}
	if len(c.Added) > 0 {
		if n, err := o.queue.Cancel(c.Added...); err != nil {
			o.log.Error().Err(err).Msg("cancel tombstones failed")
		} else if n > 0 {
			o.log.Debug().Int("count", n).Msg("restored entities cancelled pending deletes")
		}
	}
	o.markDirty()
	if len(c.Placements) > 0 {
		placements := append([]document.Placement(nil), c.Placements...)
		o.goInflight(func() { o.pushPlacements(placements) })
	}
}

func (o *Orchestrator) goInflight(fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.inflight.Done()
		fn()
	}()
}

// markDirty records a local change and (re)arms the debounce window. A
// push already in flight is not interrupted; it re-arms when it finishes.
func (o *Orchestrator) markDirty() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = true
	o.generation++
	if o.user == "" || o.closed || o.state == StatePushing {
		return
	}
	o.armLocked(o.opts.Debounce)
}

func (o *Orchestrator) armLocked(delay time.Duration) {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.state = StatePendingPush
	o.timer = time.AfterFunc(delay, o.fire)
}

func (o *Orchestrator) fire() {
	o.mu.Lock()
	if o.closed || o.state != StatePendingPush {
		o.mu.Unlock()
		return
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	defer o.inflight.Done()

	ctx, cancel := context.WithTimeout(o.ctx, o.opts.Timeout)
	defer cancel()
	if err := o.push(ctx); err != nil && !errors.Is(err, ErrNotSignedIn) {
		o.log.Warn().Err(err).Msg("push cycle failed")
	}
}

// backoff is the delay before retrying after failures consecutive failed
// cycles.
func (o *Orchestrator) backoff(failures int) time.Duration {
	delay := o.opts.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= o.opts.BackoffMax {
			return o.opts.BackoffMax
		}
	}
	if delay > o.opts.BackoffMax {
		return o.opts.BackoffMax
	}
	return delay
}

// Flush pushes immediately instead of waiting for the debounce window.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
	}
	if o.state == StatePendingPush {
		o.state = StateIdle
	}
	o.mu.Unlock()
	return o.push(ctx)
}

// OnPush registers fn to be called with the completion time of every
// successful push cycle.
func (o *Orchestrator) OnPush(fn func(time.Time)) {
	o.mu.Lock()
	o.onPush = append(o.onPush, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) LastPushAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPushAt
}

// Pushing reports whether a push cycle is in flight.
func (o *Orchestrator) Pushing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StatePushing
}

func (o *Orchestrator) User() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.user
}

// HasPendingChanges reports local edits not yet confirmed by a push.
func (o *Orchestrator) HasPendingChanges() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

func (o *Orchestrator) setSyncError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.syncErr = ""
		return
	}
	o.syncErr = err.Error()
}

// SignIn attaches the orchestrator to userID: an unfinished push left by
// Teardown is flushed first, then the remote snapshot is pulled and merged.
func (o *Orchestrator) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.user = userID
	o.mu.Unlock()

	baseline, err := o.loadBaseline(userID)
	if err != nil {
		o.log.Warn().Err(err).Msg("ignoring unreadable sync baseline")
	}
	o.fingerprint.reset(baseline)

	if pending, ok := o.loadPendingSync(userID); ok {
		if len(o.store.Snapshot()) == 0 && len(pending.Snapshot) > 0 {
			o.store.Replace(pending.Snapshot, localstore.OriginLocal)
		}
		if o.fingerprint.hasBaseline() {
			if err := o.Flush(ctx); err != nil {
				o.log.Warn().Err(err).Msg("flushing unfinished push failed; will retry")
			}
		}
	}
	return o.Refresh(ctx)
}

// SignOut flushes what it can and forgets everything scoped to the user.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	user := o.User()
	if user == "" {
		return nil
	}
	err := o.Flush(ctx)
	if err != nil {
		if terr := o.Teardown(); terr != nil {
			o.log.Error().Err(terr).Msg("saving unfinished push failed")
		}
	}
	o.pushMu.Lock()
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.user = ""
	o.state = StateIdle
	o.failures = 0
	o.syncErr = ""
	o.reported = map[document.EntityRef]bool{}
	o.roles = map[string]remote.Role{}
	o.shareLinks = 0
	o.lastMerge = nil
	o.mu.Unlock()
	o.fingerprint.reset(nil)
	o.pushMu.Unlock()
	return err
}

// Close stops timers and waits for in-flight cycles. It does not flush.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()
	o.unsub()
	o.cancel()
	o.inflight.Wait()
	return nil
}

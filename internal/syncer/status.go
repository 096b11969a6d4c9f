package syncer

import (
	"time"

	"github.com/agentworkforce/relaynote/internal/merge"
)

// Status is a point-in-time view of the orchestrator, served by the
// control API and printed by the status command.
type Status struct {
	User              string        `json:"user,omitempty"`
	State             State         `json:"state"`
	PullState         PullState     `json:"pullState"`
	HasPendingChanges bool          `json:"hasPendingChanges"`
	PendingOperations int           `json:"pendingOperations"`
	Failures          int           `json:"failures"`
	LastPushAt        *time.Time    `json:"lastPushAt,omitempty"`
	LastPullAt        *time.Time    `json:"lastPullAt,omitempty"`
	SyncError         string        `json:"syncError,omitempty"`
	ShareLinks        int           `json:"shareLinks"`
	LastMerge         *merge.Report `json:"lastMerge,omitempty"`
}

func (o *Orchestrator) Status() Status {
	pending := o.queue.Len()
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		User:              o.user,
		State:             o.state,
		PullState:         o.pullState,
		HasPendingChanges: o.dirty,
		PendingOperations: pending,
		Failures:          o.failures,
		SyncError:         o.syncErr,
		ShareLinks:        o.shareLinks,
	}
	if !o.lastPushAt.IsZero() {
		t := o.lastPushAt
		s.LastPushAt = &t
	}
	if !o.lastPullAt.IsZero() {
		t := o.lastPullAt
		s.LastPullAt = &t
	}
	if o.lastMerge != nil {
		r := *o.lastMerge
		s.LastMerge = &r
	}
	return s
}

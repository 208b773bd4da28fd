// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package flow implements the engine's bounded-FIFO interface abstraction
// (spec §3.8, §4.E): a named Flow pairs an ingress and egress Subqueue with
// a state flags bitmap and optional handler callbacks, mirroring the way
// pkg/cla's Manager pairs a convergence element with a status channel and a
// stopSyn/stopAck shutdown handshake.
package flow

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/pkg/bpe"
	"github.com/dtn7/bplibgo/pkg/pool"
)

// StateFlags is the bitmap carried by a Flow, per spec §3.8.
type StateFlags uint32

const (
	// FlagUp means the interface is currently usable for egress.
	FlagUp StateFlags = 1 << iota

	// FlagEndpoint means this Flow terminates locally (an application, not a CLA).
	FlagEndpoint

	// FlagStorage means this Flow is backed by persisted (offloaded) storage.
	FlagStorage

	// FlagPollingNeeded means the interface requires an explicit poll to produce egress data.
	FlagPollingNeeded
)

func (f StateFlags) Has(flag StateFlags) bool { return f&flag != 0 }

// EventKind distinguishes the notifications a Flow's handler can receive.
type EventKind int

const (
	// EventUp fires when the FlagUp bit transitions from clear to set.
	EventUp EventKind = iota

	// EventDown fires when the FlagUp bit transitions from set to clear.
	EventDown

	// EventPoll fires when a polling-needed interface should produce egress data.
	EventPoll
)

func (e EventKind) String() string {
	switch e {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Handler receives a Flow's forwarding and state-change callbacks. Any
// field may be nil; Flow skips callbacks that are not set.
type Handler struct {
	// ForwardIngress is the ingress forwarding callback stored with the
	// Flow. Neither Flow nor its Subqueues call it; Push and Pull behave
	// the same whether or not it is set.
	ForwardIngress func(ref *pool.Ref) error

	// ForwardEgress is the egress forwarding callback stored with the Flow.
	// Neither Flow nor its Subqueues call it; Push and Pull behave the same
	// whether or not it is set.
	ForwardEgress func(ref *pool.Ref) error

	// Event is invoked synchronously on state flag or poll notifications.
	Event func(kind EventKind, flags StateFlags)
}

// Flow is a named interface: an opaque handle, two bounded FIFOs, a state
// flags bitmap, and optional handler callbacks (spec §3.8).
type Flow struct {
	IntfID uint32

	Ingress *Subqueue
	Egress  *Subqueue

	mu      sync.Mutex
	flags   StateFlags
	handler Handler
}

// New creates a Flow with the given depth limits for its two subqueues.
// A zero limit means the subqueue starts closed to pushes (spec §4.E).
func New(intfID uint32, ingressLimit, egressLimit int, handler Handler) *Flow {
	return &Flow{
		IntfID:  intfID,
		Ingress: NewSubqueue(ingressLimit),
		Egress:  NewSubqueue(egressLimit),
		handler: handler,
	}
}

// Flags returns the current state flags.
func (fl *Flow) Flags() StateFlags {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.flags
}

// ModifyFlags atomically sets and clears bits, triggering an EventUp/EventDown
// notification to the registered handler exactly when the FlagUp bit toggles.
func (fl *Flow) ModifyFlags(set, clear StateFlags) {
	fl.mu.Lock()
	before := fl.flags
	fl.flags = (fl.flags | set) &^ clear
	after := fl.flags
	handler := fl.handler
	fl.mu.Unlock()

	wasUp, isUp := before.Has(FlagUp), after.Has(FlagUp)
	if wasUp == isUp {
		return
	}

	kind := EventDown
	if isUp {
		kind = EventUp
	}
	fl.dispatch(kind, after, handler)
}

// Event synchronously invokes the registered handler's Event callback, per
// spec §4.E's `event(flow, event_type, state)`.
func (fl *Flow) Event(kind EventKind, flags StateFlags) {
	fl.mu.Lock()
	handler := fl.handler
	fl.mu.Unlock()
	fl.dispatch(kind, flags, handler)
}

// dispatch invokes an already-resolved handler's Event callback; used
// internally by ModifyFlags to avoid re-locking after the flag change is
// committed.
func (fl *Flow) dispatch(kind EventKind, flags StateFlags, handler Handler) {
	if handler.Event == nil {
		return
	}
	log.WithFields(log.Fields{"intf_id": fl.IntfID, "event": kind.String()}).Debug("flow: event")
	handler.Event(kind, flags)
}

// Subqueue is a bounded FIFO of bundle references with push/pull deadline
// semantics (spec §4.E, §5's "zero deadline is a try-op").
type Subqueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*pool.Ref
	limit int
}

// NewSubqueue creates an empty Subqueue with the given depth limit.
func NewSubqueue(limit int) *Subqueue {
	sq := &Subqueue{limit: limit}
	sq.cond = sync.NewCond(&sq.mu)
	return sq
}

// SetLimit changes the current depth limit. Setting it to zero causes
// subsequent Push calls to fail until the limit is raised again; queued
// items remain and can still be Pulled (spec §4.E).
func (sq *Subqueue) SetLimit(limit int) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.limit = limit
	sq.cond.Broadcast()
}

// Len returns the current queue depth.
func (sq *Subqueue) Len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.items)
}

// Push appends ref to the FIFO if depth < limit; otherwise it blocks until
// space frees up or deadline passes. A zero deadline is a try-op. Returns
// whether the push succeeded.
func (sq *Subqueue) Push(ref *pool.Ref, deadline time.Time) (bool, error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	for sq.limit <= 0 || len(sq.items) >= sq.limit {
		if deadline.IsZero() || !time.Now().Before(deadline) {
			return false, fmt.Errorf("%w: subqueue.Push: at depth limit", bpe.ErrTimeout)
		}
		if !condWaitUntil(sq.cond, deadline) {
			return false, fmt.Errorf("%w: subqueue.Push: at depth limit", bpe.ErrTimeout)
		}
	}

	sq.items = append(sq.items, ref)
	sq.cond.Broadcast()
	return true, nil
}

// Pull removes and returns the head of the FIFO, blocking until non-empty
// or deadline passes. A zero deadline is a try-op.
func (sq *Subqueue) Pull(deadline time.Time) (*pool.Ref, error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	for len(sq.items) == 0 {
		if deadline.IsZero() || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: subqueue.Pull: empty", bpe.ErrTimeout)
		}
		if !condWaitUntil(sq.cond, deadline) {
			return nil, fmt.Errorf("%w: subqueue.Pull: empty", bpe.ErrTimeout)
		}
	}

	ref := sq.items[0]
	sq.items = sq.items[1:]
	sq.cond.Broadcast()
	return ref, nil
}

// condWaitUntil waits on cond until Broadcast or deadline, returning false
// if the deadline was the reason for waking.
func condWaitUntil(cond *sync.Cond, deadline time.Time) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		close(done)
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-done:
		return false
	default:
		return true
	}
}

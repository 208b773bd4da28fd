// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package router implements the engine's destination-prefix routing table
// (spec §3.9, §4.G): a linearly-scanned array of (dest, mask, intf_id)
// triples, plus the interface registry that owns each route's Flow. The
// registration idiom (a table type wrapping a mutex-guarded slice, queried
// through a small typed contract) follows the teacher's pkg/routing
// Algorithm/RoutingConf split, adapted here to masked-prefix matching
// instead of algorithm dispatch.
package router

import (
	"fmt"
	"math/bits"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/pkg/bpe"
	"github.com/dtn7/bplibgo/pkg/flow"
)

// Route is one (dest, mask, intf_id) triple (spec §3.9).
type Route struct {
	Dest   uint64
	Mask   uint64
	IntfID uint32
}

// Interface is a registered Flow plus the state needed to answer
// next_intf's flag query (spec §4.G).
type Interface struct {
	IntfID uint32
	Flow   *flow.Flow
}

// Table is the bounded, linearly-scanned routing table of spec §3.9/§4.G.
// Every entry is scanned; among the matching triples, the one whose mask
// has the most bits set wins, and of equally specific masks the earlier
// inserted one wins.
type Table struct {
	mu sync.Mutex

	capacity int
	routes   []Route
	intfs    map[uint32]*Interface
	nextIntf uint32
}

// New creates an empty Table bounded at capacity routes (spec §4.G: "The
// table is bounded at allocation time").
func New(capacity int) *Table {
	return &Table{
		capacity: capacity,
		intfs:    make(map[uint32]*Interface),
	}
}

// RouteAdd inserts a triple. Adding to a full table returns an error and
// leaves the table unchanged.
func (t *Table) RouteAdd(dest, mask uint64, intfID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.routes) >= t.capacity {
		return fmt.Errorf("%w: router.RouteAdd: table at capacity %d", bpe.ErrRouteTableFull, t.capacity)
	}

	t.routes = append(t.routes, Route{Dest: dest, Mask: mask, IntfID: intfID})
	log.WithFields(log.Fields{"dest": dest, "mask": mask, "intf_id": intfID}).Debug("router: route added")
	return nil
}

// RouteDel removes the first matching triple. Deleting a nonexistent route
// returns an error and leaves the table unchanged.
func (t *Table) RouteDel(dest, mask uint64, intfID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.routes {
		if r.Dest == dest && r.Mask == mask && r.IntfID == intfID {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: router.RouteDel: no route (%d, %d, %d)", bpe.ErrRouteNotPresent, dest, mask, intfID)
}

// NextIntf scans for the most specific triple (most mask bits set, earliest
// inserted on a tie) whose masked destination matches (dest & mask ==
// route dest & mask) and whose interface's current flags satisfy
// (flags & flagMask == required), returning its intf_id. An empty/not-found
// result is signalled by ok=false.
func (t *Table) NextIntf(dest uint64, required, flagMask flow.StateFlags) (intfID uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bestBits := -1
	for _, r := range t.routes {
		if dest&r.Mask != r.Dest&r.Mask {
			continue
		}
		intf, exists := t.intfs[r.IntfID]
		if !exists {
			continue
		}
		if n := bits.OnesCount64(r.Mask); intf.Flow.Flags()&flagMask == required && n > bestBits {
			intfID, ok, bestBits = r.IntfID, true, n
		}
	}

	return intfID, ok
}

// Dump returns a snapshot of the current routes, for the §6.4 read-only
// status surface.
func (t *Table) Dump() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Route(nil), t.routes...)
}

// RegisterIntf takes ownership of a Flow, assigns it a handle, and returns
// that handle (spec §4.G).
func (t *Table) RegisterIntf(fl *flow.Flow) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextIntf++
	id := t.nextIntf
	fl.IntfID = id
	t.intfs[id] = &Interface{IntfID: id, Flow: fl}
	return id
}

// Interface returns the registered Interface for intfID, if any.
func (t *Table) Interface(intfID uint32) (*Interface, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	intf, ok := t.intfs[intfID]
	return intf, ok
}

// DelIntf removes intfID from the registry and notifies its event handler
// with EventDown. Draining the Flow's subqueues is left to the caller; the
// Table never reads bundle references itself.
func (t *Table) DelIntf(intfID uint32) error {
	t.mu.Lock()
	intf, exists := t.intfs[intfID]
	if exists {
		delete(t.intfs, intfID)
	}
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: router.DelIntf: no interface %d", bpe.ErrRouteNotPresent, intfID)
	}

	intf.Flow.ModifyFlags(0, flow.FlagUp)
	intf.Flow.Event(flow.EventDown, intf.Flow.Flags())
	return nil
}

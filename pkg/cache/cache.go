// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cache implements the engine's storage-and-forward cache (spec
// §3.10, §4.F): an indexed retention of bundles by destination, a pending
// list for delivery attempts, a ring-buffered active table for in-flight
// custody-tracked bundles, and a maintenance loop that forwards, retries,
// expires and hands batches to the custody machine. The entries index is
// grounded on the teacher's badgerhold-based pkg/storage.Store (same
// insert/query-by-key shape, here an in-memory google/btree ordered by
// (destination_node, destination_service) rather than an on-disk KV, since
// the cache itself is the pool-backed in-flight store -- durable copies
// are the separate concern pkg/offload covers); the maintenance pass is
// grounded on pkg/routing/core.go's periodic "ask the router, then push or
// hold" loop.
package cache

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/btree"

	"github.com/dtn7/bplibgo/pkg/bpe"
	"github.com/dtn7/bplibgo/pkg/bpv7"
	"github.com/dtn7/bplibgo/pkg/custody"
	"github.com/dtn7/bplibgo/pkg/flow"
	"github.com/dtn7/bplibgo/pkg/offload"
	"github.com/dtn7/bplibgo/pkg/pool"
	"github.com/dtn7/bplibgo/pkg/router"
)

// WrapPolicy governs what happens when the active table is full and a new
// custody ID would be assigned (spec §9's wrap-policy Open Question,
// resolved there as: expose all three, default to WrapResend).
type WrapPolicy int

const (
	// WrapResend relinquishes the oldest active entry to make room, asking
	// its custodian to resend. This is the spec's documented default.
	WrapResend WrapPolicy = iota

	// WrapBlock refuses the new entry with ErrOverflow while the table is
	// full; Accept does not wait for a slot to free.
	WrapBlock

	// WrapDrop rejects the new entry outright, returning ErrOverflow.
	WrapDrop
)

// destKey orders cache entries by (destination_node, destination_service),
// spec §4.F's "entries: ... keyed by (destination_node, destination_service)".
type destKey struct {
	Node, Service uint64
}

func lessDestKey(a, b destKey) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	return a.Service < b.Service
}

// record wraps one bundle held by the cache with the bookkeeping the
// maintenance loop and eviction need. ref is the arena's own copy of the
// bundle: commitBytesLocked encodes bundle into ref's owned stream chain
// before the record is ever handed to a flow or the entries index, so
// releasing ref is what actually frees the bundle's bytes. bundle stays
// alongside it as the already-decoded view the hot path (routing key,
// hop count, custody fields) reads without a round trip through the
// arena.
type record struct {
	ref       *pool.Ref
	bundle    bpv7.Bundle
	priority  int
	custodyID uint64 // 0 if not custody-tracked
	expiresAt time.Time
}

// commitBytesLocked encodes b and writes it into ref's owned chain (spec
// §3.7/§4.A: the pool, not a side copy, owns bundles in flight). Must run
// after any in-place mutation of b (e.g. stamping a CustodyTrackingBlock)
// and before ref is pushed to a flow or inserted into the entries index.
func (c *Cache) commitBytesLocked(ref *pool.Ref, b *bpv7.Bundle) error {
	buf := new(bytes.Buffer)
	if err := b.WriteBundle(buf); err != nil {
		return fmt.Errorf("%w: cache: encoding bundle for storage failed: %v", bpe.ErrBundleParse, err)
	}

	stream := pool.NewStream(c.pool)
	if _, err := stream.Write(buf.Bytes(), pool.PriorityLow, time.Time{}); err != nil {
		return fmt.Errorf("%w: cache: storing bundle bytes failed: %v", bpe.ErrStoreFailure, err)
	}
	ref.SetChild(stream.Head())

	if payload, err := b.PayloadBlock(); err == nil {
		if pb, ok := payload.Value.(*bpv7.PayloadBlock); ok {
			log.WithFields(log.Fields{
				"encoded_bytes": buf.Len(),
				"payload_bytes": pb.Len(),
			}).Debug("cache: committed bundle bytes to arena")
		}
	}

	for _, cb := range b.CanonicalBlocks {
		if geb, ok := cb.Value.(*bpv7.GenericExtensionBlock); ok {
			log.WithFields(log.Fields{
				"block_number": cb.BlockNumber,
				"bytes":        len(geb.Data()),
			}).Debug("cache: forwarding unrecognized block type untouched")
		}
	}

	return nil
}

// entryList is one btree node: all records currently destined for one
// (node, service) pair, FIFO per spec §4.F's ordering guarantee.
type entryList struct {
	key     destKey
	records []*record
	pending bool
}

func lessEntry(a, b *entryList) bool { return lessDestKey(a.key, b.key) }

type activeSlot struct {
	occupied       bool
	rec            *record
	retransmitTime time.Time
}

// Cache is the storage-and-forward engine of spec §4.F.
type Cache struct {
	mu sync.Mutex

	pool   *pool.Pool
	router *router.Table
	custodyMachine *custody.Machine
	offloadStore   offload.Store

	entries *btree.BTreeG[*entryList]
	pending []*entryList
	idle    []*entryList

	activeTable      []activeSlot
	oldestCustodyID  uint64
	currentCustodyID uint64

	localNode  bpv7.EndpointID
	localFlow  *flow.Flow
	wrapPolicy WrapPolicy

	retransmitInterval time.Duration
}

// Config bundles the construction-time parameters of spec §6.4
// (active_table_size, cache_mem_size indirectly via the pool, plus the
// custody retransmission interval).
type Config struct {
	Pool           *pool.Pool
	Router         *router.Table
	CustodyMachine *custody.Machine
	OffloadStore   offload.Store
	LocalNode      bpv7.EndpointID

	// LocalFlow is the receive Flow for bundles destined to LocalNode (spec
	// §4.F step 2: "enqueue payload into the receive flow"). Nil means this
	// cache instance never originates local deliveries.
	LocalFlow *flow.Flow

	ActiveTableSize    int
	WrapPolicy         WrapPolicy
	RetransmitInterval time.Duration
}

// New creates a Cache and registers it as the pool's Evictor, so
// high-priority allocations can reclaim space per spec §4.A/§4.F.
func New(cfg Config) *Cache {
	c := &Cache{
		pool:               cfg.Pool,
		router:             cfg.Router,
		custodyMachine:     cfg.CustodyMachine,
		offloadStore:       cfg.OffloadStore,
		entries:            btree.NewG[*entryList](32, lessEntry),
		activeTable:        make([]activeSlot, cfg.ActiveTableSize),
		localNode:          cfg.LocalNode,
		localFlow:          cfg.LocalFlow,
		wrapPolicy:         cfg.WrapPolicy,
		retransmitInterval: cfg.RetransmitInterval,
	}
	if cfg.Pool != nil {
		cfg.Pool.SetEvictor(c)
	}
	return c
}

// Accept runs the core ingress protocol of spec §4.F on a just-decoded
// bundle: hop count and lifetime validation, local-vs-remote dispatch, and
// custody accounting.
func (c *Cache) Accept(ref *pool.Ref, b bpv7.Bundle, priority int, flags *bpe.Flags) error {
	if hcb, err := b.ExtensionBlock(bpv7.ExtBlockTypeHopCountBlock); err == nil {
		hc := hcb.Value.(*bpv7.HopCountBlock)
		if hc.IsExceeded() {
			if flags != nil {
				flags.Raise(bpe.FlagHopLimitExceeded)
			}
			return fmt.Errorf("%w: bundle %s", bpe.ErrHopLimitExceeded, b.ID())
		}
	}

	if b.IsLifetimeExceeded() {
		if flags != nil {
			flags.Raise(bpe.FlagExpired)
		}
		return fmt.Errorf("%w: bundle %s", bpe.ErrExpired, b.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dst, ok := b.PrimaryBlock.Destination.EndpointType.(*bpv7.IpnEndpoint)
	if !ok {
		return fmt.Errorf("%w: cache.Accept: non-ipn destination unsupported", bpe.ErrWrongChannel)
	}

	requestedCustody := b.RequestsCustody()

	rec := &record{
		ref:      ref,
		bundle:   b,
		priority: priority,
	}
	if !b.PrimaryBlock.CreationTimestamp.IsZeroTime() {
		rec.expiresAt = b.PrimaryBlock.CreationTimestamp.DtnTime().Time().
			Add(time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
	}

	local := c.isLocalLocked(dst)

	// A bundle for a remote node needs one more hop to be forwarded, so one
	// whose hop count has already reached its limit is refused as well.
	if hcb, err := b.ExtensionBlock(bpv7.ExtBlockTypeHopCountBlock); err == nil && !local {
		if hc := hcb.Value.(*bpv7.HopCountBlock); hc.Count >= hc.Limit {
			if flags != nil {
				flags.Raise(bpe.FlagHopLimitExceeded)
			}
			return fmt.Errorf("%w: bundle %s", bpe.ErrHopLimitExceeded, b.ID())
		}
	}

	if local {
		if requestedCustody {
			c.acceptCustodyLocked(b, true, flags)
		}
		if err := c.commitBytesLocked(ref, &rec.bundle); err != nil {
			return err
		}
		if c.localFlow != nil {
			if _, err := c.localFlow.Ingress.Push(ref, time.Time{}); err != nil {
				return fmt.Errorf("cache: delivering to local flow failed: %v", err)
			}
			return nil
		}
		c.insertLocked(destKey{Node: dst.Node, Service: dst.Service}, rec)
		return nil
	}

	if requestedCustody {
		ctb := bpv7.NewCustodyTrackingBlock(c.localNode)
		if cb, err := b.ExtensionBlock(bpv7.ExtBlockTypeCustodyTrackingBlock); err == nil {
			*cb.Value.(*bpv7.CustodyTrackingBlock) = *ctb
			cb.InvalidateRaw()
		} else {
			_ = b.AddExtensionBlock(bpv7.NewCanonicalBlock(0, 0, ctb))
		}

		custodyID, err := c.assignCustodyIDLocked(rec)
		if err != nil {
			return err
		}
		rec.custodyID = custodyID

		c.acceptCustodyLocked(b, false, flags)
	}

	// AddExtensionBlock above may have grown b.CanonicalBlocks into a new
	// backing array since rec.bundle was copied; resync before encoding.
	rec.bundle = b
	if err := c.commitBytesLocked(ref, &rec.bundle); err != nil {
		return err
	}

	c.insertLocked(destKey{Node: dst.Node, Service: dst.Service}, rec)
	return nil
}

// SetCustodyMachine attaches the custody machine after construction, for
// callers that must build the emitter (which itself references the cache)
// before the machine can exist.
func (c *Cache) SetCustodyMachine(cm *custody.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custodyMachine = cm
}

func (c *Cache) isLocalLocked(dst *bpv7.IpnEndpoint) bool {
	local, ok := c.localNode.EndpointType.(*bpv7.IpnEndpoint)
	return ok && local.Node == dst.Node
}

func (c *Cache) acceptCustodyLocked(b bpv7.Bundle, delivered bool, flags *bpe.Flags) {
	if c.custodyMachine == nil {
		return
	}
	_ = c.custodyMachine.Accept(b.PrimaryBlock.SourceNode, b.PrimaryBlock.CreationTimestamp[1], delivered, flags)
}

// insertLocked adds rec to the entry list for key, creating it if absent,
// and marks it pending. Must be called with c.mu held.
func (c *Cache) insertLocked(key destKey, rec *record) {
	probe := &entryList{key: key}
	list, exists := c.entries.Get(probe)
	if !exists {
		list = &entryList{key: key}
		c.entries.ReplaceOrInsert(list)
	}

	list.records = append(list.records, rec)
	if !list.pending {
		list.pending = true
		c.pending = append(c.pending, list)
	}
}

// assignCustodyIDLocked allocates the next ring slot, applying the
// configured WrapPolicy when the table is full (spec §4.F/§7 overflow).
func (c *Cache) assignCustodyIDLocked(rec *record) (uint64, error) {
	size := uint64(len(c.activeTable))
	if size == 0 {
		return 0, fmt.Errorf("%w: cache: active table has zero capacity", bpe.ErrOverflow)
	}

	for c.currentCustodyID-c.oldestCustodyID >= size {
		switch c.wrapPolicy {
		case WrapResend:
			c.relinquishActiveLocked(c.oldestCustodyID)
			c.oldestCustodyID++
		case WrapDrop:
			return 0, fmt.Errorf("%w: cache: active table full", bpe.ErrOverflow)
		default: // WrapBlock: caller must retry; the engine offers no blocking primitive here
			return 0, fmt.Errorf("%w: cache: active table full, wrap policy is block", bpe.ErrOverflow)
		}
	}

	id := c.currentCustodyID
	c.currentCustodyID++
	c.activeTable[id%size] = activeSlot{
		occupied:       true,
		rec:            rec,
		retransmitTime: time.Now().Add(c.retransmitInterval),
	}
	return id, nil
}

func (c *Cache) relinquishActiveLocked(custodyID uint64) {
	size := uint64(len(c.activeTable))
	if size == 0 {
		return
	}
	slot := &c.activeTable[custodyID%size]
	if !slot.occupied {
		return
	}
	if slot.rec != nil && slot.rec.ref != nil {
		slot.rec.ref.Release()
	}
	*slot = activeSlot{}
}

// Maintain runs one pass of the maintenance loop of spec §4.F: push pending
// entries toward their destination interface, retransmit or expire active
// entries, and sweep the custody machine.
func (c *Cache) Maintain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maintainPendingLocked()
	c.maintainActiveLocked()

	if c.custodyMachine != nil {
		c.mu.Unlock()
		if err := c.custodyMachine.Sweep(); err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("cache: custody sweep failed")
		}
		c.mu.Lock()
	}
}

func (c *Cache) maintainPendingLocked() {
	var stillPending []*entryList

	for _, list := range c.pending {
		intfID, ok := c.router.NextIntf(list.key.Node, flow.FlagUp, flow.FlagUp)
		if !ok {
			stillPending = append(stillPending, list)
			continue
		}

		intf, ok := c.router.Interface(intfID)
		if !ok {
			stillPending = append(stillPending, list)
			continue
		}

		var remaining []*record
		for _, rec := range list.records {
			if pushed, _ := intf.Flow.Egress.Push(rec.ref, time.Time{}); !pushed {
				remaining = append(remaining, rec)
				continue
			}
		}
		list.records = remaining

		if len(list.records) == 0 {
			list.pending = false
			c.idle = append(c.idle, list)
		} else {
			stillPending = append(stillPending, list)
		}
	}

	c.pending = stillPending
}

func (c *Cache) maintainActiveLocked() {
	size := uint64(len(c.activeTable))
	if size == 0 {
		return
	}

	now := time.Now()
	for id := c.oldestCustodyID; id < c.currentCustodyID; id++ {
		slot := &c.activeTable[id%size]
		if !slot.occupied {
			if id == c.oldestCustodyID {
				c.oldestCustodyID++
			}
			continue
		}

		if !slot.rec.expiresAt.IsZero() && now.After(slot.rec.expiresAt) {
			c.relinquishActiveLocked(id)
			if id == c.oldestCustodyID {
				c.oldestCustodyID++
			}
			continue
		}

		if now.After(slot.retransmitTime) {
			if intfID, ok := c.router.NextIntf(0, flow.FlagUp, flow.FlagUp); ok {
				if intf, ok := c.router.Interface(intfID); ok {
					_, _ = intf.Flow.Egress.Push(slot.rec.ref, time.Time{})
				}
			}
			slot.retransmitTime = now.Add(c.retransmitInterval)
			continue
		}

		// Further entries (higher ids) have later retransmit times in the
		// common case; but since retransmitTime resets are not globally
		// ordered, we intentionally keep scanning rather than breaking here.
	}
}

// EvictOne relinquishes the lowest-priority record that is not in the
// active retransmission window, implementing pool.Evictor for spec §4.A's
// high-priority-allocation eviction path.
func (c *Cache) EvictOne() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victimList *entryList
	var victimIdx int = -1
	var victimScore = int(^uint(0) >> 1) // max int: lower priority wins

	c.entries.Ascend(func(list *entryList) bool {
		for i, rec := range list.records {
			if c.isActiveLocked(rec) {
				continue
			}
			if rec.priority < victimScore {
				victimScore = rec.priority
				victimList = list
				victimIdx = i
			}
		}
		return true
	})

	if victimList == nil || victimIdx < 0 {
		return false
	}

	rec := victimList.records[victimIdx]
	victimList.records = append(victimList.records[:victimIdx], victimList.records[victimIdx+1:]...)
	rec.ref.Release()
	return true
}

func (c *Cache) isActiveLocked(rec *record) bool {
	size := uint64(len(c.activeTable))
	if size == 0 {
		return false
	}
	for id := c.oldestCustodyID; id < c.currentCustodyID; id++ {
		slot := &c.activeTable[id%size]
		if slot.occupied && slot.rec == rec {
			return true
		}
	}
	return false
}

// Stats exposes the §6.4 read-only surface backed by this cache.
type Stats struct {
	PendingEntries int
	IdleEntries    int
	ActiveInFlight uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		PendingEntries: len(c.pending),
		IdleEntries:    len(c.idle),
		ActiveInFlight: c.currentCustodyID - c.oldestCustodyID,
	}
}

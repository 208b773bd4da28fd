// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pool implements the engine's fixed-capacity memory arena (spec
// §3.7, §4.A): a slab of equally-sized blocks, linked through offset-based
// (BlockID) intrusive doubly-linked lists rather than pointers, so the
// whole arena stays relocatable. Reference-counted handles (Ref) hand out
// access to a block's owned chain without copying it, and streams let a
// caller read/write a logical byte sequence that spans many blocks.
package pool

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// BlockID is an offset-based handle into the arena. It is never a pointer,
// so the arena can be relocated or (in a future offload backend) persisted
// and restored without fixing up references.
type BlockID uint32

// NoBlock is the sentinel "no block" handle.
const NoBlock BlockID = 0

// Evictor is implemented by the cache (§4.F) so a high-priority allocation
// with an empty free list can ask it to relinquish the lowest-priority
// bundle currently held, rather than failing outright.
type Evictor interface {
	EvictOne() bool
}

type slot struct {
	tag  Tag
	next BlockID
	prev BlockID

	// child is the head of a chain this slot owns exclusively (e.g., the
	// encoded-bytes stream backing a canonical block's content). Recycling a
	// slot recursively recycles its child chain.
	child BlockID

	refs int32

	data []byte // fixed capacity, len(data) == Pool.blockSize
	used int     // bytes currently valid in data
}

// Pool is a shared, fixed-capacity arena of same-size blocks.
type Pool struct {
	mu sync.Mutex
	cv *sync.Cond

	slots     []slot // index 0 is the admin/head sentinel; 1..N are content blocks
	blockSize int

	freeLen int

	currentUse int
	highUse    int

	evictor Evictor
}

// Create partitions a totalBytes arena into an admin block followed by as
// many blockSize-byte content blocks as fit, all linked onto the free list.
func Create(totalBytes, blockSize int) (*Pool, error) {
	if blockSize <= 0 || totalBytes <= blockSize {
		return nil, fmt.Errorf("%w: pool.Create: totalBytes %d too small for blockSize %d", bpe.ErrParm, totalBytes, blockSize)
	}

	n := totalBytes / blockSize
	p := &Pool{
		slots:     make([]slot, n+1),
		blockSize: blockSize,
	}
	p.cv = sync.NewCond(&p.mu)

	p.slots[0] = slot{tag: TagAdmin, next: 0, prev: 0}

	for i := 1; i <= n; i++ {
		id := BlockID(i)
		p.slots[i] = slot{tag: TagFree, next: id, prev: id, data: make([]byte, blockSize)}
		p.listInsertAfter(0, id)
	}
	p.freeLen = n

	log.WithFields(log.Fields{"blocks": n, "block_size": blockSize}).Debug("pool: arena created")
	return p, nil
}

// BlockSize returns the fixed content capacity of a single Block.
func (p *Pool) BlockSize() int { return p.blockSize }

// Stats returns the pool's configuration-variable surface (§6.4).
type Stats struct {
	CurrentUse int // mem_current_use
	HighUse    int // mem_high_use
	FreeLen    int
	TotalLen   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		CurrentUse: p.currentUse,
		HighUse:    p.highUse,
		FreeLen:    p.freeLen,
		TotalLen:   len(p.slots) - 1,
	}
}

// SetEvictor registers the cache's eviction hook for high-priority allocations.
func (p *Pool) SetEvictor(e Evictor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictor = e
}

// --- intrusive circular list helpers (operate under p.mu) ---

func (p *Pool) listInsertAfter(head, id BlockID) {
	h := &p.slots[head]
	n := h.next
	p.slots[id].prev = head
	p.slots[id].next = n
	p.slots[n].prev = id
	h.next = id
}

func (p *Pool) listRemove(id BlockID) {
	s := &p.slots[id]
	p.slots[s.prev].next = s.next
	p.slots[s.next].prev = s.prev
	s.next = id
	s.prev = id
}

// Alloc removes the head of the free list, tags it, and returns a singleton
// Ref. If the free list is empty: a PriorityLow request waits until deadline
// (zero deadline is a try-op) or fails with ErrStoreFailure; a PriorityHigh
// request first asks the registered Evictor to make room.
func (p *Pool) Alloc(tag Tag, priority Priority, deadline time.Time) (*Ref, error) {
	if tag == TagFree || tag == TagAdmin {
		return nil, fmt.Errorf("%w: pool.Alloc: cannot allocate with tag %s", bpe.ErrParm, tag)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.freeLen == 0 {
		if priority == PriorityHigh && p.evictor != nil {
			p.mu.Unlock()
			evicted := p.evictor.EvictOne()
			p.mu.Lock()
			if evicted {
				continue
			}
		}

		if deadline.IsZero() || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: pool.Alloc: arena exhausted", bpe.ErrStoreFailure)
		}

		waitOnDeadline(p.cv, deadline)
		if p.freeLen == 0 && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: pool.Alloc: arena exhausted", bpe.ErrStoreFailure)
		}
	}

	id := p.allocLocked(tag)
	return &Ref{pool: p, id: id}, nil
}

// allocLocked removes and tags the head of the free list. Caller must hold
// p.mu and must have already established p.freeLen > 0.
func (p *Pool) allocLocked(tag Tag) BlockID {
	id := p.slots[0].next
	p.listRemove(id)
	p.freeLen--

	s := &p.slots[id]
	s.tag = tag
	s.used = 0
	s.refs = 1
	s.child = NoBlock

	p.currentUse++
	if p.currentUse > p.highUse {
		p.highUse = p.currentUse
	}

	return id
}

// waitOnDeadline blocks on cv until Broadcast or the deadline passes.
func waitOnDeadline(cv *sync.Cond, deadline time.Time) {
	done := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		cv.L.Lock()
		close(done)
		cv.Broadcast()
		cv.L.Unlock()
	})
	defer timer.Stop()
	cv.Wait()
	select {
	case <-done:
	default:
	}
}

// recycle returns id, and recursively its child chain, to the free list.
// Must be called with p.mu held.
func (p *Pool) recycle(id BlockID) {
	s := &p.slots[id]
	if s.child != NoBlock {
		p.recycleChain(s.child)
		s.child = NoBlock
	}

	s.tag = TagFree
	s.used = 0
	s.refs = 0
	p.listInsertAfter(0, id)
	p.freeLen++
	p.currentUse--

	p.cv.Broadcast()
}

// recycleChain walks a singly-chained-via-next stream and frees every block in it.
func (p *Pool) recycleChain(head BlockID) {
	id := head
	for {
		next := p.slots[id].next
		// a stream chain's blocks are not on the admin list, so next here is
		// the stream's own forward link, not a circular free-list pointer.
		p.slots[id].tag = TagFree
		p.slots[id].used = 0
		p.slots[id].refs = 0
		p.listInsertAfterRaw(id)
		p.freeLen++
		p.currentUse--

		if next == NoBlock || next == id {
			break
		}
		id = next
	}
}

// listInsertAfterRaw inserts id onto the free list without relying on id's
// old next/prev (which belonged to the stream chain, not the free list).
func (p *Pool) listInsertAfterRaw(id BlockID) {
	h := &p.slots[0]
	n := h.next
	p.slots[id].prev = 0
	p.slots[id].next = n
	p.slots[n].prev = id
	h.next = id
}

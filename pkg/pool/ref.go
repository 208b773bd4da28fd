// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"fmt"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// Ref is a reference-counted handle onto a Block. Its content is valid for
// as long as any live Ref exists; releasing the last one recycles the Block
// (and any chain it owns) back to the free list. Ref is not safe for
// concurrent use by multiple goroutines without external synchronization,
// mirroring the flow/cache locks that already guard it.
type Ref struct {
	pool *Pool
	id   BlockID
}

// ID returns the underlying BlockID. Callers should treat it as opaque;
// it exists for the cache's index keys and the active custody table.
func (r *Ref) ID() BlockID {
	if r == nil {
		return NoBlock
	}
	return r.id
}

// Tag returns the Block's current tag.
func (r *Ref) Tag() Tag {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.pool.slots[r.id].tag
}

// Bytes returns the Block's own payload (not following any child chain).
// The returned slice aliases the arena; callers must not retain it past the
// Ref's lifetime.
func (r *Ref) Bytes() []byte {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	s := &r.pool.slots[r.id]
	return s.data[:s.used]
}

// SetBytes overwrites the Block's own payload. len(b) must not exceed the
// pool's block size; larger payloads belong in a Stream.
func (r *Ref) SetBytes(b []byte) error {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	s := &r.pool.slots[r.id]
	if len(b) > len(s.data) {
		return fmt.Errorf("%w: pool.Ref.SetBytes: %d bytes exceeds block size %d", bpe.ErrParm, len(b), len(s.data))
	}
	s.used = copy(s.data, b)
	return nil
}

// SetChild attaches a chain (typically a Stream's head Block) as this
// Block's owned child; it will be recycled together with this Block.
func (r *Ref) SetChild(child BlockID) {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.pool.slots[r.id].child = child
}

// Child returns the head of this Block's owned chain, or NoBlock.
func (r *Ref) Child() BlockID {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.pool.slots[r.id].child
}

// Duplicate increments the Block's reference count and returns a new,
// independently releasable Ref to the same Block.
func (r *Ref) Duplicate() *Ref {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.pool.slots[r.id].refs++
	return &Ref{pool: r.pool, id: r.id}
}

// Release decrements the Block's reference count. Reaching zero recycles
// the Block and its owned chain back to the free list.
func (r *Ref) Release() {
	if r == nil {
		return
	}
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()

	s := &r.pool.slots[r.id]
	s.refs--
	if s.refs <= 0 {
		r.pool.recycle(r.id)
	}
}

// RefCount returns the Block's current reference count, for tests and
// pool-conservation property checks.
func (r *Ref) RefCount() int32 {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.pool.slots[r.id].refs
}

// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"fmt"
	"time"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// Stream is a byte sequence that spans a chain of TagStream Blocks, used to
// hold an encoded bundle's bytes when they exceed a single Block's payload
// capacity. A Stream's chain is not on the free list; Write grows it by
// allocating from the pool, and recycling the owning Ref returns the whole
// chain at once.
type Stream struct {
	pool *Pool

	head BlockID
	tail BlockID

	readCur    BlockID
	readOff    int
	readActive bool

	length int
}

// NewStream creates an empty Stream backed by p.
func NewStream(p *Pool) *Stream {
	return &Stream{pool: p, head: NoBlock, tail: NoBlock, readCur: NoBlock}
}

// Head returns the first Block of the chain (NoBlock if nothing was ever written).
func (s *Stream) Head() BlockID { return s.head }

// Len returns the number of bytes written so far.
func (s *Stream) Len() int { return s.length }

// Write appends b to the stream, allocating additional blocks from the free
// list on overflow. All allocations in one call share a single pool lock
// acquisition. priority/deadline govern allocation as in Pool.Alloc.
func (s *Stream) Write(b []byte, priority Priority, deadline time.Time) (int, error) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for len(b) > 0 {
		if s.tail == NoBlock {
			id, err := s.growLocked(priority, deadline)
			if err != nil {
				return written, err
			}
			s.head, s.tail = id, id
		}

		tailSlot := &p.slots[s.tail]
		room := len(tailSlot.data) - tailSlot.used
		if room == 0 {
			id, err := s.growLocked(priority, deadline)
			if err != nil {
				return written, err
			}
			p.slots[s.tail].next = id
			s.tail = id
			tailSlot = &p.slots[s.tail]
			room = len(tailSlot.data)
		}

		n := room
		if n > len(b) {
			n = len(b)
		}
		copy(tailSlot.data[tailSlot.used:], b[:n])
		tailSlot.used += n
		b = b[n:]
		written += n
		s.length += n
	}

	return written, nil
}

// growLocked allocates one more TagStream block, waiting/evicting per
// priority+deadline exactly like Pool.Alloc. Caller holds p.mu.
func (s *Stream) growLocked(priority Priority, deadline time.Time) (BlockID, error) {
	p := s.pool
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
			return NoBlock, fmt.Errorf("%w: stream.Write: arena exhausted", bpe.ErrStoreFailure)
		}
		waitOnDeadline(p.cv, deadline)
	}
	id := p.allocLocked(TagStream)
	p.slots[id].next = NoBlock
	return id, nil
}

// Rewind resets the read cursor to the start of the stream.
func (s *Stream) Rewind() {
	s.readCur = s.head
	s.readOff = 0
	s.readActive = true
}

// Read consumes up to len(buf) bytes from the current read cursor, spanning
// block boundaries transparently. It returns (0, io.EOF)-style exhaustion as
// (n, false) rather than an error, since running out of stream data is not
// a failure condition for the engine.
func (s *Stream) Read(buf []byte) (n int, ok bool) {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if !s.readActive {
		s.readCur = s.head
		s.readActive = true
	}

	for n < len(buf) && s.readCur != NoBlock {
		cur := &p.slots[s.readCur]
		avail := cur.used - s.readOff
		if avail <= 0 {
			s.readCur = cur.next
			s.readOff = 0
			continue
		}
		take := len(buf) - n
		if take > avail {
			take = avail
		}
		copy(buf[n:], cur.data[s.readOff:s.readOff+take])
		n += take
		s.readOff += take
	}

	return n, n > 0
}

// Bytes flattens the whole stream into one contiguous slice. Intended for
// bundle export (§4.D); callers of large streams should prefer Read in a
// loop when chaining straight into a CLA's egress buffer.
func (s *Stream) Bytes() []byte {
	p := s.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, s.length)
	for id := s.head; id != NoBlock; id = p.slots[id].next {
		out = append(out, p.slots[id].data[:p.slots[id].used]...)
	}
	return out
}

// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package flow

import (
	"testing"
	"time"

	"github.com/dtn7/bplibgo/pkg/pool"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.Create(1<<12, 256)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSubqueuePushPullOrder(t *testing.T) {
	p := testPool(t)
	sq := NewSubqueue(4)

	var refs []*pool.Ref
	for i := 0; i < 3; i++ {
		ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
		if ok, err := sq.Push(ref, time.Time{}); !ok || err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	for i, want := range refs {
		got, err := sq.Pull(time.Time{})
		if err != nil {
			t.Fatalf("pull %d failed: %v", i, err)
		}
		if got != want {
			t.Fatalf("pull %d: order violated", i)
		}
		got.Release()
	}
}

func TestSubqueuePushAtLimitTimesOut(t *testing.T) {
	p := testPool(t)
	sq := NewSubqueue(1)

	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := sq.Push(ref, time.Time{}); !ok || err != nil {
		t.Fatalf("first push failed: %v", err)
	}

	ref2, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	defer ref2.Release()

	if ok, err := sq.Push(ref2, time.Time{}); ok || err == nil {
		t.Fatal("expected a try-op push against a full queue to fail")
	}
}

func TestSubqueueZeroLimitDropsPushesButKeepsQueued(t *testing.T) {
	p := testPool(t)
	sq := NewSubqueue(1)

	ref, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if ok, _ := sq.Push(ref, time.Time{}); !ok {
		t.Fatal("push while limit=1 should succeed")
	}

	sq.SetLimit(0)

	ref2, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	defer ref2.Release()
	if ok, _ := sq.Push(ref2, time.Time{}); ok {
		t.Fatal("push while limit=0 must fail")
	}

	got, err := sq.Pull(time.Time{})
	if err != nil || got != ref {
		t.Fatal("previously queued item must still be pullable while limit=0")
	}
	got.Release()
}

func TestFlowModifyFlagsFiresUpDownOnce(t *testing.T) {
	var events []EventKind
	fl := New(1, 4, 4, Handler{
		Event: func(kind EventKind, _ StateFlags) {
			events = append(events, kind)
		},
	})

	fl.ModifyFlags(FlagUp, 0)
	fl.ModifyFlags(FlagEndpoint, 0) // no up-bit change: must not fire again
	fl.ModifyFlags(0, FlagUp)

	if len(events) != 2 || events[0] != EventUp || events[1] != EventDown {
		t.Fatalf("expected [up, down], got %v", events)
	}
}

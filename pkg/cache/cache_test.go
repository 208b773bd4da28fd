// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"testing"
	"time"

	"github.com/dtn7/bplibgo/pkg/bpe"
	"github.com/dtn7/bplibgo/pkg/bpv7"
	"github.com/dtn7/bplibgo/pkg/custody"
	"github.com/dtn7/bplibgo/pkg/flow"
	"github.com/dtn7/bplibgo/pkg/pool"
	"github.com/dtn7/bplibgo/pkg/router"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.Create(1<<16, 256)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustBundle(t *testing.T, dst, src string, lifetimeMs uint64, bcf bpv7.BundleControlFlags) bpv7.Bundle {
	t.Helper()
	primary := bpv7.NewPrimaryBlock(
		bcf,
		bpv7.MustNewEndpointID(dst),
		bpv7.MustNewEndpointID(src),
		bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 1),
		lifetimeMs,
	)
	b, err := bpv7.NewBundle(primary, []bpv7.CanonicalBlock{
		bpv7.NewCanonicalBlock(1, 0, bpv7.NewPayloadBlock([]byte("hello"))),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// TestAcceptHopLimitExceededRejectsBundle covers scenario S6: a bundle
// carrying an already-exhausted hop count block must be refused and must
// raise FlagHopLimitExceeded rather than entering the cache.
func TestAcceptHopLimitExceededRejectsBundle(t *testing.T) {
	p := testPool(t)
	c := New(Config{Pool: p, Router: router.New(4), ActiveTableSize: 4})

	b := mustBundle(t, "ipn:20.1", "ipn:10.1", 60_000, 0)
	hc := bpv7.NewHopCountBlock(2)
	hc.Increment()
	hc.Increment()
	if err := b.AddExtensionBlock(bpv7.NewCanonicalBlock(2, 0, hc)); err != nil {
		t.Fatal(err)
	}

	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Release()

	var flags bpe.Flags
	err = c.Accept(ref, b, 0, &flags)
	if err == nil {
		t.Fatal("expected hop-limit-exceeded bundle to be rejected")
	}
	if !flags.Has(bpe.FlagHopLimitExceeded) {
		t.Fatal("expected FlagHopLimitExceeded to be raised")
	}
}

// TestAcceptExpiredBundleRejected covers scenario S5: a bundle whose
// lifetime has already elapsed must be refused with FlagExpired raised.
func TestAcceptExpiredBundleRejected(t *testing.T) {
	p := testPool(t)
	c := New(Config{Pool: p, Router: router.New(4), ActiveTableSize: 4})

	b := mustBundle(t, "ipn:20.1", "ipn:10.1", 1, 0)
	time.Sleep(5 * time.Millisecond)

	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Release()

	var flags bpe.Flags
	if err := c.Accept(ref, b, 0, &flags); err == nil {
		t.Fatal("expected expired bundle to be rejected")
	}
	if !flags.Has(bpe.FlagExpired) {
		t.Fatal("expected FlagExpired to be raised")
	}
}

// TestAcceptLocalDestinationDeliversToLocalFlow verifies spec §4.F step 2:
// a bundle destined for the cache's own node is pushed directly into the
// configured receive Flow rather than the remote entries index.
func TestAcceptLocalDestinationDeliversToLocalFlow(t *testing.T) {
	p := testPool(t)
	localFlow := flow.New(1, 4, 4, flow.Handler{})
	c := New(Config{
		Pool:            p,
		Router:          router.New(4),
		ActiveTableSize: 4,
		LocalNode:       bpv7.MustNewEndpointID("ipn:20.1"),
		LocalFlow:       localFlow,
	})

	b := mustBundle(t, "ipn:20.1", "ipn:10.1", 60_000, 0)
	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var flags bpe.Flags
	if err := c.Accept(ref, b, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if localFlow.Ingress.Len() != 1 {
		t.Fatalf("expected one bundle delivered to the local flow's ingress, got %d", localFlow.Ingress.Len())
	}

	got, err := localFlow.Ingress.Pull(time.Time{})
	if err != nil || got != ref {
		t.Fatal("expected to pull back the exact ref that was accepted")
	}
	got.Release()

	st := c.Stats()
	if st.PendingEntries != 0 {
		t.Fatalf("local delivery must not populate the pending entries index, got %d", st.PendingEntries)
	}
}

// TestAcceptRemoteDestinationGoesPendingThenMaintainForwards exercises the
// remote path: the bundle lands in the entries index and a Maintain pass
// forwards it to the egress subqueue of the route's interface once it is
// up.
func TestAcceptRemoteDestinationGoesPendingThenMaintainForwards(t *testing.T) {
	p := testPool(t)
	rt := router.New(4)

	egressFlow := flow.New(0, 4, 4, flow.Handler{})
	intfID := rt.RegisterIntf(egressFlow)
	if err := rt.RouteAdd(20, ^uint64(0), intfID); err != nil {
		t.Fatal(err)
	}
	egressFlow.ModifyFlags(flow.FlagUp, 0)

	c := New(Config{
		Pool:            p,
		Router:          rt,
		ActiveTableSize: 4,
		LocalNode:       bpv7.MustNewEndpointID("ipn:1.1"),
	})

	b := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, 0)
	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var flags bpe.Flags
	if err := c.Accept(ref, b, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if st := c.Stats(); st.PendingEntries != 1 {
		t.Fatalf("expected one pending entry before Maintain, got %d", st.PendingEntries)
	}

	c.Maintain()

	if st := c.Stats(); st.PendingEntries != 0 || st.IdleEntries != 1 {
		t.Fatalf("expected Maintain to drain pending into idle, got %+v", st)
	}
	if egressFlow.Egress.Len() != 1 {
		t.Fatalf("expected one bundle pushed to the route's egress, got %d", egressFlow.Egress.Len())
	}
}

// TestAcceptCustodyRequestedAttachesTrackingBlockAndAccumulates checks that
// a custody-requested remote bundle gets a CustodyTrackingBlock stamped
// with the local node and is handed to the custody machine.
func TestAcceptCustodyRequestedAttachesTrackingBlockAndAccumulates(t *testing.T) {
	p := testPool(t)
	rt := router.New(4)

	em := &collectingEmitter{}
	cm := custody.New(em, 32, time.Hour)

	c := New(Config{
		Pool:            p,
		Router:          rt,
		CustodyMachine:  cm,
		ActiveTableSize: 4,
		LocalNode:       bpv7.MustNewEndpointID("ipn:1.1"),
	})

	b := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, bpv7.StatusRequestDelivery)
	ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var flags bpe.Flags
	if err := c.Accept(ref, b, 0, &flags); err != nil {
		t.Fatal(err)
	}

	if st := c.Stats(); st.ActiveInFlight != 1 {
		t.Fatalf("expected one active custody-tracked entry, got %d", st.ActiveInFlight)
	}
}

type collectingEmitter struct {
	acks []bpv7.CustodyAcknowledgement
}

func (ce *collectingEmitter) EmitCustodyAcknowledgement(ack bpv7.CustodyAcknowledgement, _ bpv7.EndpointID) error {
	ce.acks = append(ce.acks, ack)
	return nil
}

// TestWrapResendRelinquishesOldestOnOverflow covers the default WrapResend
// policy: once the active table is full, assigning one more custody ID
// relinquishes the oldest in-flight entry instead of failing.
func TestWrapResendRelinquishesOldestOnOverflow(t *testing.T) {
	p := testPool(t)
	rt := router.New(4)
	em := &collectingEmitter{}
	cm := custody.New(em, 256, time.Hour)

	c := New(Config{
		Pool:            p,
		Router:          rt,
		CustodyMachine:  cm,
		ActiveTableSize: 2,
		WrapPolicy:      WrapResend,
		LocalNode:       bpv7.MustNewEndpointID("ipn:1.1"),
	})

	for i := 0; i < 3; i++ {
		b := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, bpv7.StatusRequestDelivery)
		ref, err := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		var flags bpe.Flags
		if err := c.Accept(ref, b, 0, &flags); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	if st := c.Stats(); st.ActiveInFlight != 2 {
		t.Fatalf("expected active table capped at 2, got %d", st.ActiveInFlight)
	}
}

// TestWrapDropRejectsOnOverflow covers the WrapDrop policy: once full,
// further custody-requested bundles are refused with ErrOverflow.
func TestWrapDropRejectsOnOverflow(t *testing.T) {
	p := testPool(t)
	rt := router.New(4)
	em := &collectingEmitter{}
	cm := custody.New(em, 256, time.Hour)

	c := New(Config{
		Pool:            p,
		Router:          rt,
		CustodyMachine:  cm,
		ActiveTableSize: 1,
		WrapPolicy:      WrapDrop,
		LocalNode:       bpv7.MustNewEndpointID("ipn:1.1"),
	})

	b1 := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, bpv7.StatusRequestDelivery)
	ref1, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	var flags bpe.Flags
	if err := c.Accept(ref1, b1, 0, &flags); err != nil {
		t.Fatal(err)
	}

	b2 := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, bpv7.StatusRequestDelivery)
	ref2, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	defer ref2.Release()
	if err := c.Accept(ref2, b2, 0, &flags); err == nil {
		t.Fatal("expected WrapDrop to refuse the second custody request once the active table is full")
	}
}

// TestEvictOneReclaimsLowestPriorityNonActiveRecord implements pool.Evictor:
// with two queued entries of differing priority, EvictOne must release the
// lower-priority one first.
func TestEvictOneReclaimsLowestPriorityNonActiveRecord(t *testing.T) {
	p := testPool(t)
	rt := router.New(4)
	c := New(Config{Pool: p, Router: rt, ActiveTableSize: 4, LocalNode: bpv7.MustNewEndpointID("ipn:1.1")})

	low := mustBundle(t, "ipn:20.2", "ipn:1.1", 60_000, 0)
	lowRef, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	var flags bpe.Flags
	if err := c.Accept(lowRef, low, 0, &flags); err != nil {
		t.Fatal(err)
	}

	high := mustBundle(t, "ipn:21.2", "ipn:1.1", 60_000, 0)
	highRef, _ := p.Alloc(pool.TagAPI, pool.PriorityLow, time.Time{})
	defer highRef.Release()
	if err := c.Accept(highRef, high, 5, &flags); err != nil {
		t.Fatal(err)
	}

	if !c.EvictOne() {
		t.Fatal("expected EvictOne to find a victim")
	}

	if got := lowRef.RefCount(); got != 0 {
		t.Fatalf("expected the priority-0 record to be released, refcount %d", got)
	}
	if got := highRef.RefCount(); got != 1 {
		t.Fatalf("expected the priority-5 record to stay cached, refcount %d", got)
	}
}

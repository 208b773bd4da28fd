// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package custody implements the engine's custody acknowledgement machine
// (spec §3.10, §4.H): one accumulator per distinct flow-source, batching
// accepted sequence numbers into aggregate custody-acknowledgement admin
// record bundles. The accumulator's transition table is grounded directly
// on spec §4.H; the wire shape of what gets emitted is
// bpv7.CustodyAcknowledgement, grounded on bplib's
// v7_custody_acknowledgement_record.c.
package custody

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/pkg/bpe"
	"github.com/dtn7/bplibgo/pkg/bpv7"
)

// Emitter hands a completed custody-acknowledgement bundle to the normal
// egress path (spec §4.H: "enqueue via the normal egress path").
type Emitter interface {
	EmitCustodyAcknowledgement(ack bpv7.CustodyAcknowledgement, dest bpv7.EndpointID) error
}

// Accumulator is the per-flow-source custody state of spec §3.10.
type Accumulator struct {
	FlowSource      bpv7.EndpointID
	LastAcceptedSeq uint64
	PendingSeqs     []uint64
	Delivered       bool
	LastEmitTime    time.Time

	seeded bool
}

// Machine owns one Accumulator per flow-source and drives emission,
// following the batch-size/ack-rate/mixed-policy rules of spec §4.H.
type Machine struct {
	mu sync.Mutex

	BatchMax int
	AckRate  time.Duration

	emitter Emitter
	accs    map[string]*Accumulator
}

// New creates a Machine bound to an Emitter, with the given batch size and
// ack-rate period (spec §6.4's ack_rate_ms and the implementation-chosen
// bpv7.MaxSeqPerPayload batch cap).
func New(emitter Emitter, batchMax int, ackRate time.Duration) *Machine {
	return &Machine{
		BatchMax: batchMax,
		AckRate:  ackRate,
		emitter:  emitter,
		accs:     make(map[string]*Accumulator),
	}
}

// Accept records one accepted sequence number for a flow-source, applying
// the transition rules of spec §4.H, and emits a batch when a threshold is
// crossed. Diagnostic conditions raise bits in flags without failing the
// call (spec §7).
func (m *Machine) Accept(source bpv7.EndpointID, seq uint64, delivered bool, flags *bpe.Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := source.String()
	acc, exists := m.accs[key]
	if !exists {
		acc = &Accumulator{FlowSource: source}
		m.accs[key] = acc
	}

	switch {
	case !acc.seeded:
		acc.seeded = true
		acc.Delivered = delivered
		acc.LastAcceptedSeq = seq
		acc.PendingSeqs = append(acc.PendingSeqs[:0], seq)
		acc.LastEmitTime = time.Now()

	case delivered != acc.Delivered:
		if flags != nil {
			flags.Raise(bpe.FlagMixedResponse)
		}
		if err := m.emitLocked(acc); err != nil {
			return err
		}
		acc.Delivered = delivered
		acc.LastAcceptedSeq = seq
		acc.PendingSeqs = append(acc.PendingSeqs[:0], seq)
		acc.LastEmitTime = time.Now()

	case seq <= acc.LastAcceptedSeq:
		if flags != nil {
			flags.Raise(bpe.FlagCIDWentBackwards)
		}
		acc.PendingSeqs = append(acc.PendingSeqs, seq)

	default:
		acc.LastAcceptedSeq = seq
		acc.PendingSeqs = append(acc.PendingSeqs, seq)
	}

	if len(acc.PendingSeqs) >= m.BatchMax {
		if flags != nil {
			flags.Raise(bpe.FlagDACSFull)
		}
		return m.emitLocked(acc)
	}
	if m.AckRate > 0 && time.Since(acc.LastEmitTime) >= m.AckRate {
		return m.emitLocked(acc)
	}

	return nil
}

// Sweep emits any accumulator whose ack-rate period has elapsed, for use
// from the cache's maintenance loop (spec §4.F: "Ask each per-peer custody
// accumulator to emit if any batch threshold is met").
func (m *Machine) Sweep() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accs {
		if len(acc.PendingSeqs) == 0 {
			continue
		}
		if m.AckRate > 0 && time.Since(acc.LastEmitTime) >= m.AckRate {
			if err := m.emitLocked(acc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot returns a read-only copy of every accumulator's state, for the
// §6.4 status surface.
func (m *Machine) Snapshot() []Accumulator {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Accumulator, 0, len(m.accs))
	for _, acc := range m.accs {
		cp := *acc
		cp.PendingSeqs = append([]uint64(nil), acc.PendingSeqs...)
		out = append(out, cp)
	}
	return out
}

// emitLocked builds and hands off an admin-record bundle for acc's current
// batch, per spec §3.5/§4.H, then clears the pending list. Must be called
// with m.mu held.
func (m *Machine) emitLocked(acc *Accumulator) error {
	if len(acc.PendingSeqs) == 0 {
		return nil
	}

	batch := acc.PendingSeqs
	if len(batch) > bpv7.MaxSeqPerPayload {
		batch = batch[:bpv7.MaxSeqPerPayload]
	}

	ack, err := bpv7.NewCustodyAcknowledgement(acc.FlowSource, append([]uint64(nil), batch...))
	if err != nil {
		return fmt.Errorf("custody: building acknowledgement for %s failed: %v", acc.FlowSource, err)
	}

	if m.emitter != nil {
		if err := m.emitter.EmitCustodyAcknowledgement(ack, acc.FlowSource); err != nil {
			return fmt.Errorf("custody: emitting acknowledgement for %s failed: %v", acc.FlowSource, err)
		}
	}

	log.WithFields(log.Fields{"source": acc.FlowSource.String(), "count": len(batch)}).Debug("custody: batch emitted")

	acc.PendingSeqs = nil
	acc.LastEmitTime = time.Now()
	return nil
}

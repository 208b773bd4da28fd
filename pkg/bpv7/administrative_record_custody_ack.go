// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// MaxSeqPerPayload bounds the number of sequence numbers a single
// CustodyAcknowledgement record may carry. BPv7 has no standard custody
// transfer extension, so this limit -- and the record's wire shape below --
// follows the bplib DACS payload convention rather than an RFC.
const MaxSeqPerPayload = 32

// CustodyAcknowledgement is an aggregate custody signal: one flow source
// endpoint paired with the sequence numbers of every bundle from that flow
// being acknowledged in this payload. It mirrors bplib's
// v7_custody_acknowledgement_record encoding, (flow_source_eid, [seq, ...]),
// which has no counterpart in RFC 9171's status report.
type CustodyAcknowledgement struct {
	FlowSourceEid   EndpointID
	SequenceNumbers []uint64
}

// NewCustodyAcknowledgement creates a CustodyAcknowledgement for a flow
// source and a batch of sequence numbers, which must not exceed
// MaxSeqPerPayload.
func NewCustodyAcknowledgement(flowSource EndpointID, seqNos []uint64) (CustodyAcknowledgement, error) {
	if len(seqNos) > MaxSeqPerPayload {
		return CustodyAcknowledgement{}, fmt.Errorf(
			"%w: %d sequence numbers exceed the %d per-payload maximum", bpe.ErrOverflow, len(seqNos), MaxSeqPerPayload)
	}

	return CustodyAcknowledgement{
		FlowSourceEid:   flowSource,
		SequenceNumbers: seqNos,
	}, nil
}

// RecordTypeCode is AdminRecordTypeCustodyAcknowledgement.
func (ca *CustodyAcknowledgement) RecordTypeCode() uint64 {
	return AdminRecordTypeCustodyAcknowledgement
}

// MarshalCbor writes this CustodyAcknowledgement's CBOR representation.
func (ca *CustodyAcknowledgement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&ca.FlowSourceEid, w); err != nil {
		return fmt.Errorf("marshalling flow source eid failed: %v", err)
	}

	if err := cboring.WriteArrayLength(uint64(len(ca.SequenceNumbers)), w); err != nil {
		return err
	}
	for _, seqNo := range ca.SequenceNumbers {
		if err := cboring.WriteUInt(seqNo, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a CBOR representation into this CustodyAcknowledgement.
func (ca *CustodyAcknowledgement) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: custody acknowledgement expects array of 2 elements, not %d", bpe.ErrBundleParse, n)
	}

	if err := cboring.Unmarshal(&ca.FlowSourceEid, r); err != nil {
		return fmt.Errorf("unmarshalling flow source eid failed: %v", err)
	}

	seqLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if seqLen > MaxSeqPerPayload {
		return fmt.Errorf(
			"%w: %d sequence numbers exceed the %d per-payload maximum", bpe.ErrBundleTooLarge, seqLen, MaxSeqPerPayload)
	}

	ca.SequenceNumbers = make([]uint64, seqLen)
	for i := range ca.SequenceNumbers {
		seqNo, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		ca.SequenceNumbers[i] = seqNo
	}

	return nil
}

func (ca CustodyAcknowledgement) String() string {
	return fmt.Sprintf("CustodyAcknowledgement(%v, %v)", ca.FlowSourceEid, ca.SequenceNumbers)
}

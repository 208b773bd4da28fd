// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// CustodyTrackingBlock carries the endpoint ID of the bundle's current
// custodian. There is no RFC 9171 block for this; it follows the same
// single-EndpointID shape as PreviousNodeBlock, the BPv7 block this engine's
// custody transfer most resembles on the wire.
type CustodyTrackingBlock EndpointID

// BlockTypeCode must return a constant integer, indicating the block type code.
func (ctb *CustodyTrackingBlock) BlockTypeCode() uint64 {
	return ExtBlockTypeCustodyTrackingBlock
}

// BlockTypeName must return a constant string, this block's name.
func (ctb *CustodyTrackingBlock) BlockTypeName() string {
	return "Custody Tracking Block"
}

// NewCustodyTrackingBlock creates a new Custody Tracking Block for a custodian's Endpoint ID.
func NewCustodyTrackingBlock(custodian EndpointID) *CustodyTrackingBlock {
	ctb := CustodyTrackingBlock(custodian)
	return &ctb
}

// Custodian returns this Custody Tracking Block's current custodian.
func (ctb *CustodyTrackingBlock) Custodian() EndpointID {
	return EndpointID(*ctb)
}

// MarshalCbor writes the CBOR representation of a CustodyTrackingBlock.
func (ctb *CustodyTrackingBlock) MarshalCbor(w io.Writer) error {
	endpoint := EndpointID(*ctb)
	return cboring.Marshal(&endpoint, w)
}

// UnmarshalCbor reads a CBOR representation of a CustodyTrackingBlock.
func (ctb *CustodyTrackingBlock) UnmarshalCbor(r io.Reader) error {
	endpoint := EndpointID{}
	if err := cboring.Unmarshal(&endpoint, r); err != nil {
		return err
	} else {
		*ctb = CustodyTrackingBlock(endpoint)
		return nil
	}
}

// MarshalJSON writes the JSON representation of a CustodyTrackingBlock.
func (ctb *CustodyTrackingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(ctb.Custodian())
}

// CheckValid returns an array of errors for incorrect data.
func (ctb *CustodyTrackingBlock) CheckValid() error {
	return EndpointID(*ctb).CheckValid()
}

// CheckContextValid checks that there is at most one Custody Tracking Block.
func (ctb *CustodyTrackingBlock) CheckContextValid(b *Bundle) error {
	cb, err := b.ExtensionBlock(ExtBlockTypeCustodyTrackingBlock)

	if err != nil {
		return err
	} else if cb.Value != ctb {
		return fmt.Errorf("%w: CustodyTrackingBlock's pointer differs, %p != %p", bpe.ErrParm, cb.Value, ctb)
	} else {
		return nil
	}
}

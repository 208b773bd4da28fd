// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

const (
	dtnEndpointSchemeName string = "dtn"
	dtnEndpointSchemeNo   uint64 = 1
)

// DtnEndpoint describes the dtn URI scheme, restricted per §3.1 to its one
// well-known value: dtn:none. Any other dtn-scheme SSP is out of scope and
// fails both construction and decode.
type DtnEndpoint struct {
	IsDtnNone bool
}

// NewDtnEndpoint parses a dtn-scheme URI. Only "dtn:none" is accepted.
func NewDtnEndpoint(uri string) (EndpointType, error) {
	if uri != dtnEndpointSchemeName+":none" {
		return nil, fmt.Errorf("%w: dtn scheme supports only dtn:none, got %q", bpe.ErrUnsupported, uri)
	}
	return &DtnEndpoint{IsDtnNone: true}, nil
}

// SchemeName is "dtn" for DtnEndpoints.
func (*DtnEndpoint) SchemeName() string { return dtnEndpointSchemeName }

// SchemeNo is 1 for DtnEndpoints.
func (*DtnEndpoint) SchemeNo() uint64 { return dtnEndpointSchemeNo }

// Authority is the authority part of the Endpoint URI; "none" for dtn:none.
func (e *DtnEndpoint) Authority() string {
	if e.IsDtnNone {
		return "none"
	}
	return ""
}

// Path is the path part of the Endpoint URI; "/" for dtn:none.
func (e *DtnEndpoint) Path() string {
	if e.IsDtnNone {
		return "/"
	}
	return ""
}

// IsSingleton is false for dtn:none, the well-known null endpoint.
func (e *DtnEndpoint) IsSingleton() bool {
	return !e.IsDtnNone
}

// CheckValid returns an error for incorrect data.
func (e *DtnEndpoint) CheckValid() error {
	if !e.IsDtnNone {
		return fmt.Errorf("%w: DtnEndpoint is not dtn:none", bpe.ErrParm)
	}
	return nil
}

func (e *DtnEndpoint) String() string {
	return dtnEndpointSchemeName + ":none"
}

// MarshalCbor writes this DtnEndpoint's CBOR representation: the unsigned
// integer 0, per BPv7's encoding of the well-known dtn:none value.
func (e *DtnEndpoint) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(0, w)
}

// UnmarshalCbor reads a CBOR representation. A text-string SSP, which would
// indicate a general dtn://node/demux URI, is rejected: this engine decodes
// dtn:none only (§3.1).
func (e *DtnEndpoint) UnmarshalCbor(r io.Reader) error {
	m, n, err := cboring.ReadMajors(r)
	if err != nil {
		return err
	}

	switch m {
	case cboring.UInt:
		if n != 0 {
			return fmt.Errorf("%w: DtnEndpoint: only the value 0 (dtn:none) is supported, got %d", bpe.ErrUnsupported, n)
		}
		e.IsDtnNone = true
		return nil

	case cboring.TextString:
		return fmt.Errorf("%w: DtnEndpoint: general dtn URIs are not supported, only dtn:none", bpe.ErrUnsupported)

	default:
		return fmt.Errorf("%w: DtnEndpoint: unexpected major type 0x%X", bpe.ErrBundleParse, m)
	}
}

// DtnNone returns the null endpoint "dtn:none".
func DtnNone() EndpointID {
	return EndpointID{&DtnEndpoint{IsDtnNone: true}}
}

// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

const (
	ipnEndpointSchemeName string = "ipn"
	ipnEndpointSchemeNo   uint64 = 2
)

var ipnEndpointRe = regexp.MustCompile(`^` + ipnEndpointSchemeName + `:(\d+)\.(\d+)$`)

// IpnEndpoint describes the ipn URI scheme for EndpointIDs (RFC 6260),
// restricted per §1's Non-goal to a two-integer node.service tuple.
type IpnEndpoint struct {
	Node    uint64
	Service uint64
}

// NewIpnEndpoint parses an URI with the ipn scheme.
func NewIpnEndpoint(uri string) (EndpointType, error) {
	matches := ipnEndpointRe.FindStringSubmatch(uri)
	if len(matches) != 3 {
		return nil, fmt.Errorf("%w: %q is not an ipn:node.service URI", bpe.ErrBundleParse, uri)
	}

	node, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bpe.ErrBundleParse, err)
	}
	service, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bpe.ErrBundleParse, err)
	}

	e := &IpnEndpoint{Node: node, Service: service}
	if err := e.CheckValid(); err != nil {
		return nil, err
	}
	return e, nil
}

// SchemeName is "ipn" for IpnEndpoints.
func (*IpnEndpoint) SchemeName() string { return ipnEndpointSchemeName }

// SchemeNo is 2 for IpnEndpoints.
func (*IpnEndpoint) SchemeNo() uint64 { return ipnEndpointSchemeNo }

// Authority is the node part of the Endpoint URI, e.g., "23" for "ipn:23.42".
func (e *IpnEndpoint) Authority() string {
	return strconv.FormatUint(e.Node, 10)
}

// Path is the service part of the Endpoint URI, e.g., "42" for "ipn:23.42".
func (e *IpnEndpoint) Path() string {
	return strconv.FormatUint(e.Service, 10)
}

// IsSingleton is always true: every ipn endpoint addresses exactly one node/service.
func (*IpnEndpoint) IsSingleton() bool { return true }

// CheckValid returns an error for incorrect data.
func (e *IpnEndpoint) CheckValid() error {
	if e.Node < 1 || e.Service < 1 {
		return fmt.Errorf("%w: ipn node and service numbers must both be >= 1", bpe.ErrParm)
	}
	return nil
}

func (e *IpnEndpoint) String() string {
	return fmt.Sprintf("%s:%d.%d", ipnEndpointSchemeName, e.Node, e.Service)
}

// MarshalCbor writes this IpnEndpoint's CBOR representation: a two-element array.
func (e *IpnEndpoint) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	for _, n := range []uint64{e.Node, e.Service} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a CBOR representation for an IpnEndpoint.
func (e *IpnEndpoint) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("%w: ipn URI expects array of 2 elements, not %d", bpe.ErrBundleParse, n)
	}

	for _, n := range []*uint64{&e.Node, &e.Service} {
		v, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*n = v
	}
	return nil
}

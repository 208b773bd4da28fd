// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sync"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// EndpointType describes a discrete EndpointID. The concrete types
// (DtnEndpoint, IpnEndpoint) implement MarshalCbor and UnmarshalCbor on
// pointer receivers and are always held as pointers here.
type EndpointType interface {
	// SchemeName returns the static URI scheme name, e.g., "dtn" or "ipn".
	SchemeName() string

	// SchemeNo returns the static URI scheme type number.
	SchemeNo() uint64

	// Authority is the authority part of the Endpoint URI.
	Authority() string

	// Path is the path part of the Endpoint URI.
	Path() string

	// IsSingleton checks if this Endpoint represents a singleton.
	IsSingleton() bool

	MarshalCbor(io.Writer) error

	Valid
	fmt.Stringer
}

type endpointManager struct {
	typeMap map[uint64]reflect.Type
	newMap  map[string]func(string) (EndpointType, error)
}

var (
	endpointMngr  *endpointManager
	endpointMutex sync.Mutex
)

func getEndpointManager() *endpointManager {
	endpointMutex.Lock()
	defer endpointMutex.Unlock()

	if endpointMngr == nil {
		endpointMngr = &endpointManager{
			typeMap: make(map[uint64]reflect.Type),
			newMap:  make(map[string]func(string) (EndpointType, error)),
		}

		epTypes := []struct {
			schemeNo   uint64
			schemeName string
			impl       interface{}
			newFunc    func(string) (EndpointType, error)
		}{
			{dtnEndpointSchemeNo, dtnEndpointSchemeName, &DtnEndpoint{}, NewDtnEndpoint},
			{ipnEndpointSchemeNo, ipnEndpointSchemeName, &IpnEndpoint{}, NewIpnEndpoint},
		}

		for _, epType := range epTypes {
			endpointMngr.typeMap[epType.schemeNo] = reflect.TypeOf(epType.impl).Elem()
			endpointMngr.newMap[epType.schemeName] = epType.newFunc
		}
	}

	return endpointMngr
}

// EndpointID represents an Endpoint ID as defined in section 4.1.5.1 of
// BPv7, restricted per this engine to the ipn scheme and the dtn:none
// well-known value (§3.1); other dtn-scheme URIs fail to decode.
type EndpointID struct {
	EndpointType EndpointType
}

var uriRe = regexp.MustCompile("^([[:alnum:]]+):.+$")

// NewEndpointID parses an URI, e.g., "ipn:1.1" or "dtn:none".
func NewEndpointID(uri string) (e EndpointID, err error) {
	matches := uriRe.FindStringSubmatch(uri)
	if len(matches) == 0 {
		err = fmt.Errorf("%w: endpoint URI %q does not match scheme:ssp", bpe.ErrBundleParse, uri)
		return
	}

	scheme := matches[1]
	f, ok := getEndpointManager().newMap[scheme]
	if !ok {
		err = fmt.Errorf("%w: no handler registered for URI scheme %s", bpe.ErrBundleParse, scheme)
		return
	}

	et, etErr := f(uri)
	if etErr != nil {
		err = etErr
		return
	}

	e = EndpointID{et}
	return
}

// MustNewEndpointID parses an URI like NewEndpointID, but panics on error.
// Reserved for constant, known-valid endpoints constructed at init time.
func MustNewEndpointID(uri string) EndpointID {
	ep, err := NewEndpointID(uri)
	if err != nil {
		panic(err)
	}
	return ep
}

// MarshalCbor writes the CBOR representation of this Endpoint ID.
func (eid *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(eid.EndpointType.SchemeNo(), w); err != nil {
		return err
	}

	return eid.EndpointType.MarshalCbor(w)
}

// UnmarshalCbor creates this Endpoint ID based on a CBOR representation.
func (eid *EndpointID) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("%w: EndpointID expects array of 2 elements, not %d", bpe.ErrBundleParse, l)
	}

	scheme, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	epType, ok := getEndpointManager().typeMap[scheme]
	if !ok {
		return fmt.Errorf("%w: no URI scheme registered for scheme number %d", bpe.ErrBundleParse, scheme)
	}

	inst := reflect.New(epType)
	if err := inst.Interface().(interface{ UnmarshalCbor(io.Reader) error }).UnmarshalCbor(r); err != nil {
		return err
	}

	eid.EndpointType = inst.Interface().(EndpointType)
	return nil
}

// Authority is the authority part of the Endpoint URI.
func (eid EndpointID) Authority() string {
	if eid.EndpointType == nil {
		return DtnNone().Authority()
	}
	return eid.EndpointType.Authority()
}

// Path is the path part of the Endpoint URI.
func (eid EndpointID) Path() string {
	if eid.EndpointType == nil {
		return DtnNone().Path()
	}
	return eid.EndpointType.Path()
}

// IsSingleton checks if this Endpoint represents a singleton.
func (eid EndpointID) IsSingleton() bool {
	if eid.EndpointType == nil {
		return DtnNone().IsSingleton()
	}
	return eid.EndpointType.IsSingleton()
}

// SameNode checks if two Endpoints address the same node, based on the
// scheme and authority part, ignoring any path/service difference.
func (eid EndpointID) SameNode(other EndpointID) bool {
	a, b := eid, other
	if a.EndpointType == nil {
		a = DtnNone()
	}
	if b.EndpointType == nil {
		b = DtnNone()
	}
	return a.EndpointType.SchemeName() == b.EndpointType.SchemeName() &&
		a.EndpointType.Authority() == b.EndpointType.Authority()
}

// CheckValid returns an error for incorrect data.
func (eid EndpointID) CheckValid() error {
	if eid.EndpointType == nil {
		return fmt.Errorf("%w: EndpointID has no EndpointType", bpe.ErrParm)
	}
	return eid.EndpointType.CheckValid()
}

func (eid EndpointID) String() string {
	if eid.EndpointType == nil {
		return DtnNone().String()
	}
	return eid.EndpointType.String()
}

// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// Sorted list of all known block type codes to prevent double usage.
const (
	// ExtBlockTypePayloadBlock is the block type code for a Payload Block, extension_block_payload.go
	ExtBlockTypePayloadBlock uint64 = 1

	// ExtBlockTypePreviousNodeBlock is the block type code for a Previous Node Block, extension_block_previous_node.go
	ExtBlockTypePreviousNodeBlock uint64 = 6

	// ExtBlockTypeBundleAgeBlock is the block type code for a Bundle Age Block, extension_block_bundle_age.go
	ExtBlockTypeBundleAgeBlock uint64 = 7

	// ExtBlockTypeHopCountBlock is the block type code for a Hop Count Block, extension_block_hop_count.go
	ExtBlockTypeHopCountBlock uint64 = 10

	// ExtBlockTypeCustodyTrackingBlock is the block type code for a Custody Tracking Block, extension_block_custody_tracking.go
	ExtBlockTypeCustodyTrackingBlock uint64 = 11
)

// Security and dynamic-routing block types (binary spray, DTLSR, prophet,
// signature, BIB/BCB) carry no registered Go type in this engine: spec §1's
// Non-goals exclude dynamic routing and BPsec, so no component ever
// originates or interprets one. Rather than keep dead type-code constants
// for blocks nothing constructs, createBlock's fallback below handles any
// such block type code exactly as it handles every other unrecognized one:
// as a GenericExtensionBlock, which preserves wire placement without
// decoding the payload.

// ExtensionBlock describes the block-type specific data of any Canonical Block. Such an ExtensionBlock
// must implement either the cboring.CborMarshaler interface, if its serializable to / from CBOR, or both
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler. The latter allows any kind of serialization,
// e.g., to a totally custom format.
type ExtensionBlock interface {
	Valid

	// BlockTypeCode must return a constant integer, indicating the block type code.
	BlockTypeCode() uint64
}

// ExtensionBlockManager keeps a book on various types of ExtensionBlocks that
// can be changed at runtime. Thus, new ExtensionBlocks can be created based on
// their block type code.
//
// A singleton ExtensionBlockManager can be fetched by GetExtensionBlockManager.
type ExtensionBlockManager struct {
	data  map[uint64]reflect.Type
	mutex sync.Mutex
}

// NewExtensionBlockManager creates an empty ExtensionBlockManager. To use a
// singleton ExtensionBlockManager one can use GetExtensionBlockManager.
func NewExtensionBlockManager() *ExtensionBlockManager {
	return &ExtensionBlockManager{
		data: make(map[uint64]reflect.Type),
	}
}

// Register a new ExtensionBlock type through an exemplary instance.
func (ebm *ExtensionBlockManager) Register(eb ExtensionBlock) error {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	extCode := eb.BlockTypeCode()
	extType := reflect.TypeOf(eb).Elem()

	if extType == reflect.TypeOf((*GenericExtensionBlock)(nil)).Elem() {
		return fmt.Errorf("%w: not allowed to register a GenericExtensionBlock", bpe.ErrParm)
	}

	if otherType, exists := ebm.data[extCode]; exists {
		return fmt.Errorf("%w: block type code %d is already registered for %s",
			bpe.ErrParm, extCode, otherType.Name())
	}

	ebm.data[extCode] = extType
	return nil
}

// Unregister an ExtensionBlock type through an exemplary instance.
func (ebm *ExtensionBlockManager) Unregister(eb ExtensionBlock) {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	delete(ebm.data, eb.BlockTypeCode())
}

// IsKnown returns true if the ExtensionBlock for this block type code is known.
func (ebm *ExtensionBlockManager) IsKnown(typeCode uint64) bool {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	_, known := ebm.data[typeCode]
	return known
}

// createBlock returns either a specific ExtensionBlock or, if type code is not registered, an GenericExtensionBlock.
func (ebm *ExtensionBlockManager) createBlock(typeCode uint64) ExtensionBlock {
	if extType, exists := ebm.data[typeCode]; exists {
		return reflect.New(extType).Interface().(ExtensionBlock)
	} else {
		return &GenericExtensionBlock{typeCode: typeCode}
	}
}

// WriteBlock writes an ExtensionBlock in its correct binary format into the io.Writer.
// Unknown block types are treated as GenericExtensionBlock.
func (ebm *ExtensionBlockManager) WriteBlock(b ExtensionBlock, w io.Writer) error {
	_, err := ebm.WriteBlockRaw(b, w)
	return err
}

// WriteBlockRaw is WriteBlock's counterpart for callers that also need the
// exact payload bytes of the content byte string just written -- the
// write-side mirror of ReadBlockRaw, used by the canonical block codec to
// record its content's offset and length per spec §3.3.
func (ebm *ExtensionBlockManager) WriteBlockRaw(b ExtensionBlock, w io.Writer) (raw []byte, err error) {
	switch b := b.(type) {
	case encoding.BinaryMarshaler:
		data, merr := b.MarshalBinary()
		if merr != nil {
			return nil, fmt.Errorf("%w: marshalling binary for Block errored: %v", bpe.ErrBundleParse, merr)
		}
		raw = data
		err = cboring.WriteByteString(data, w)

	case cboring.CborMarshaler:
		var buff bytes.Buffer
		if merr := cboring.Marshal(b, &buff); merr != nil {
			return nil, fmt.Errorf("%w: marshalling CBOR for Block errored: %v", bpe.ErrBundleParse, merr)
		}
		raw = buff.Bytes()
		err = cboring.WriteByteString(raw, w)

	default:
		err = fmt.Errorf("%w: ExtensionBlock does not implement any expected types", bpe.ErrUnsupported)
	}

	return
}

// ReadBlock reads an ExtensionBlock from its correct binary format from the io.Reader.
// Unknown block types are treated as GenericExtensionBlock.
func (ebm *ExtensionBlockManager) ReadBlock(typeCode uint64, r io.Reader) (ExtensionBlock, error) {
	b, _, err := ebm.ReadBlockRaw(typeCode, r)
	return b, err
}

// ReadBlockRaw is ReadBlock's counterpart for callers that also need the
// exact bytes of the content byte string's payload -- spec §3.3 asks a
// canonical block's decoder to retain the content's byte offset and length
// within the outer encoded buffer, so it can be CRC-validated and
// re-emitted without re-encoding. The payload length here tells the caller
// exactly how many of the bytes it already teed off match the content.
func (ebm *ExtensionBlockManager) ReadBlockRaw(typeCode uint64, r io.Reader) (b ExtensionBlock, raw []byte, err error) {
	b = ebm.createBlock(typeCode)

	switch b := b.(type) {
	case encoding.BinaryUnmarshaler:
		if data, dataErr := cboring.ReadByteString(r); dataErr != nil {
			err = dataErr
		} else {
			raw = data
			err = b.UnmarshalBinary(data)
		}

	case cboring.CborMarshaler:
		if data, dataErr := cboring.ReadByteString(r); dataErr != nil {
			err = dataErr
		} else {
			raw = data
			var buff = bytes.NewBuffer(data)
			err = cboring.Unmarshal(b, buff)
		}

	default:
		err = fmt.Errorf("%w: ExtensionBlock does not implement any expected types", bpe.ErrUnsupported)
	}

	return
}

var (
	extensionBlockManager      *ExtensionBlockManager
	extensionBlockManagerMutex sync.Mutex
)

// GetExtensionBlockManager returns the singleton ExtensionBlockManager. If none exists, a new one is generated
// with knowledge of the PayloadBlock, PreviousNodeBlock, BundleAgeBlock, HopCountBlock and CustodyTrackingBlock.
// Security and dynamic-routing block types are deliberately left unregistered: they pass through forwarding as
// GenericExtensionBlock, keeping their wire placement intact without the payload being processed.
func GetExtensionBlockManager() *ExtensionBlockManager {
	extensionBlockManagerMutex.Lock()
	defer extensionBlockManagerMutex.Unlock()

	if extensionBlockManager == nil {
		extensionBlockManager = NewExtensionBlockManager()

		_ = extensionBlockManager.Register(NewPayloadBlock(nil))
		_ = extensionBlockManager.Register(NewPreviousNodeBlock(DtnNone()))
		_ = extensionBlockManager.Register(NewBundleAgeBlock(0))
		_ = extensionBlockManager.Register(NewHopCountBlock(0))
		_ = extensionBlockManager.Register(NewCustodyTrackingBlock(DtnNone()))
	}

	return extensionBlockManager
}
